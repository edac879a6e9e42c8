package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
)

type usageQuery struct {
	Resolution string `form:"resolution"`
	From       string `form:"from"`
	To         string `form:"to"`
}

func (s *Server) ListUsage(c *gin.Context) {
	resolution, from, to, ok := s.bindUsageQuery(c)
	if !ok {
		return
	}

	_, accountID, err := s.accountFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.statsSvc.ListRange(c.Request.Context(), statisticsdomain.ListRequest{
		AccountID:  accountID,
		Resolution: resolution,
		From:       from,
		To:         to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) ListUnavailableUsage(c *gin.Context) {
	resolution, from, to, ok := s.bindUsageQuery(c)
	if !ok {
		return
	}

	_, accountID, err := s.accountFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	slots, err := s.statsSvc.Unavailable(c.Request.Context(), accountID, resolution, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, slots)
}

func (s *Server) bindUsageQuery(c *gin.Context) (statisticsdomain.Resolution, time.Time, time.Time, bool) {
	var query usageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return "", time.Time{}, time.Time{}, false
	}

	resolution, err := statisticsdomain.ParseResolution(strings.TrimSpace(query.Resolution))
	if err != nil {
		AbortWithError(c, err)
		return "", time.Time{}, time.Time{}, false
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return "", time.Time{}, time.Time{}, false
	}
	if from == nil {
		AbortWithError(c, newValidationError("from", "required", "from is required"))
		return "", time.Time{}, time.Time{}, false
	}

	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return "", time.Time{}, time.Time{}, false
	}
	if to == nil {
		AbortWithError(c, newValidationError("to", "required", "to is required"))
		return "", time.Time{}, time.Time{}, false
	}

	return resolution, *from, *to, true
}
