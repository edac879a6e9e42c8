package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tidemark/internal/report"
)

type usageReportQuery struct {
	From string `form:"from"`
	To   string `form:"to"`
}

func (s *Server) DownloadUsageReport(c *gin.Context) {
	var query usageReportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	doc, err := s.reportSvc.MonthlyUsage(c.Request.Context(), report.MonthlyUsageRequest{
		AccountID: strings.TrimSpace(c.Param("id")),
		From:      query.From,
		To:        query.To,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+doc.Filename)
	c.Data(http.StatusOK, doc.ContentType, doc.Data)
}
