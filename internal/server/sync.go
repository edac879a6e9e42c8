package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tidemark/internal/reconcile"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	enginesync "github.com/smallbiznis/tidemark/internal/sync"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"github.com/smallbiznis/tidemark/pkg/db/pagination"
)

type triggerSyncRequest struct {
	Force      bool   `json:"force"`
	Resolution string `json:"resolution"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type listSyncRunsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	AccountID string `form:"account_id"`
	Status    string `form:"status"`
	Trigger   string `form:"trigger"`
	StartAt   string `form:"start_at"`
	EndAt     string `form:"end_at"`
}

// TriggerSync runs one cycle for the account right now and waits for it.
// The outcome lands in the run log either way; the refreshed account row
// comes back so the caller sees the settled state without a second call.
func (s *Server) TriggerSync(c *gin.Context) {
	if s.syncEngine == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req triggerSyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	_, accountID, err := s.accountFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	opts := enginesync.Options{
		Trigger: synclogdomain.TriggerManual,
		Force:   req.Force,
	}

	if raw := strings.TrimSpace(req.Resolution); raw != "" {
		resolution, err := statisticsdomain.ParseResolution(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		opts.Resolution = resolution
	}

	from, err := parseOptionalTime(req.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(req.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	switch {
	case from != nil && to != nil:
		opts.Window = &reconcile.Window{Start: *from, End: *to}
	case from != nil || to != nil:
		AbortWithError(c, newValidationError("window", "incomplete_window", "from and to must be set together"))
		return
	}

	if err := s.syncEngine.SyncNow(c.Request.Context(), accountID, opts); err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.accountSvc.GetByID(c.Request.Context(), accountID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

func (s *Server) ListSyncRuns(c *gin.Context) {
	var query listSyncRunsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID, err := parseOptionalSnowflakeID(query.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}

	startAt, err := parseOptionalTime(query.StartAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}

	endAt, err := parseOptionalTime(query.EndAt, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	req := synclogdomain.ListRunsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Status:      strings.TrimSpace(query.Status),
		TriggerKind: strings.TrimSpace(query.Trigger),
		StartAt:     startAt,
		EndAt:       endAt,
	}
	if accountID != nil {
		req.AccountID = *accountID
	}

	resp, err := s.runSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Runs, "page_info": resp.PageInfo})
}

func (s *Server) GetSyncRunByID(c *gin.Context) {
	run, err := s.runSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}
