package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
)

type createAccountRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	SkipVerify  bool   `json:"skip_verify"`
}

type updateAccountRequest struct {
	DisplayName *string `json:"display_name"`
}

type accountStatusResponse struct {
	Account      *accountdomain.Response `json:"account"`
	Resolutions  []resolutionStatusRow   `json:"resolutions"`
	ActiveIssues []issuedomain.Response  `json:"active_issues"`
}

// resolutionStatusRow adds the stable series ID consumers subscribe to.
type resolutionStatusRow struct {
	statisticsdomain.ResolutionState
	StatisticID string `json:"statistic_id"`
}

func (s *Server) ListAccounts(c *gin.Context) {
	accounts, err := s.accountSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, accounts)
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.accountSvc.Create(c.Request.Context(), accountdomain.CreateRequest{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		SkipVerify:  req.SkipVerify,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetAccountByID(c *gin.Context) {
	resp, err := s.accountSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) UpdateAccount(c *gin.Context) {
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.accountSvc.Update(c.Request.Context(), accountdomain.UpdateRequest{
		ID:          strings.TrimSpace(c.Param("id")),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) DeleteAccount(c *gin.Context) {
	if err := s.accountSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SuspendAccount(c *gin.Context) {
	resp, err := s.accountSvc.Suspend(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ResumeAccount(c *gin.Context) {
	resp, err := s.accountSvc.Resume(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetAccountStatus folds the account row, its per-resolution sync states
// and any open issues into one payload for the operator console.
func (s *Server) GetAccountStatus(c *gin.Context) {
	account, accountID, err := s.accountFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	states, err := s.statsSvc.States(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	issues, err := s.issueSvc.List(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	active := make([]issuedomain.Response, 0, len(issues))
	for _, item := range issues {
		if item.Status == issuedomain.StatusActive {
			active = append(active, item)
		}
	}

	rows := make([]resolutionStatusRow, 0, len(states))
	for _, state := range states {
		rows = append(rows, resolutionStatusRow{
			ResolutionState: state,
			StatisticID:     statisticsdomain.StatisticID(account.Slug, state.Resolution),
		})
	}

	c.JSON(http.StatusOK, accountStatusResponse{
		Account:      account,
		Resolutions:  rows,
		ActiveIssues: active,
	})
}
