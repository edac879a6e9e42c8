package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListIssues(c *gin.Context) {
	issues, err := s.issueSvc.ListActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, issues)
}

func (s *Server) ListAccountIssues(c *gin.Context) {
	_, accountID, err := s.accountFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	issues, err := s.issueSvc.List(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, issues)
}
