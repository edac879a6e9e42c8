package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
)

type createTokenRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

func (s *Server) ListTokens(c *gin.Context) {
	tokens, err := s.tokenSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokens)
}

func (s *Server) CreateToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.tokenSvc.Create(c.Request.Context(), apitokendomain.CreateRequest{
		Name:   req.Name,
		Scopes: req.Scopes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListTokenScopes(c *gin.Context) {
	c.JSON(http.StatusOK, apitokendomain.KnownScopes())
}

// RotateToken issues a replacement secret and retires the old one. The
// plaintext comes back exactly once, same as creation.
func (s *Server) RotateToken(c *gin.Context) {
	resp, err := s.tokenSvc.Rotate(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RevokeToken(c *gin.Context) {
	if err := s.tokenSvc.Revoke(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
