package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
)

type fakeTokenService struct {
	tokens     []apitokendomain.Response
	secret     *apitokendomain.SecretResponse
	err        error
	lastCreate apitokendomain.CreateRequest
	lastID     string
}

func (f *fakeTokenService) List(ctx context.Context) ([]apitokendomain.Response, error) {
	_ = ctx
	return f.tokens, f.err
}

func (f *fakeTokenService) Create(ctx context.Context, req apitokendomain.CreateRequest) (*apitokendomain.SecretResponse, error) {
	f.lastCreate = req
	_ = ctx
	return f.secret, f.err
}

func (f *fakeTokenService) Rotate(ctx context.Context, tokenID string) (*apitokendomain.SecretResponse, error) {
	f.lastID = tokenID
	_ = ctx
	return f.secret, f.err
}

func (f *fakeTokenService) Revoke(ctx context.Context, tokenID string) error {
	f.lastID = tokenID
	_ = ctx
	return f.err
}

func TestCreateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tokenSvc := &fakeTokenService{secret: &apitokendomain.SecretResponse{TokenID: "tok_ABC", Token: "tmk_ABC_secret"}}
	srv := &Server{tokenSvc: tokenSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/api/tokens", srv.CreateToken)

	req := httptest.NewRequest(http.MethodPost, "/api/tokens", bytes.NewBufferString(`{"name":"console","scopes":["accounts:read","usage:read"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if tokenSvc.lastCreate.Name != "console" || len(tokenSvc.lastCreate.Scopes) != 2 {
		t.Fatalf("unexpected create request: %+v", tokenSvc.lastCreate)
	}

	var body apitokendomain.SecretResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Token != "tmk_ABC_secret" {
		t.Fatalf("expected plaintext token in response, got %q", body.Token)
	}
}

func TestCreateTokenRejectsUnknownScope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{tokenSvc: &fakeTokenService{err: apitokendomain.ErrInvalidScope}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/api/tokens", srv.CreateToken)

	req := httptest.NewRequest(http.MethodPost, "/api/tokens", bytes.NewBufferString(`{"name":"console","scopes":["admin:everything"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Error.Errors) != 1 || body.Error.Errors[0].Code != "invalid_scope" {
		t.Fatalf("unexpected error payload: %+v", body.Error)
	}
}

func TestListTokenScopesHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/api/tokens/scopes", srv.ListTokenScopes)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens/scopes", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var scopes []string
	if err := json.Unmarshal(resp.Body.Bytes(), &scopes); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	found := false
	for _, scope := range scopes {
		if scope == apitokendomain.ScopeUsageRead {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q in scopes, got %v", apitokendomain.ScopeUsageRead, scopes)
	}
}

func TestRotateTokenNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{tokenSvc: &fakeTokenService{err: apitokendomain.ErrNotFound}}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/api/tokens/:id/rotate", srv.RotateToken)

	req := httptest.NewRequest(http.MethodPost, "/api/tokens/tok_MISSING/rotate", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestRevokeTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tokenSvc := &fakeTokenService{}
	srv := &Server{tokenSvc: tokenSvc}

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.DELETE("/api/tokens/:id", srv.RevokeToken)

	req := httptest.NewRequest(http.MethodDelete, "/api/tokens/tok_ABC", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if tokenSvc.lastID != "tok_ABC" {
		t.Fatalf("unexpected token id: %q", tokenSvc.lastID)
	}
}
