package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"github.com/smallbiznis/tidemark/internal/apitoken/repository"
	"github.com/smallbiznis/tidemark/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTokenService(t *testing.T) (apitokendomain.Service, *gorm.DB) {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := conn.Exec(`CREATE TABLE api_tokens (
		id INTEGER PRIMARY KEY,
		token_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '{}',
		token_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME,
		updated_at DATETIME,
		last_used_at DATETIME,
		expires_at DATETIME,
		rotated_from_token_id TEXT
	)`).Error; err != nil {
		t.Fatalf("create api_tokens table: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc, conn
}

func findToken(t *testing.T, items []apitokendomain.Response, tokenID string) *apitokendomain.Response {
	t.Helper()
	for i := range items {
		if items[i].TokenID == tokenID {
			return &items[i]
		}
	}
	t.Fatalf("token %s not listed", tokenID)
	return nil
}

func TestCreateIssuesSecretOnce(t *testing.T) {
	svc, conn := newTokenService(t)
	ctx := context.Background()

	secret, err := svc.Create(ctx, apitokendomain.CreateRequest{
		Name:   "grafana",
		Scopes: []string{apitokendomain.ScopeUsageRead, apitokendomain.ScopeAccountsRead, apitokendomain.ScopeUsageRead},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(secret.Token, "tm_live_tok_") {
		t.Fatalf("token format: %q", secret.Token)
	}
	if !strings.HasPrefix(secret.TokenID, "tok_") {
		t.Fatalf("token id format: %q", secret.TokenID)
	}

	items, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 token, got %d", len(items))
	}
	got := items[0]
	if got.Name != "grafana" || !got.IsActive {
		t.Fatalf("listed token = %+v", got)
	}
	if len(got.Scopes) != 2 {
		t.Fatalf("duplicate scope survived: %v", got.Scopes)
	}

	// Only the hash hits the table.
	var hash string
	if err := conn.Raw(`SELECT token_hash FROM api_tokens WHERE token_id = ?`, secret.TokenID).Scan(&hash).Error; err != nil {
		t.Fatalf("read hash: %v", err)
	}
	if hash != apitokendomain.HashToken(secret.Token) {
		t.Fatal("stored hash does not match the issued token")
	}
	if hash == secret.Token {
		t.Fatal("plaintext token stored")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, apitokendomain.CreateRequest{Name: "  ", Scopes: []string{apitokendomain.ScopeUsageRead}}); !errors.Is(err, apitokendomain.ErrInvalidName) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := svc.Create(ctx, apitokendomain.CreateRequest{Name: "ops"}); !errors.Is(err, apitokendomain.ErrInvalidScope) {
		t.Fatalf("empty scopes: %v", err)
	}
	if _, err := svc.Create(ctx, apitokendomain.CreateRequest{Name: "ops", Scopes: []string{"meters:write"}}); !errors.Is(err, apitokendomain.ErrInvalidScope) {
		t.Fatalf("unknown scope: %v", err)
	}
}

func TestRotateKeepsOldTokenThroughGrace(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, apitokendomain.CreateRequest{
		Name:   "ops",
		Scopes: []string{apitokendomain.ScopeAccountsWrite, apitokendomain.ScopeSyncWrite},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rotated, err := svc.Rotate(ctx, created.TokenID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.TokenID == created.TokenID {
		t.Fatal("rotation must mint a new token id")
	}
	if rotated.Token == created.Token {
		t.Fatal("rotation must mint a new secret")
	}

	items, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(items))
	}

	old := findToken(t, items, created.TokenID)
	if !old.IsActive {
		t.Fatal("old token must stay active through the grace period")
	}
	if old.ExpiresAt == nil {
		t.Fatal("old token must expire after rotation")
	}
	remaining := time.Until(*old.ExpiresAt)
	if remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Fatalf("grace period = %v", remaining)
	}

	next := findToken(t, items, rotated.TokenID)
	if next.RotatedFromTokenID == nil || *next.RotatedFromTokenID != created.TokenID {
		t.Fatalf("rotated_from = %v", next.RotatedFromTokenID)
	}
	if len(next.Scopes) != 2 {
		t.Fatalf("scopes must carry over, got %v", next.Scopes)
	}
	if next.ExpiresAt != nil {
		t.Fatal("new token must not expire")
	}
}

func TestRotateUnknownToken(t *testing.T) {
	svc, _ := newTokenService(t)

	if _, err := svc.Rotate(context.Background(), "tok_NOPE"); !errors.Is(err, apitokendomain.ErrNotFound) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := svc.Rotate(context.Background(), "   "); !errors.Is(err, apitokendomain.ErrInvalidTokenID) {
		t.Fatalf("blank token id: %v", err)
	}
}

func TestRevokeStopsRotation(t *testing.T) {
	svc, _ := newTokenService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, apitokendomain.CreateRequest{
		Name:   "ops",
		Scopes: []string{apitokendomain.ScopeTokensAdmin},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Revoke(ctx, created.TokenID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	items, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	revoked := findToken(t, items, created.TokenID)
	if revoked.IsActive {
		t.Fatal("revoked token still active")
	}
	if revoked.ExpiresAt == nil || revoked.ExpiresAt.After(time.Now().UTC().Add(time.Minute)) {
		t.Fatalf("revoked token expiry = %v", revoked.ExpiresAt)
	}

	if _, err := svc.Rotate(ctx, created.TokenID); !errors.Is(err, apitokendomain.ErrNotFound) {
		t.Fatalf("rotate revoked token: %v", err)
	}
	if err := svc.Revoke(ctx, "tok_NOPE"); !errors.Is(err, apitokendomain.ErrNotFound) {
		t.Fatalf("revoke unknown token: %v", err)
	}
}
