package domain

import (
	"context"
	"errors"
	"time"
)

// Operator API scopes. A token carries one or more; each route group
// demands the matching scope.
const (
	ScopeAccountsRead  = "accounts:read"
	ScopeAccountsWrite = "accounts:write"
	ScopeUsageRead     = "usage:read"
	ScopeSyncWrite     = "sync:write"
	ScopeReportsRead   = "reports:read"
	ScopeTokensAdmin   = "tokens:admin"
)

// KnownScopes lists every scope a token may carry.
func KnownScopes() []string {
	return []string{
		ScopeAccountsRead,
		ScopeAccountsWrite,
		ScopeUsageRead,
		ScopeSyncWrite,
		ScopeReportsRead,
		ScopeTokensAdmin,
	}
}

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, tokenID string) (*SecretResponse, error)
	Revoke(ctx context.Context, tokenID string) error
}

type CreateRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type Response struct {
	TokenID            string     `json:"token_id"`
	Name               string     `json:"name"`
	Scopes             []string   `json:"scopes"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	RotatedFromTokenID *string    `json:"rotated_from_token_id"`
}

// SecretResponse carries the plaintext token. It comes back exactly once,
// at creation or rotation; only the hash is stored.
type SecretResponse struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
}

var (
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidScope   = errors.New("invalid_scope")
	ErrInvalidTokenID = errors.New("invalid_token_id")
	ErrNotFound       = errors.New("not_found")
)
