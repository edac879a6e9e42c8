package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	List(ctx context.Context) ([]Response, error)
	GetByID(ctx context.Context, id string) (*Response, error)
	GetByUsername(ctx context.Context, username string) (*Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
	Delete(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) (*Response, error)
	Resume(ctx context.Context, id string) (*Response, error)
}

type CreateRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	// SkipVerify bypasses the live portal login check, for accounts
	// registered while the portal is unreachable.
	SkipVerify bool `json:"skip_verify"`
}

type UpdateRequest struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name,omitempty"`
}

type Response struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	DisplayName   string     `json:"display_name"`
	Slug          string     `json:"slug"`
	Status        string     `json:"status"`
	Suspended     bool       `json:"suspended"`
	FailureCount  int        `json:"failure_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var (
	ErrInvalidUsername    = errors.New("invalid_username")
	ErrInvalidPassword    = errors.New("invalid_password")
	ErrDuplicateUsername  = errors.New("duplicate_username")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidID          = errors.New("invalid_id")
	ErrCredentialRejected = errors.New("credential_rejected")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}
