package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrCredentialNotFound = errors.New("credential_not_found")
	ErrInvalidSecret      = errors.New("invalid_secret")
)

// Service stores and reveals sealed portal secrets. Reveal is only meant
// for the sync engine and credential verification, never for API responses.
//
//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks
type Service interface {
	Store(ctx context.Context, accountID snowflake.ID, secret string) error
	Reveal(ctx context.Context, accountID snowflake.ID) (string, error)
	RotatedAt(ctx context.Context, accountID snowflake.ID) (*Credential, error)
	Delete(ctx context.Context, accountID snowflake.ID) error
}
