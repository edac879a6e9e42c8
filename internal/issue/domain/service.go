package domain

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidKind   = errors.New("invalid_issue_kind")
	ErrInvalidID     = errors.New("invalid_issue_id")
	ErrIssueNotFound = errors.New("issue_not_found")
)

type OpenRequest struct {
	AccountID snowflake.ID
	Kind      Kind
	Detail    string
}

type Response struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Kind        Kind       `json:"kind"`
	Status      string     `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	RepairToken string     `json:"repair_token,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks
type Service interface {
	// Open raises an issue, or returns the already active one for the
	// same (account, kind) without creating a duplicate.
	Open(ctx context.Context, req OpenRequest) (*Response, error)
	Resolve(ctx context.Context, accountID snowflake.ID, kind Kind) error
	Get(ctx context.Context, id string) (*Response, error)
	FindActive(ctx context.Context, accountID snowflake.ID, kind Kind) (*Response, error)
	List(ctx context.Context, accountID snowflake.ID) ([]Response, error)
	ListActive(ctx context.Context) ([]Response, error)
}

func ParseID(s string) (snowflake.ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidID
	}
	return snowflake.ID(v), nil
}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindInvalidCredentials, KindPortalChanged:
		return Kind(s), nil
	}
	return "", ErrInvalidKind
}
