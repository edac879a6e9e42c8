package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidRange  = errors.New("invalid_range")
	ErrInvalidRecord = errors.New("invalid_record")
)

type MergeRequest struct {
	AccountID snowflake.ID
	Records   []UsageRecord

	// Force overwrites values for buckets that already exist instead of
	// leaving them untouched. Used by operator-triggered resyncs when the
	// portal has restated past usage.
	Force bool
}

type MergeResult struct {
	Total  int   `json:"total"`
	Merged int64 `json:"merged"`
}

type ListRequest struct {
	AccountID  snowflake.ID
	Resolution Resolution
	From       time.Time
	To         time.Time
}

type Service interface {
	Merge(ctx context.Context, req MergeRequest) (*MergeResult, error)
	MarkUnavailable(ctx context.Context, accountID snowflake.ID, resolution Resolution, buckets []time.Time) error

	State(ctx context.Context, accountID snowflake.ID, resolution Resolution) (*ResolutionState, error)
	States(ctx context.Context, accountID snowflake.ID) ([]ResolutionState, error)
	RecordSuccess(ctx context.Context, accountID snowflake.ID, resolution Resolution, highWaterMark time.Time, backfillDone bool) error
	RecordFailure(ctx context.Context, accountID snowflake.ID, resolution Resolution, cause error) error

	ListRange(ctx context.Context, req ListRequest) ([]UsageStatistic, error)
	Buckets(ctx context.Context, accountID snowflake.ID, resolution Resolution, from, to time.Time) ([]time.Time, error)
	Unavailable(ctx context.Context, accountID snowflake.ID, resolution Resolution, from, to time.Time) ([]UnavailableSlot, error)
}
