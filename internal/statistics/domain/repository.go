package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// UpsertBatch writes statistics and returns the number of rows written.
	// With force unset, rows whose natural key already exists are left
	// untouched and do not count; with force set, they are overwritten.
	UpsertBatch(ctx context.Context, db *gorm.DB, stats []UsageStatistic, force bool) (int64, error)
	ListRange(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution, from, to time.Time) ([]UsageStatistic, error)
	ListBuckets(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution, from, to time.Time) ([]time.Time, error)
	MaxBucket(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution) (*time.Time, error)

	FindState(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution) (*ResolutionState, error)
	ListStates(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]ResolutionState, error)
	UpsertState(ctx context.Context, db *gorm.DB, state *ResolutionState) error

	InsertUnavailable(ctx context.Context, db *gorm.DB, slots []UnavailableSlot) error
	ListUnavailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution, from, to time.Time) ([]UnavailableSlot, error)
	DeleteUnavailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution Resolution, buckets []time.Time) error
}
