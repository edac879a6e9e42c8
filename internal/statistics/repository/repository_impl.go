package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/statistics/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertChunkSize = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

var naturalKey = []clause.Column{
	{Name: "account_id"},
	{Name: "resolution"},
	{Name: "bucket_start"},
}

func (r *repo) UpsertBatch(ctx context.Context, db *gorm.DB, stats []domain.UsageStatistic, force bool) (int64, error) {
	if len(stats) == 0 {
		return 0, nil
	}

	onConflict := clause.OnConflict{Columns: naturalKey, DoNothing: true}
	if force {
		onConflict = clause.OnConflict{
			Columns:   naturalKey,
			DoUpdates: clause.AssignmentColumns([]string{"value", "unit", "updated_at"}),
		}
	}

	tx := db.WithContext(ctx).Clauses(onConflict).CreateInBatches(&stats, upsertChunkSize)
	if tx.Error != nil {
		return 0, tx.Error
	}
	return tx.RowsAffected, nil
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution, from, to time.Time) ([]domain.UsageStatistic, error) {
	var stats []domain.UsageStatistic
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, resolution, bucket_start, value, unit, created_at, updated_at
		FROM usage_statistics
		WHERE account_id = ? AND resolution = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC
	`, accountID, resolution, from, to).Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *repo) ListBuckets(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution, from, to time.Time) ([]time.Time, error) {
	var buckets []time.Time
	err := db.WithContext(ctx).Raw(`
		SELECT bucket_start
		FROM usage_statistics
		WHERE account_id = ? AND resolution = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC
	`, accountID, resolution, from, to).Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (r *repo) MaxBucket(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution) (*time.Time, error) {
	var max sql.NullTime
	err := db.WithContext(ctx).Raw(`
		SELECT MAX(bucket_start)
		FROM usage_statistics
		WHERE account_id = ? AND resolution = ?
	`, accountID, resolution).Scan(&max).Error
	if err != nil {
		return nil, err
	}
	if !max.Valid {
		return nil, nil
	}
	t := max.Time.UTC()
	return &t, nil
}

func (r *repo) FindState(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution) (*domain.ResolutionState, error) {
	var state domain.ResolutionState
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, resolution, high_water_mark, last_success_at, last_error, backfill_done, created_at, updated_at
		FROM resolution_states
		WHERE account_id = ? AND resolution = ?
	`, accountID, resolution).Scan(&state).Error
	if err != nil {
		return nil, err
	}

	if state.ID == 0 {
		return nil, nil
	}

	return &state, nil
}

func (r *repo) ListStates(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.ResolutionState, error) {
	var states []domain.ResolutionState
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, resolution, high_water_mark, last_success_at, last_error, backfill_done, created_at, updated_at
		FROM resolution_states
		WHERE account_id = ?
		ORDER BY resolution ASC
	`, accountID).Scan(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (r *repo) UpsertState(ctx context.Context, db *gorm.DB, state *domain.ResolutionState) error {
	return db.WithContext(ctx).Exec(`
		INSERT INTO resolution_states (id, account_id, resolution, high_water_mark, last_success_at, last_error, backfill_done, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, resolution) DO UPDATE SET
			high_water_mark = EXCLUDED.high_water_mark,
			last_success_at = EXCLUDED.last_success_at,
			last_error = EXCLUDED.last_error,
			backfill_done = EXCLUDED.backfill_done,
			updated_at = EXCLUDED.updated_at
	`, state.ID, state.AccountID, state.Resolution, state.HighWaterMark, state.LastSuccessAt,
		state.LastError, state.BackfillDone, state.CreatedAt, state.UpdatedAt).Error
}

func (r *repo) InsertUnavailable(ctx context.Context, db *gorm.DB, slots []domain.UnavailableSlot) error {
	if len(slots) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: naturalKey, DoNothing: true}).
		CreateInBatches(&slots, upsertChunkSize).Error
}

func (r *repo) ListUnavailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution, from, to time.Time) ([]domain.UnavailableSlot, error) {
	var slots []domain.UnavailableSlot
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, resolution, bucket_start, reported_at, created_at
		FROM unavailable_slots
		WHERE account_id = ? AND resolution = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC
	`, accountID, resolution, from, to).Scan(&slots).Error
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *repo) DeleteUnavailable(ctx context.Context, db *gorm.DB, accountID snowflake.ID, resolution domain.Resolution, buckets []time.Time) error {
	if len(buckets) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`
		DELETE FROM unavailable_slots
		WHERE account_id = ? AND resolution = ? AND bucket_start IN ?
	`, accountID, resolution, buckets).Error
}
