package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/synclog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, run *domain.SyncRun) error {
	if run == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO sync_runs (
			id, account_id, correlation_id, trigger_kind, status, error,
			resolutions, records_merged, started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.AccountID,
		run.CorrelationID,
		run.TriggerKind,
		run.Status,
		run.Error,
		run.Resolutions,
		run.RecordsMerged,
		run.StartedAt,
		run.FinishedAt,
		run.CreatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, run *domain.SyncRun) error {
	return db.WithContext(ctx).Exec(`
		UPDATE sync_runs
		SET status = ?, error = ?, resolutions = ?, records_merged = ?, finished_at = ?
		WHERE id = ?
	`, run.Status, run.Error, run.Resolutions, run.RecordsMerged, run.FinishedAt, run.ID).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, correlation_id, trigger_kind, status, error,
			resolutions, records_merged, started_at, finished_at, created_at
		FROM sync_runs
		WHERE id = ?
	`, id).Scan(&run).Error
	if err != nil {
		return nil, err
	}

	if run.ID == 0 {
		return nil, nil
	}

	return &run, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.SyncRun, error) {
	var runs []*domain.SyncRun
	stmt := db.WithContext(ctx).Model(&domain.SyncRun{})

	if filter.AccountID != 0 {
		stmt = stmt.Where("account_id = ?", filter.AccountID)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if trigger := strings.TrimSpace(filter.TriggerKind); trigger != "" {
		stmt = stmt.Where("trigger_kind = ?", trigger)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
