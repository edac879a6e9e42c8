package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/issue/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, issue *domain.Issue) error {
	return db.WithContext(ctx).Exec(`
		INSERT INTO issues (id, account_id, kind, status, detail, repair_token, opened_at, resolved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, issue.ID, issue.AccountID, issue.Kind, issue.Status, issue.Detail,
		issue.RepairToken, issue.OpenedAt, issue.ResolvedAt, issue.CreatedAt, issue.UpdatedAt).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, issue *domain.Issue) error {
	return db.WithContext(ctx).Exec(`
		UPDATE issues
		SET status = ?, detail = ?, repair_token = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?
	`, issue.Status, issue.Detail, issue.RepairToken, issue.ResolvedAt, issue.UpdatedAt, issue.ID).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Issue, error) {
	var issue domain.Issue
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, kind, status, detail, repair_token, opened_at, resolved_at, created_at, updated_at
		FROM issues
		WHERE id = ?
	`, id).Scan(&issue).Error
	if err != nil {
		return nil, err
	}

	if issue.ID == 0 {
		return nil, nil
	}

	return &issue, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, accountID snowflake.ID, kind domain.Kind) (*domain.Issue, error) {
	var issue domain.Issue
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, kind, status, detail, repair_token, opened_at, resolved_at, created_at, updated_at
		FROM issues
		WHERE account_id = ? AND kind = ? AND status = ?
	`, accountID, kind, domain.StatusActive).Scan(&issue).Error
	if err != nil {
		return nil, err
	}

	if issue.ID == 0 {
		return nil, nil
	}

	return &issue, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Issue, error) {
	var issues []domain.Issue
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, kind, status, detail, repair_token, opened_at, resolved_at, created_at, updated_at
		FROM issues
		WHERE account_id = ?
		ORDER BY created_at DESC
	`, accountID).Scan(&issues).Error
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]domain.Issue, error) {
	var issues []domain.Issue
	err := db.WithContext(ctx).Raw(`
		SELECT id, account_id, kind, status, detail, repair_token, opened_at, resolved_at, created_at, updated_at
		FROM issues
		WHERE status = ?
		ORDER BY created_at DESC
	`, domain.StatusActive).Scan(&issues).Error
	if err != nil {
		return nil, err
	}
	return issues, nil
}
