package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, a *accountdomain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, username, display_name, slug, status, suspended, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Username,
		a.DisplayName,
		a.Slug,
		a.Status,
		a.Suspended,
		a.FailureCount,
		a.CreatedAt,
		a.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, a *accountdomain.Account) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET display_name = ?, status = ?, suspended = ?, failure_count = ?,
		     next_attempt_at = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		a.DisplayName,
		a.Status,
		a.Suspended,
		a.FailureCount,
		a.NextAttemptAt,
		a.LastSyncedAt,
		a.UpdatedAt,
		a.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM accounts WHERE id = ?`,
		id,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, display_name, slug, status, suspended, failure_count,
		        next_attempt_at, last_synced_at, created_at, updated_at
		 FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByUsername(ctx context.Context, db *gorm.DB, username string) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, display_name, slug, status, suspended, failure_count,
		        next_attempt_at, last_synced_at, created_at, updated_at
		 FROM accounts WHERE username = ?`,
		username,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]accountdomain.Account, error) {
	var accounts []accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, username, display_name, slug, status, suspended, failure_count,
		        next_attempt_at, last_synced_at, created_at, updated_at
		 FROM accounts ORDER BY created_at ASC`,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
