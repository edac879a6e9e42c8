package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/credentials/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, cred *domain.Credential) error {
	// Same ON CONFLICT shape on postgres and sqlite.
	return db.WithContext(ctx).Exec(`
		INSERT INTO account_credentials (account_id, sealed_secret, nonce, rotated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			sealed_secret = EXCLUDED.sealed_secret,
			nonce = EXCLUDED.nonce,
			rotated_at = EXCLUDED.rotated_at,
			updated_at = EXCLUDED.updated_at
	`, cred.AccountID, cred.SealedSecret, cred.Nonce, cred.RotatedAt, cred.CreatedAt, cred.UpdatedAt).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*domain.Credential, error) {
	var cred domain.Credential
	err := db.WithContext(ctx).Raw(`
		SELECT account_id, sealed_secret, nonce, rotated_at, created_at, updated_at
		FROM account_credentials
		WHERE account_id = ?
	`, accountID).Scan(&cred).Error
	if err != nil {
		return nil, err
	}

	if cred.AccountID == 0 {
		return nil, nil
	}

	return &cred, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, accountID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`
		DELETE FROM account_credentials WHERE account_id = ?
	`, accountID).Error
}
