package repository

import (
	"context"

	apitokendomain "github.com/smallbiznis/tidemark/internal/apitoken/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apitokendomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, token *apitokendomain.Token) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_tokens (id, token_id, name, scopes, token_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_token_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.TokenID,
		token.Name,
		token.Scopes,
		token.TokenHash,
		token.IsActive,
		token.CreatedAt,
		token.UpdatedAt,
		token.LastUsedAt,
		token.ExpiresAt,
		token.RotatedFromTokenID,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, token *apitokendomain.Token) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_tokens
		 SET name = ?, scopes = ?, token_hash = ?, is_active = ?, updated_at = ?, last_used_at = ?, expires_at = ?, rotated_from_token_id = ?
		 WHERE token_id = ?`,
		token.Name,
		token.Scopes,
		token.TokenHash,
		token.IsActive,
		token.UpdatedAt,
		token.LastUsedAt,
		token.ExpiresAt,
		token.RotatedFromTokenID,
		token.TokenID,
	).Error
}

func (r *repo) FindByTokenID(ctx context.Context, db *gorm.DB, tokenID string) (*apitokendomain.Token, error) {
	var token apitokendomain.Token
	err := db.WithContext(ctx).Raw(
		`SELECT id, token_id, name, scopes, token_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_token_id
		 FROM api_tokens WHERE token_id = ?`,
		tokenID,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == 0 {
		return nil, nil
	}
	return &token, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]apitokendomain.Token, error) {
	var tokens []apitokendomain.Token
	err := db.WithContext(ctx).Raw(
		`SELECT id, token_id, name, scopes, token_hash, is_active, created_at, updated_at, last_used_at, expires_at, rotated_from_token_id
		 FROM api_tokens ORDER BY created_at DESC`,
	).Scan(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}
