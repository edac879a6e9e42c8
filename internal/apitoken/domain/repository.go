package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, token *Token) error
	Update(ctx context.Context, db *gorm.DB, token *Token) error
	FindByTokenID(ctx context.Context, db *gorm.DB, tokenID string) (*Token, error)
	List(ctx context.Context, db *gorm.DB) ([]Token, error)
}
