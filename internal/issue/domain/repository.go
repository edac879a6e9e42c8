package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, issue *Issue) error
	Update(ctx context.Context, db *gorm.DB, issue *Issue) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Issue, error)
	FindActive(ctx context.Context, db *gorm.DB, accountID snowflake.ID, kind Kind) (*Issue, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]Issue, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]Issue, error)
}
