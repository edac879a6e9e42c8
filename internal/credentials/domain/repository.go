package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, cred *Credential) error
	Find(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Credential, error)
	Delete(ctx context.Context, db *gorm.DB, accountID snowflake.ID) error
}
