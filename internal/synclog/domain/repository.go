package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	AccountID   snowflake.ID
	Status      string
	TriggerKind string
	StartAt     *time.Time
	EndAt       *time.Time
	Cursor      *RunCursor
	Limit       int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *SyncRun) error
	Update(ctx context.Context, db *gorm.DB, run *SyncRun) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SyncRun, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*SyncRun, error)
}
