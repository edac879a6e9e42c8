package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerRepair    = "repair"
)

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// SyncRun is one pass of the engine over one account. Resolutions holds the
// per-series outcome so a partial failure stays visible after the fact.
type SyncRun struct {
	ID            snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	AccountID     snowflake.ID      `gorm:"column:account_id;index" json:"account_id"`
	CorrelationID string            `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	TriggerKind   string            `gorm:"column:trigger_kind;default:scheduled" json:"trigger_kind"`
	Status        string            `gorm:"column:status;default:running" json:"status"`
	Error         string            `gorm:"column:error" json:"error,omitempty"`
	Resolutions   datatypes.JSONMap `gorm:"column:resolutions" json:"resolutions,omitempty"`
	RecordsMerged int64             `gorm:"column:records_merged" json:"records_merged"`
	StartedAt     time.Time         `gorm:"column:started_at" json:"started_at"`
	FinishedAt    *time.Time        `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt     time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (SyncRun) TableName() string {
	return "sync_runs"
}

// RunCursor points at the last run of the previous page.
type RunCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
