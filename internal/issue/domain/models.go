package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	// KindInvalidCredentials means the portal rejected the stored login.
	// Syncing stays suspended until the credential repair flow succeeds.
	KindInvalidCredentials Kind = "invalid_credentials"

	// KindPortalChanged means the portal no longer looks like the portal
	// we know how to drive. Operator attention, not a password, is needed.
	KindPortalChanged Kind = "portal_changed"
)

const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// Issue is a condition on an account that automatic retries cannot clear.
// At most one active issue exists per (account, kind); reopening an already
// open kind returns the existing row.
type Issue struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	AccountID   snowflake.ID `gorm:"column:account_id" json:"account_id"`
	Kind        Kind         `gorm:"column:kind" json:"kind"`
	Status      string       `gorm:"column:status;default:active" json:"status"`
	Detail      string       `gorm:"column:detail" json:"detail"`
	RepairToken string       `gorm:"column:repair_token" json:"repair_token,omitempty"`
	OpenedAt    time.Time    `gorm:"column:opened_at" json:"opened_at"`
	ResolvedAt  *time.Time   `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt   time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Issue) TableName() string {
	return "issues"
}
