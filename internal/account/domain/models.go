package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is a utility portal account whose usage history is kept in sync.
type Account struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Username      string       `json:"username" gorm:"type:text;not null;uniqueIndex:idx_accounts_username"`
	DisplayName   string       `json:"display_name" gorm:"type:text;not null;default:''"`
	Slug          string       `json:"slug" gorm:"type:text;not null;uniqueIndex:idx_accounts_slug"`
	Status        string       `json:"status" gorm:"type:text;not null;default:'healthy'"`
	Suspended     bool         `json:"suspended" gorm:"not null;default:false"`
	FailureCount  int          `json:"failure_count" gorm:"not null;default:0"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	LastSyncedAt  *time.Time   `json:"last_synced_at"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Account health statuses surfaced to operators.
const (
	// StatusHealthy means the last sync cycle completed without error.
	StatusHealthy = "healthy"
	// StatusDegradedRetrying means syncs are failing transiently and the
	// coordinator is backing off between attempts.
	StatusDegradedRetrying = "degraded-retrying"
	// StatusNeedsCredentials means the portal rejected the stored
	// credentials and syncing is suspended until they are repaired.
	StatusNeedsCredentials = "needs-credentials"
	// StatusNeedsAttention means a non-credential fatal condition was
	// detected, such as a portal structure change.
	StatusNeedsAttention = "needs-attention"
)
