package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// Token stores hashed operator API credentials.
type Token struct {
	ID                 snowflake.ID   `gorm:"primaryKey"`
	TokenID            string         `gorm:"column:token_id;type:text;not null;uniqueIndex:ux_api_tokens_token_id"`
	Name               string         `gorm:"type:text;not null"`
	Scopes             pq.StringArray `gorm:"type:text[];not null"`
	TokenHash          string         `gorm:"column:token_hash;type:text;not null"`
	IsActive           bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt         *time.Time     `gorm:"column:last_used_at"`
	ExpiresAt          *time.Time     `gorm:"column:expires_at"`
	RotatedFromTokenID *string        `gorm:"column:rotated_from_token_id;type:text"`
}

// TableName sets the database table name.
func (Token) TableName() string { return "api_tokens" }
