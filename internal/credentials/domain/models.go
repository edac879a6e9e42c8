package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Credential holds a portal password sealed at rest. The plaintext only
// exists in memory while a sync cycle or verification needs it.
type Credential struct {
	AccountID    snowflake.ID `gorm:"column:account_id;primaryKey" json:"account_id"`
	SealedSecret []byte       `gorm:"column:sealed_secret" json:"-"`
	Nonce        []byte       `gorm:"column:nonce" json:"-"`
	RotatedAt    time.Time    `gorm:"column:rotated_at" json:"rotated_at"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Credential) TableName() string {
	return "account_credentials"
}
