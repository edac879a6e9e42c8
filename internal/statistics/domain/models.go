package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Resolution identifies the bucket size of a usage series. The portal
// exports the same consumption at all three granularities.
type Resolution string

const (
	ResolutionHourly  Resolution = "hourly"
	ResolutionDaily   Resolution = "daily"
	ResolutionMonthly Resolution = "monthly"
)

var ErrInvalidResolution = errors.New("invalid_resolution")

// Resolutions returns every resolution in sync order, finest first.
func Resolutions() []Resolution {
	return []Resolution{ResolutionHourly, ResolutionDaily, ResolutionMonthly}
}

func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionHourly, ResolutionDaily, ResolutionMonthly:
		return Resolution(s), nil
	}
	return "", ErrInvalidResolution
}

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionHourly, ResolutionDaily, ResolutionMonthly:
		return true
	}
	return false
}

// Truncate returns the start of the bucket containing t.
func (r Resolution) Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	switch r {
	case ResolutionHourly:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	case ResolutionDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	case ResolutionMonthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	}
	return t
}

// Next returns the start of the bucket following the one containing t.
// Daily and monthly steps follow the calendar, not fixed durations.
func (r Resolution) Next(t time.Time) time.Time {
	t = r.Truncate(t)
	switch r {
	case ResolutionHourly:
		return t.Add(time.Hour)
	case ResolutionDaily:
		return t.AddDate(0, 0, 1)
	case ResolutionMonthly:
		return t.AddDate(0, 1, 0)
	}
	return t
}

// StatisticID builds the external series identifier exposed over the API,
// e.g. "tidemark:main_st_hourly".
func StatisticID(accountSlug string, r Resolution) string {
	return fmt.Sprintf("tidemark:%s_%s", accountSlug, r)
}

// UsageRecord is a single parsed bucket from a portal export. It carries no
// account reference; records are bound to an account when merged.
type UsageRecord struct {
	BucketStart time.Time  `json:"bucket_start"`
	Resolution  Resolution `json:"resolution"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit"`
}

// UsageStatistic is a persisted usage bucket. The natural key is
// (account_id, resolution, bucket_start); merges never duplicate it.
type UsageStatistic struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	AccountID   snowflake.ID `gorm:"column:account_id;uniqueIndex:idx_usage_statistics_natural_key" json:"account_id"`
	Resolution  Resolution   `gorm:"column:resolution;uniqueIndex:idx_usage_statistics_natural_key" json:"resolution"`
	BucketStart time.Time    `gorm:"column:bucket_start;uniqueIndex:idx_usage_statistics_natural_key" json:"bucket_start"`
	Value       float64      `gorm:"column:value" json:"value"`
	Unit        string       `gorm:"column:unit;default:GALLONS" json:"unit"`
	CreatedAt   time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (UsageStatistic) TableName() string {
	return "usage_statistics"
}

// ResolutionState tracks sync progress for one (account, resolution) series.
// HighWaterMark is the newest bucket confirmed in storage.
type ResolutionState struct {
	ID            snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	AccountID     snowflake.ID `gorm:"column:account_id;uniqueIndex:idx_resolution_states_account" json:"account_id"`
	Resolution    Resolution   `gorm:"column:resolution;uniqueIndex:idx_resolution_states_account" json:"resolution"`
	HighWaterMark *time.Time   `gorm:"column:high_water_mark" json:"high_water_mark,omitempty"`
	LastSuccessAt *time.Time   `gorm:"column:last_success_at" json:"last_success_at,omitempty"`
	LastError     string       `gorm:"column:last_error" json:"last_error,omitempty"`
	BackfillDone  bool         `gorm:"column:backfill_done" json:"backfill_done"`
	CreatedAt     time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (ResolutionState) TableName() string {
	return "resolution_states"
}

// UnavailableSlot records a bucket the portal reported as having no data.
// Slots are kept so later resyncs can tell a known hole from a new gap,
// and are deleted once a value finally shows up.
type UnavailableSlot struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	AccountID   snowflake.ID `gorm:"column:account_id;uniqueIndex:idx_unavailable_slots_natural_key" json:"account_id"`
	Resolution  Resolution   `gorm:"column:resolution;uniqueIndex:idx_unavailable_slots_natural_key" json:"resolution"`
	BucketStart time.Time    `gorm:"column:bucket_start;uniqueIndex:idx_unavailable_slots_natural_key" json:"bucket_start"`
	ReportedAt  time.Time    `gorm:"column:reported_at" json:"reported_at"`
	CreatedAt   time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (UnavailableSlot) TableName() string {
	return "unavailable_slots"
}
