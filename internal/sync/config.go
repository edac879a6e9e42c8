package sync

import (
	"time"

	appconfig "github.com/smallbiznis/tidemark/internal/config"
)

// Config controls the coordinator's tick cadence, per-account cadence,
// fetch-window shape, and failure handling.
type Config struct {
	// RunInterval is how often the claim loop ticks.
	RunInterval time.Duration

	// AccountInterval is how long a successfully synced account rests
	// before it becomes due again. The portal republishes data roughly
	// hourly; syncing faster only burns requests.
	AccountInterval time.Duration

	// LookbackWindow bounds the first-run backfill: how far back the
	// initial fetch reaches for a brand-new account.
	LookbackWindow time.Duration

	// ResyncMargin is the trailing slice of already-synced time that every
	// later fetch re-requests, so corrected or late-arriving portal values
	// still land.
	ResyncMargin time.Duration

	// RetryBase and MaxBackoff shape the transient-failure retry curve:
	// RetryBase doubles per consecutive failure up to MaxBackoff.
	RetryBase  time.Duration
	MaxBackoff time.Duration

	// FetchTimeout bounds each portal request.
	FetchTimeout time.Duration

	// RecoveryThreshold is how stale a run row may sit in `running` before
	// the sweep declares its worker dead and marks the run failed.
	RecoveryThreshold time.Duration

	// FailureThreshold is how many consecutive fully-failed cycles an
	// account absorbs before its status flips to degraded-retrying.
	FailureThreshold int

	// BatchSize caps accounts claimed per tick.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		AccountInterval:   time.Hour,
		LookbackWindow:    90 * 24 * time.Hour,
		ResyncMargin:      24 * time.Hour,
		RetryBase:         time.Minute,
		MaxBackoff:        time.Hour,
		FetchTimeout:      30 * time.Second,
		RecoveryThreshold: 15 * time.Minute,
		FailureThreshold:  3,
		BatchSize:         10,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.AccountInterval <= 0 {
		c.AccountInterval = defaults.AccountInterval
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = defaults.LookbackWindow
	}
	if c.ResyncMargin <= 0 {
		c.ResyncMargin = defaults.ResyncMargin
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.MaxBackoff < c.RetryBase {
		c.MaxBackoff = c.RetryBase
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

// ProvideConfig maps the app-level sync settings into the coordinator's
// config.
func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:       cfg.Sync.RunInterval,
		AccountInterval:   cfg.Sync.AccountInterval,
		LookbackWindow:    cfg.Sync.LookbackWindow,
		ResyncMargin:      cfg.Sync.ResyncMargin,
		RetryBase:         cfg.Sync.RetryBase,
		MaxBackoff:        cfg.Sync.MaxBackoff,
		FetchTimeout:      cfg.Sync.FetchTimeout,
		RecoveryThreshold: cfg.Sync.RecoveryThreshold,
		FailureThreshold:  cfg.Sync.FailureThreshold,
		BatchSize:         cfg.Sync.BatchSize,
	}.withDefaults()
}
