package sync

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"gorm.io/gorm"
)

// WorkAccount is the slice of an account row the coordinator works from.
type WorkAccount struct {
	ID            snowflake.ID
	Username      string
	Slug          string
	Status        string
	Suspended     bool
	FailureCount  int
	NextAttemptAt *time.Time
	LastSyncedAt  *time.Time
}

// FetchAccountsDue claims up to limit accounts eligible for a sync cycle:
// not suspended, and either never attempted or past their next_attempt_at.
// The claim runs in a short transaction with SKIP LOCKED so replicas never
// fight over the same rows.
func (e *Engine) FetchAccountsDue(ctx context.Context, now time.Time, limit int) ([]WorkAccount, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var accounts []WorkAccount
	err := e.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		accounts, err = e.fetchAccountsDue(claimCtx, tx, now, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (e *Engine) fetchAccountsDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkAccount, error) {
	if limit <= 0 {
		limit = e.cfg.BatchSize
	}
	var accounts []WorkAccount
	syncMetrics := obsmetrics.Sync()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, username, slug, status, suspended, failure_count, next_attempt_at, last_synced_at
		 FROM accounts
		 WHERE suspended = ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY id
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		false,
		now,
		limit,
	).Scan(&accounts).Error
	syncMetrics.ObserveDBLockWait(obsmetrics.LockResourceAccountsForSync, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (e *Engine) fetchAccountByID(ctx context.Context, accountID snowflake.ID) (*WorkAccount, error) {
	var account WorkAccount
	err := e.db.WithContext(ctx).Raw(
		`SELECT id, username, slug, status, suspended, failure_count, next_attempt_at, last_synced_at
		 FROM accounts
		 WHERE id = ?`,
		accountID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

// markSynced records a fully successful cycle: failures reset, status back
// to healthy, and the account rests until the next cadence slot. A
// suspension this engine imposed is lifted too, since a working cycle is
// exactly the proof it demanded; operator suspensions ride on other
// statuses and stay.
func (e *Engine) markSynced(ctx context.Context, account WorkAccount, now time.Time) error {
	nextAt := now.Add(e.cfg.AccountInterval)
	suspended := account.Suspended &&
		account.Status != accountdomain.StatusNeedsCredentials &&
		account.Status != accountdomain.StatusNeedsAttention
	err := e.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET status = ?,
		     suspended = ?,
		     failure_count = 0,
		     next_attempt_at = ?,
		     last_synced_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		accountdomain.StatusHealthy,
		suspended,
		nextAt,
		now,
		now,
		account.ID,
	).Error
	if err != nil {
		return err
	}
	if account.Status != accountdomain.StatusHealthy {
		obsmetrics.Sync().IncStatusTransition(account.Status, accountdomain.StatusHealthy)
	}
	return nil
}

// markBackoff records a fully failed cycle: the failure count climbs and the
// account is pushed out by the bounded exponential delay. Past the threshold
// the status flips to degraded-retrying; transient failures never raise an
// issue.
func (e *Engine) markBackoff(ctx context.Context, account WorkAccount, now time.Time) (failures int, delay time.Duration, err error) {
	failures = account.FailureCount + 1
	delay = backoffDelay(e.cfg.RetryBase, e.cfg.MaxBackoff, failures)

	status := account.Status
	if failures >= e.cfg.FailureThreshold {
		status = accountdomain.StatusDegradedRetrying
	}

	err = e.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET status = ?,
		     failure_count = ?,
		     next_attempt_at = ?,
		     updated_at = ?
		 WHERE id = ? AND suspended = ?`,
		status,
		failures,
		now.Add(delay),
		now,
		account.ID,
		false,
	).Error
	if err != nil {
		return 0, 0, err
	}
	if status != account.Status {
		obsmetrics.Sync().IncStatusTransition(account.Status, status)
	}
	return failures, delay, nil
}

// markSuspended takes the account out of scheduling entirely. Used for the
// conditions retrying cannot fix: rejected credentials and portal drift.
// The update is unconditional so a manual sync can re-diagnose an account
// that is already suspended for another reason.
func (e *Engine) markSuspended(ctx context.Context, account WorkAccount, status string, now time.Time) error {
	err := e.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET suspended = ?,
		     status = ?,
		     next_attempt_at = NULL,
		     updated_at = ?
		 WHERE id = ?`,
		true,
		status,
		now,
		account.ID,
	).Error
	if err != nil {
		return err
	}
	if status != account.Status {
		obsmetrics.Sync().IncStatusTransition(account.Status, status)
	}
	return nil
}

// backoffDelay returns the retry delay after the given consecutive failure
// count: base doubling per failure, clamped to max. The curve is strictly
// increasing until it hits the cap.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
