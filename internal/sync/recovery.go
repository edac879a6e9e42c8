package sync

import (
	"context"

	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"go.uber.org/zap"
)

// staleRunError is recorded on runs failed over by the recovery sweep.
const staleRunError = "abandoned: worker exited mid-cycle"

// RecoverStaleRunsJob fails over sync runs that have sat in running
// longer than the recovery threshold. A run can only get that old when
// the worker holding it died; the account itself stays schedulable and
// is picked up again by the normal claim.
func (e *Engine) RecoverStaleRunsJob(ctx context.Context) error {
	ctx, run, owner := e.ensureJobRun(ctx, "recover_stale_runs", e.cfg.BatchSize)
	if owner {
		e.logJobStart(ctx, run)
		defer e.logJobFinish(ctx, run)
	}

	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.RecoveryThreshold)

	result := e.db.WithContext(ctx).Exec(
		`UPDATE sync_runs
		 SET status = ?, error = ?, finished_at = ?
		 WHERE status = ? AND started_at <= ?`,
		synclogdomain.RunStatusFailed,
		staleRunError,
		now,
		synclogdomain.RunStatusRunning,
		cutoff,
	)
	if result.Error != nil {
		e.logSyncError(ctx, run, "sync.recovery.failed", "recover_stale_runs", 0, result.Error)
		return result.Error
	}

	if result.RowsAffected > 0 {
		run.AddProcessed(int(result.RowsAffected))
		e.logger(ctx).Warn("stale sync runs failed over",
			zap.Int64("count", result.RowsAffected),
			zap.Duration("threshold", e.cfg.RecoveryThreshold),
		)
	}
	return nil
}
