package sync

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/tidemark/internal/observability/context"
	obslogger "github.com/smallbiznis/tidemark/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (e *Engine) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     e.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = e.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (e *Engine) withLogContext(ctx context.Context, accountID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "sync")
	if accountID != 0 {
		ctx = obscontext.WithAccountID(ctx, accountID.String())
	}
	return ctx
}

func (e *Engine) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, e.log)
}

func (e *Engine) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	e.logger(ctx).Info("sync.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (e *Engine) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := e.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("sync.job.finish", fields...)
		return
	}
	log.Info("sync.job.finish", fields...)
}

func (e *Engine) logSyncError(ctx context.Context, run *jobRun, msg string, job string, accountID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	ctx = e.withLogContext(ctx, accountID)
	errorType := obsmetrics.ClassifySyncErrorType(err)
	retryable := obsmetrics.IsSyncErrorRetryable(err)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("account_id", idString(accountID)),
		zap.String("error_type", errorType),
		zap.String("error", err.Error()),
		zap.Bool("retryable", retryable),
	}
	e.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (e *Engine) logAccountClaimed(ctx context.Context, job string, account WorkAccount) {
	ctx = e.withLogContext(ctx, account.ID)
	e.logger(ctx).Debug("sync.account.claimed",
		zap.String("job", job),
		zap.String("account_id", idString(account.ID)),
		zap.String("username", account.Username),
		zap.String("status", account.Status),
		zap.Int("failure_count", account.FailureCount),
	)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
