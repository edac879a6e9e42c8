package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/cache"
	"github.com/smallbiznis/tidemark/internal/clock"
	appconfig "github.com/smallbiznis/tidemark/internal/config"
	credentialsdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/ratelimit"
	"github.com/smallbiznis/tidemark/internal/reconcile"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
	Profile  *appconfig.PortalProfileHolder
	Portal   *portal.Client
	Sessions cache.SessionCache
	Creds    credentialsdomain.Service
	Stats    statisticsdomain.Service
	Runs     synclogdomain.Service
	Issues   issuedomain.Service
	Guard    *guard.KeyedMutex
	Locks    *ratelimit.AccountLocks `optional:"true"`
}

// Engine drives sync cycles: it claims due accounts, walks each one
// through fetch, parse, merge and persist, and settles the account's
// health state from whatever the cycle produced.
type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	profile  *appconfig.PortalProfileHolder
	portal   *portal.Client
	sessions cache.SessionCache
	creds    credentialsdomain.Service
	stats    statisticsdomain.Service
	runs     synclogdomain.Service
	issues   issuedomain.Service
	guard    *guard.KeyedMutex
	locks    *ratelimit.AccountLocks

	mu       sync.Mutex
	inflight map[snowflake.ID]context.CancelFunc
}

// Options narrows or forces a manually triggered cycle.
type Options struct {
	// Trigger is recorded on the sync run. Defaults to TriggerManual.
	Trigger string

	// Force rewrites buckets that already hold values. Operators use it
	// after the portal restates past usage.
	Force bool

	// Resolution limits the cycle to a single series. Required when
	// Window is set.
	Resolution statisticsdomain.Resolution

	// Window overrides the planned fetch range for Resolution.
	Window *reconcile.Window
}

func New(p Params) (*Engine, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Profile == nil || p.Portal == nil || p.Sessions == nil || p.Creds == nil || p.Stats == nil || p.Runs == nil || p.Issues == nil || p.Guard == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("sync").With(zap.String("component", "sync")),
		cfg:      cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		profile:  p.Profile,
		portal:   p.Portal,
		sessions: p.Sessions,
		creds:    p.Creds,
		stats:    p.Stats,
		runs:     p.Runs,
		issues:   p.Issues,
		guard:    p.Guard,
		locks:    p.Locks,
		inflight: make(map[snowflake.ID]context.CancelFunc),
	}, nil
}

func (e *Engine) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := e.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = e.withLogContext(ctx, 0)
	ctx, run, owner := e.ensureJobRun(ctx, name, batchSize)
	if owner {
		e.logJobStart(ctx, run)
	}
	log := e.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	syncMetrics := obsmetrics.Sync()
	syncMetrics.IncJobRun(name)

	err := fn(ctx)
	syncMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		e.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// treat deadline as a soft timeout
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		syncMetrics.IncJobTimeout(name)
	}
	syncMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (e *Engine) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"sync_accounts", func(ctx context.Context) error {
			return e.runJob(ctx, "sync_accounts", e.cfg.BatchSize, 10*time.Minute, e.SyncAccountsJob)
		}},
		{"recover_stale_runs", func(ctx context.Context) error {
			return e.runJob(ctx, "recover_stale_runs", e.cfg.BatchSize, 30*time.Second, e.RecoverStaleRunsJob)
		}},
	}

	for _, job := range jobs {
		err = errors.Join(err, job.Run(parent))
	}

	return err
}

func (e *Engine) RunForever(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := e.clock.Now().Add(e.cfg.RunInterval)
	syncMetrics := obsmetrics.Sync()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			syncMetrics.ObserveRunLoopLag(runLag)
		}
		if err := e.RunOnce(ctx); err != nil {
			e.log.Warn("sync run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(e.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncAccountsJob claims due accounts in batches and runs one cycle for
// each. Per-account failures are joined and logged but never stop the
// batch; the account's own backoff state decides when it is seen again.
func (e *Engine) SyncAccountsJob(ctx context.Context) error {
	ctx, run, owner := e.ensureJobRun(ctx, "sync_accounts", e.cfg.BatchSize)
	if owner {
		e.logJobStart(ctx, run)
		defer e.logJobFinish(ctx, run)
	}
	var jobErr error
	syncMetrics := obsmetrics.Sync()

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		accounts, err := e.FetchAccountsDue(ctx, e.clock.Now(), e.cfg.BatchSize)
		if err != nil {
			e.logSyncError(ctx, run, "sync.account.claim.failed", "sync_accounts", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(accounts) == 0 {
			syncMetrics.IncBatchDeferred("sync_accounts", obsmetrics.SyncBatchDeferredReasonSkipLockedEmpty)
			break
		}

		processed := 0
		for _, account := range accounts {
			if ctx.Err() != nil {
				jobErr = errors.Join(jobErr, ctx.Err())
				break
			}

			e.logAccountClaimed(ctx, "sync_accounts", account)
			ran, err := e.syncClaimed(ctx, "sync_accounts", account, synclogdomain.TriggerScheduled, Options{})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				e.logSyncError(ctx, run, "sync.account.cycle.failed", "sync_accounts", account.ID, err)
			}
			if ran {
				processed++
				run.AddProcessed(1)
			}
		}
		if processed > 0 {
			syncMetrics.AddBatchProcessed("sync_accounts", "accounts", processed)
		}
		// A batch where nothing ran means every claimed account is already
		// mid-cycle elsewhere. Their eligibility has not moved, so another
		// claim would hand back the same rows; leave them to the next tick.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// SyncNow runs one cycle for a single account outside the scheduled
// cadence. Manual and repair triggers ignore suspension and backoff, so
// an operator can always put the question to the portal directly.
func (e *Engine) SyncNow(ctx context.Context, accountID snowflake.ID, opts Options) error {
	account, err := e.fetchAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if opts.Trigger == "" {
		opts.Trigger = synclogdomain.TriggerManual
	}
	if opts.Window != nil && !opts.Resolution.Valid() {
		return statisticsdomain.ErrInvalidResolution
	}

	ctx, run, owner := e.ensureJobRun(ctx, "sync_now", 1)
	if owner {
		e.logJobStart(ctx, run)
		defer e.logJobFinish(ctx, run)
	}
	syncMetrics := obsmetrics.Sync()
	syncMetrics.IncJobRun("sync_now")
	start := e.clock.Now()
	defer func() {
		syncMetrics.ObserveJobDuration("sync_now", time.Since(start))
	}()

	ran, err := e.syncClaimed(ctx, "sync_now", *account, opts.Trigger, opts)
	if err != nil {
		e.logSyncError(ctx, run, "sync.account.cycle.failed", "sync_now", account.ID, err)
		syncMetrics.IncJobError("sync_now", err)
		return err
	}
	if !ran {
		return ErrSyncInFlight
	}
	run.AddProcessed(1)
	return nil
}

// Stop cancels the account's in-flight cycle, if any, and reports whether
// one was running. The account row is untouched; future eligibility is
// carried by the suspended flag and next_attempt_at.
func (e *Engine) Stop(accountID snowflake.ID) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[accountID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) trackInflight(ctx context.Context, accountID snowflake.ID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[accountID] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.inflight, accountID)
		e.mu.Unlock()
		cancel()
	}
}
