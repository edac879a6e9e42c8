package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	credentialsdomain "github.com/smallbiznis/tidemark/internal/credentials/domain"
	"github.com/smallbiznis/tidemark/internal/export"
	issuedomain "github.com/smallbiznis/tidemark/internal/issue/domain"
	obsmetrics "github.com/smallbiznis/tidemark/internal/observability/metrics"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/reconcile"
	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"github.com/smallbiznis/tidemark/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// gapSpanBudget caps how many missing spans one cycle re-requests. A
// stubborn hole is retried across later cycles instead of stalling this
// one on a shared portal.
const gapSpanBudget = 4

type syncTarget struct {
	resolution statisticsdomain.Resolution
	window     *reconcile.Window
}

// resolutionOutcome gathers what one series did during a cycle.
type resolutionOutcome struct {
	resolution statisticsdomain.Resolution
	merged     int64
	err        error
}

// syncClaimed wraps one account cycle with both exclusion layers: the
// in-process claim and, when configured, the cross-replica lease. A busy
// account is skipped rather than queued; the next tick picks it up. The
// returned bool reports whether a cycle actually ran.
func (e *Engine) syncClaimed(ctx context.Context, job string, account WorkAccount, trigger string, opts Options) (bool, error) {
	syncMetrics := obsmetrics.Sync()

	if !e.guard.TryClaim(account.ID) {
		syncMetrics.IncBatchDeferred(job, obsmetrics.SyncBatchDeferredReasonCycleInFlight)
		return false, nil
	}
	defer e.guard.Release(account.ID)

	token, ok, err := e.locks.TryLock(ctx, account.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		syncMetrics.IncBatchDeferred(job, obsmetrics.SyncBatchDeferredReasonCycleInFlight)
		return false, nil
	}
	leaseCtx := ctx
	defer func() {
		if rerr := e.locks.Release(leaseCtx, account.ID, token); rerr != nil {
			e.logger(leaseCtx).Warn("account lease release failed",
				zap.String("account_id", idString(account.ID)),
				zap.Error(rerr),
			)
		}
	}()

	cycleCtx, done := e.trackInflight(ctx, account.ID)
	defer done()

	return true, e.syncAccount(cycleCtx, account, trigger, opts)
}

// syncAccount runs one full cycle: sign in, reconcile every series, then
// settle the account's health from whatever the cycle produced. State
// changes always go through settle so the status machine has one home.
func (e *Engine) syncAccount(ctx context.Context, account WorkAccount, trigger string, opts Options) error {
	ctx = e.withLogContext(ctx, account.ID)
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	log := e.logger(ctx).With(
		zap.String("account_id", idString(account.ID)),
		zap.String("trigger", trigger),
	)

	syncRun, err := e.runs.Begin(ctx, account.ID, trigger)
	if err != nil {
		return err
	}

	var (
		outcomes []resolutionOutcome
		authErr  error
	)
	session, err := e.openSession(ctx, account)
	if err != nil {
		obsmetrics.Sync().IncStageError(obsmetrics.SyncStageAuthenticate, err)
		authErr = err
	} else {
		for _, target := range e.planTargets(opts) {
			merged, serr := e.syncResolution(ctx, account, session, target.resolution, target.window, opts.Force)
			outcomes = append(outcomes, resolutionOutcome{resolution: target.resolution, merged: merged, err: serr})
			if serr != nil && errors.Is(serr, portal.ErrInvalidCredentials) {
				// The session died mid-cycle and a fresh sign-in was
				// refused. The remaining series would only fail the
				// same way.
				break
			}
		}
	}

	return e.settle(ctx, log, account, syncRun, outcomes, authErr)
}

// planTargets returns the series a cycle walks, finest first, so hourly
// detail lands before the coarser series that roll it up.
func (e *Engine) planTargets(opts Options) []syncTarget {
	if opts.Resolution.Valid() {
		return []syncTarget{{resolution: opts.Resolution, window: opts.Window}}
	}
	resolutions := statisticsdomain.Resolutions()
	targets := make([]syncTarget, 0, len(resolutions))
	for _, resolution := range resolutions {
		targets = append(targets, syncTarget{resolution: resolution})
	}
	return targets
}

// openSession returns a signed-in portal session, reusing the cached one
// when present. A cached session the portal has silently dropped is fine:
// FetchUsage signs in once more before giving up.
func (e *Engine) openSession(ctx context.Context, account WorkAccount) (*portal.Session, error) {
	if session, ok := e.sessions.Get(account.ID); ok {
		return session, nil
	}

	secret, err := e.creds.Reveal(ctx, account.ID)
	if err != nil {
		if errors.Is(err, credentialsdomain.ErrCredentialNotFound) {
			return nil, fmt.Errorf("%w: no credential on file", portal.ErrInvalidCredentials)
		}
		return nil, err
	}

	session, err := e.portal.NewSession(account.Username, secret)
	if err != nil {
		return nil, err
	}
	if err := session.Login(ctx); err != nil {
		return nil, err
	}
	e.sessions.Put(account.ID, session)
	return session, nil
}

// syncResolution reconciles one series. The planned window is split by
// the portal's per-request cap and walked oldest first, with the high
// water mark advanced after every slice, so an interrupted backfill
// resumes where it stopped instead of starting over.
func (e *Engine) syncResolution(ctx context.Context, account WorkAccount, session *portal.Session, resolution statisticsdomain.Resolution, override *reconcile.Window, force bool) (int64, error) {
	syncMetrics := obsmetrics.Sync()

	state, err := e.stats.State(ctx, account.ID, resolution)
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
		return 0, err
	}
	var mark *time.Time
	backfillDone := false
	if state != nil {
		mark = state.HighWaterMark
		backfillDone = state.BackfillDone
	}

	now := e.clock.Now()
	window := reconcile.FetchWindow(resolution, mark, now, e.cfg.LookbackWindow, e.cfg.ResyncMargin)
	if override != nil {
		window = *override
	}

	maxSpan, err := portal.MaxWindow(e.profile.Get(), resolution)
	if err != nil {
		return 0, err
	}

	slices := reconcile.SplitWindow(window, maxSpan)
	if len(slices) == 0 {
		// Nothing to request; refresh the success stamp so the series
		// does not read as stalled.
		if mark != nil {
			if err := e.stats.RecordSuccess(ctx, account.ID, resolution, *mark, false); err != nil {
				syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
				return 0, err
			}
		}
		return 0, nil
	}

	var merged int64
	for i, slice := range slices {
		count, newMark, err := e.syncSlice(ctx, account, session, resolution, slice, mark, force)
		merged += count
		if err != nil {
			if rerr := e.stats.RecordFailure(ctx, account.ID, resolution, err); rerr != nil {
				e.logger(ctx).Warn("record series failure",
					zap.String("account_id", idString(account.ID)),
					zap.String("resolution", string(resolution)),
					zap.Error(rerr),
				)
			}
			return merged, err
		}
		if newMark == nil {
			continue
		}
		mark = newMark
		markDone := override == nil && i == len(slices)-1
		if err := e.stats.RecordSuccess(ctx, account.ID, resolution, *newMark, markDone); err != nil {
			syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
			return merged, err
		}
		if markDone {
			backfillDone = true
		}
	}

	if backfillDone && override == nil {
		repaired, err := e.repairGaps(ctx, account, session, resolution, mark, now, force)
		merged += repaired
		if err != nil {
			return merged, err
		}
	}

	return merged, nil
}

// syncSlice fetches, parses and persists one portal request worth of a
// series. Session errors come back already classified by the portal
// client, so callers can sort fatal from transient with errors.Is.
func (e *Engine) syncSlice(ctx context.Context, account WorkAccount, session *portal.Session, resolution statisticsdomain.Resolution, slice reconcile.Window, priorMark *time.Time, force bool) (int64, *time.Time, error) {
	syncMetrics := obsmetrics.Sync()

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	doc, err := session.FetchUsage(fetchCtx, resolution, slice.Start, slice.End)
	cancel()
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStageFetch, err)
		return 0, nil, err
	}

	parsed, err := export.Parse(bytes.NewReader(doc), export.Options{
		Resolution:  resolution,
		WindowStart: slice.Start,
		WindowEnd:   slice.End,
	})
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStageParse, err)
		return 0, nil, err
	}

	existing, err := e.stats.Buckets(ctx, account.ID, resolution, slice.Start, slice.End)
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
		return 0, nil, err
	}

	outcome := reconcile.Merge(resolution, existing, priorMark, parsed.Records)
	toInsert := outcome.ToInsert
	if force {
		// A forced resync rewrites every fetched bucket; the merge plan
		// still supplies the high water mark.
		toInsert = parsed.Records
	}

	var merged int64
	if len(toInsert) > 0 {
		result, err := e.stats.Merge(ctx, statisticsdomain.MergeRequest{
			AccountID: account.ID,
			Records:   toInsert,
			Force:     force,
		})
		if err != nil {
			syncMetrics.IncStageError(obsmetrics.SyncStageMerge, err)
			return 0, nil, err
		}
		merged = result.Merged
	}

	if len(parsed.Unavailable) > 0 {
		if err := e.stats.MarkUnavailable(ctx, account.ID, resolution, parsed.Unavailable); err != nil {
			syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
			return merged, nil, err
		}
	}

	if parsed.Skipped > 0 {
		e.logger(ctx).Debug("export rows skipped",
			zap.String("account_id", idString(account.ID)),
			zap.String("resolution", string(resolution)),
			zap.Int("skipped", parsed.Skipped),
		)
	}

	return merged, outcome.HighWaterMark, nil
}

// repairGaps re-requests buckets that should exist by now but never
// arrived. Slots the portal has declared unavailable are left alone, and
// slots still empty after the pass simply stay candidates for the next
// cycle.
func (e *Engine) repairGaps(ctx context.Context, account WorkAccount, session *portal.Session, resolution statisticsdomain.Resolution, mark *time.Time, now time.Time, force bool) (int64, error) {
	syncMetrics := obsmetrics.Sync()

	window := reconcile.Window{
		Start: resolution.Truncate(now.UTC().Add(-e.cfg.LookbackWindow)),
		End:   reconcile.CompletedThrough(resolution, now),
	}
	if !window.End.After(window.Start) {
		return 0, nil
	}

	present, err := e.stats.Buckets(ctx, account.ID, resolution, window.Start, window.End)
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
		return 0, err
	}
	slots, err := e.stats.Unavailable(ctx, account.ID, resolution, window.Start, window.End)
	if err != nil {
		syncMetrics.IncStageError(obsmetrics.SyncStagePersist, err)
		return 0, err
	}
	unavailable := make([]time.Time, 0, len(slots))
	for _, slot := range slots {
		unavailable = append(unavailable, slot.BucketStart)
	}

	missing := reconcile.MissingSlots(resolution, window, present, unavailable)
	if len(missing) == 0 {
		return 0, nil
	}

	maxSpan, err := portal.MaxWindow(e.profile.Get(), resolution)
	if err != nil {
		return 0, err
	}
	spans := groupSlots(resolution, missing, maxSpan)
	deferred := 0
	if len(spans) > gapSpanBudget {
		deferred = len(spans) - gapSpanBudget
		spans = spans[:gapSpanBudget]
	}

	var merged int64
	for _, span := range spans {
		count, _, err := e.syncSlice(ctx, account, session, resolution, span, mark, force)
		merged += count
		if err != nil {
			return merged, err
		}
	}

	e.logger(ctx).Info("usage gaps refetched",
		zap.String("account_id", idString(account.ID)),
		zap.String("resolution", string(resolution)),
		zap.Int("missing_slots", len(missing)),
		zap.Int("spans_fetched", len(spans)),
		zap.Int("spans_deferred", deferred),
		zap.Int64("merged", merged),
	)
	return merged, nil
}

// groupSlots folds adjacent missing buckets into fetch windows no wider
// than the portal's per-request cap, oldest first.
func groupSlots(resolution statisticsdomain.Resolution, slots []time.Time, maxSpan time.Duration) []reconcile.Window {
	var spans []reconcile.Window
	for _, slot := range slots {
		end := resolution.Next(slot)
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last.End.Equal(slot) && end.Sub(last.Start) <= maxSpan {
				last.End = end
				continue
			}
		}
		spans = append(spans, reconcile.Window{Start: slot, End: end})
	}
	return spans
}

// settle is the single place the cycle's verdict turns into account
// state: healthy on any per-series success, suspended on conditions a
// retry cannot fix, backed off otherwise.
func (e *Engine) settle(ctx context.Context, log *zap.Logger, account WorkAccount, syncRun *synclogdomain.SyncRun, outcomes []resolutionOutcome, authErr error) error {
	now := e.clock.Now()

	var (
		mergedTotal int64
		anySuccess  bool
		firstErr    error
		resolutions = make(map[string]synclogdomain.ResolutionOutcome, len(outcomes))
	)
	for _, outcome := range outcomes {
		mergedTotal += outcome.merged
		entry := synclogdomain.ResolutionOutcome{Merged: outcome.merged}
		if outcome.err != nil {
			entry.Error = outcome.err.Error()
			if firstErr == nil {
				firstErr = outcome.err
			}
		} else {
			anySuccess = true
		}
		resolutions[string(outcome.resolution)] = entry
	}

	cycleErr := authErr
	if cycleErr == nil {
		cycleErr = firstErr
	}

	runStatus := synclogdomain.RunStatusSuccess
	switch {
	case cycleErr != nil && !anySuccess:
		runStatus = synclogdomain.RunStatusFailed
	case cycleErr != nil:
		runStatus = synclogdomain.RunStatusPartial
	}

	// A canceled cycle is an operator action, not an account fault:
	// record the run and leave scheduling state alone.
	if cycleErr != nil && errors.Is(cycleErr, context.Canceled) && ctx.Err() != nil {
		e.finishRun(context.WithoutCancel(ctx), syncRun, synclogdomain.RunStatusFailed, cycleErr, resolutions, mergedTotal)
		return cycleErr
	}

	if status, kind, fatalErr := classifyFatal(authErr, outcomes); status != "" {
		e.sessions.Drop(account.ID)

		settleErr := fatalErr
		if err := e.markSuspended(ctx, account, status, now); err != nil {
			settleErr = errors.Join(settleErr, err)
		}
		if _, err := e.issues.Open(ctx, issuedomain.OpenRequest{
			AccountID: account.ID,
			Kind:      kind,
			Detail:    fatalErr.Error(),
		}); err != nil {
			settleErr = errors.Join(settleErr, err)
		}
		e.finishRun(ctx, syncRun, runStatus, fatalErr, resolutions, mergedTotal)

		log.Warn("sync suspended account",
			zap.String("status", status),
			zap.String("issue_kind", string(kind)),
			zap.Int64("records_merged", mergedTotal),
			zap.Error(fatalErr),
		)
		return settleErr
	}

	if anySuccess {
		var settleErr error
		if err := e.markSynced(ctx, account, now); err != nil {
			settleErr = err
		}
		for _, kind := range []issuedomain.Kind{issuedomain.KindInvalidCredentials, issuedomain.KindPortalChanged} {
			// A working sync is itself proof the condition is gone.
			if err := e.issues.Resolve(ctx, account.ID, kind); err != nil {
				settleErr = errors.Join(settleErr, err)
			}
		}
		e.finishRun(ctx, syncRun, runStatus, firstErr, resolutions, mergedTotal)

		log.Info("sync cycle completed",
			zap.String("run_status", runStatus),
			zap.Int64("records_merged", mergedTotal),
		)
		return settleErr
	}

	failures, delay, err := e.markBackoff(ctx, account, now)
	settleErr := cycleErr
	if err != nil {
		settleErr = errors.Join(settleErr, err)
	}
	e.finishRun(ctx, syncRun, synclogdomain.RunStatusFailed, cycleErr, resolutions, mergedTotal)

	log.Warn("sync cycle failed",
		zap.Int("failure_count", failures),
		zap.Duration("retry_in", delay),
		zap.Bool("retryable", obsmetrics.IsSyncErrorRetryable(cycleErr)),
		zap.Error(cycleErr),
	)
	return settleErr
}

// classifyFatal picks the suspension a cycle earned, if any. Credential
// rejections win over structural drift: a fresh password is the cheaper
// question to answer first.
func classifyFatal(authErr error, outcomes []resolutionOutcome) (string, issuedomain.Kind, error) {
	all := make([]error, 0, len(outcomes)+1)
	if authErr != nil {
		all = append(all, authErr)
	}
	for _, outcome := range outcomes {
		if outcome.err != nil {
			all = append(all, outcome.err)
		}
	}
	for _, err := range all {
		if errors.Is(err, portal.ErrInvalidCredentials) {
			return accountdomain.StatusNeedsCredentials, issuedomain.KindInvalidCredentials, err
		}
	}
	for _, err := range all {
		if errors.Is(err, portal.ErrPortalChanged) || errors.Is(err, export.ErrStructureMismatch) {
			return accountdomain.StatusNeedsAttention, issuedomain.KindPortalChanged, err
		}
	}
	return "", "", nil
}

func (e *Engine) finishRun(ctx context.Context, syncRun *synclogdomain.SyncRun, status string, cause error, resolutions map[string]synclogdomain.ResolutionOutcome, merged int64) {
	req := synclogdomain.FinishRequest{
		Status:        status,
		Resolutions:   resolutions,
		RecordsMerged: merged,
	}
	if cause != nil {
		req.Error = cause.Error()
	}
	if err := e.runs.Finish(ctx, syncRun.ID, req); err != nil {
		e.logger(ctx).Warn("finish sync run",
			zap.String("run_id", idString(syncRun.ID)),
			zap.Error(err),
		)
	}
}
