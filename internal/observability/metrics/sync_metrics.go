package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
	"github.com/smallbiznis/tidemark/internal/export"
	"github.com/smallbiznis/tidemark/internal/portal"
	"gorm.io/gorm"
)

const (
	syncErrorTypeDeadlineExceeded = "deadline_exceeded"
	syncErrorTypeCredentials      = "credentials"
	syncErrorTypePortal           = "portal"
	syncErrorTypeStructure        = "structure"
	syncErrorTypeDB               = "db"
	syncErrorTypeBusinessRule     = "business_rule"
)

const (
	SyncErrorTypeDeadlineExceeded = syncErrorTypeDeadlineExceeded
	SyncErrorTypeCredentials      = syncErrorTypeCredentials
	SyncErrorTypePortal           = syncErrorTypePortal
	SyncErrorTypeStructure        = syncErrorTypeStructure
	SyncErrorTypeDB               = syncErrorTypeDB
	SyncErrorTypeUnknown          = "unknown"
)

const (
	SyncJobReasonDeadlineExceeded     = "deadline_exceeded"
	SyncJobReasonInvalidCredentials   = "invalid_credentials"
	SyncJobReasonPortalUnreachable    = "portal_unreachable"
	SyncJobReasonPortalChanged        = "portal_changed"
	SyncJobReasonRangeTooLarge        = "range_too_large"
	SyncJobReasonRateLimited          = "rate_limited"
	SyncJobReasonStructureMismatch    = "structure_mismatch"
	SyncJobReasonDBLockTimeout        = "db_lock_timeout"
	SyncJobReasonSerializationFailure = "serialization_failure"
	SyncJobReasonUniqueViolation      = "unique_violation"
	SyncJobReasonUnknown              = "unknown"

	SyncBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SyncBatchDeferredReasonCycleInFlight   = "cycle_in_flight"
)

const (
	SyncStageAuthenticate = "authenticate"
	SyncStageFetch        = "fetch"
	SyncStageParse        = "parse"
	SyncStageMerge        = "merge"
	SyncStagePersist      = "persist"
	SyncStageRepair       = "repair"
)

const (
	LockResourceAccountsForSync = "accounts_for_sync"
	LockResourceResolutionState = "resolution_states"
)

// SyncMetrics captures sync worker health signals for fleet SLOs.
type SyncMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	batchDeferred     *prometheus.CounterVec
	runLoopLag        prometheus.Observer
	recordsMerged     *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	stageErrors       *prometheus.CounterVec
	dbLockWait        *prometheus.HistogramVec
	transitionCounts  map[string]map[string]prometheus.Counter
	stageErrorCounts  map[string]map[string]prometheus.Counter
	lockWaitObserver  map[string]prometheus.Observer
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton sync metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton sync metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// ResetSyncMetricsForTest resets the sync metrics singleton for tests.
func ResetSyncMetricsForTest() {
	syncMetricsOnce = sync.Once{}
	syncMetrics = nil
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tidemark"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_job_runs_total",
		Help:        "Sync job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tidemark_sync_job_duration_seconds",
		Help:        "Sync job latency to protect statistics freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_job_timeouts_total",
		Help:        "Sync job timeouts that threaten statistics freshness.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_job_errors_total",
		Help:        "Sync job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_batch_processed_total",
		Help:        "Sync batch items processed to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_batch_deferred_total",
		Help:        "Sync batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "tidemark_sync_runloop_lag_seconds",
		Help:        "Sync run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	recordsMerged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_records_merged_total",
		Help:        "Usage records merged into the statistics store per resolution.",
		ConstLabels: constLabels,
	}, []string{"resolution"})
	// Tracks account status transitions for lifecycle integrity.
	statusTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_account_status_transition_total",
		Help:        "Account status transitions to validate sync pipeline health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	// Surfaces stage errors to isolate portal versus storage blockers.
	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tidemark_sync_stage_error_total",
		Help:        "Sync errors by stage for faster incident isolation.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	// Measures lock wait time to detect contention between sync workers.
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tidemark_sync_db_lock_wait_seconds",
		Help:        "Sync DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		recordsMerged,
		statusTransitions,
		stageErrors,
		dbLockWait,
	)

	transitionCounts := map[string]map[string]prometheus.Counter{
		accountdomain.StatusHealthy: {
			accountdomain.StatusDegradedRetrying: statusTransitions.WithLabelValues(
				accountdomain.StatusHealthy,
				accountdomain.StatusDegradedRetrying,
			),
			accountdomain.StatusNeedsCredentials: statusTransitions.WithLabelValues(
				accountdomain.StatusHealthy,
				accountdomain.StatusNeedsCredentials,
			),
			accountdomain.StatusNeedsAttention: statusTransitions.WithLabelValues(
				accountdomain.StatusHealthy,
				accountdomain.StatusNeedsAttention,
			),
		},
		accountdomain.StatusDegradedRetrying: {
			accountdomain.StatusHealthy: statusTransitions.WithLabelValues(
				accountdomain.StatusDegradedRetrying,
				accountdomain.StatusHealthy,
			),
			accountdomain.StatusNeedsCredentials: statusTransitions.WithLabelValues(
				accountdomain.StatusDegradedRetrying,
				accountdomain.StatusNeedsCredentials,
			),
		},
		accountdomain.StatusNeedsCredentials: {
			accountdomain.StatusHealthy: statusTransitions.WithLabelValues(
				accountdomain.StatusNeedsCredentials,
				accountdomain.StatusHealthy,
			),
		},
		accountdomain.StatusNeedsAttention: {
			accountdomain.StatusHealthy: statusTransitions.WithLabelValues(
				accountdomain.StatusNeedsAttention,
				accountdomain.StatusHealthy,
			),
		},
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceAccountsForSync: dbLockWait.WithLabelValues(LockResourceAccountsForSync),
		LockResourceResolutionState: dbLockWait.WithLabelValues(LockResourceResolutionState),
	}

	stageErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		syncErrorTypeDeadlineExceeded,
		syncErrorTypeCredentials,
		syncErrorTypePortal,
		syncErrorTypeStructure,
		syncErrorTypeDB,
		syncErrorTypeBusinessRule,
	}
	for _, stage := range []string{
		SyncStageAuthenticate,
		SyncStageFetch,
		SyncStageParse,
		SyncStageMerge,
		SyncStagePersist,
		SyncStageRepair,
	} {
		stageCounters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			stageCounters[errType] = stageErrors.WithLabelValues(stage, errType)
		}
		stageErrorCounts[stage] = stageCounters
	}

	return &SyncMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		batchProcessed:    batchProcessed,
		batchDeferred:     batchDeferred,
		runLoopLag:        runLoopLag,
		recordsMerged:     recordsMerged,
		statusTransitions: statusTransitions,
		stageErrors:       stageErrors,
		dbLockWait:        dbLockWait,
		transitionCounts:  transitionCounts,
		stageErrorCounts:  stageErrorCounts,
		lockWaitObserver:  lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a sync job.
func (m *SyncMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records sync job latency in seconds.
func (m *SyncMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the sync job.
func (m *SyncMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the sync job error counter with classification.
func (m *SyncMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySyncJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SyncMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SyncMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SyncMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// AddRecordsMerged increments merged record counts for a resolution.
func (m *SyncMetrics) AddRecordsMerged(resolution string, count int) {
	if m == nil || count <= 0 || m.recordsMerged == nil {
		return
	}
	m.recordsMerged.WithLabelValues(resolution).Add(float64(count))
}

// IncStatusTransition increments account status transition counters.
func (m *SyncMetrics) IncStatusTransition(from, to string) {
	if m == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// IncStageError increments sync errors by stage and type.
func (m *SyncMetrics) IncStageError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := classifySyncError(err)
	if stageCounters, ok := m.stageErrorCounts[stage]; ok {
		if counter, ok := stageCounters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.stageErrors.WithLabelValues(stage, errorType).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SyncMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func classifySyncError(err error) string {
	if err == nil {
		return syncErrorTypeBusinessRule
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return syncErrorTypeDeadlineExceeded
	}
	if errors.Is(err, portal.ErrInvalidCredentials) {
		return syncErrorTypeCredentials
	}
	if isPortalError(err) {
		return syncErrorTypePortal
	}
	if isStructureError(err) {
		return syncErrorTypeStructure
	}
	if isDBError(err) {
		return syncErrorTypeDB
	}
	return syncErrorTypeBusinessRule
}

// ClassifySyncErrorType returns a low-cardinality error type for logging.
func ClassifySyncErrorType(err error) string {
	if err == nil {
		return SyncErrorTypeUnknown
	}
	return classifySyncError(err)
}

// IsSyncErrorRetryable reports whether the sync error should be retried.
func IsSyncErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, portal.ErrInvalidCredentials) ||
		errors.Is(err, portal.ErrPortalChanged) ||
		errors.Is(err, export.ErrStructureMismatch) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, portal.ErrPortalUnreachable) ||
		errors.Is(err, portal.ErrFetchTimeout) ||
		errors.Is(err, portal.ErrRangeTooLarge) ||
		errors.Is(err, portal.ErrRateLimited) {
		return true
	}
	return isDBError(err)
}

// ClassifySyncJobReason maps sync job errors to low-cardinality reasons.
func ClassifySyncJobReason(err error) string {
	return classifySyncJobReason(err)
}

func classifySyncJobReason(err error) string {
	if err == nil {
		return SyncJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SyncJobReasonDeadlineExceeded
	}
	if errors.Is(err, portal.ErrInvalidCredentials) {
		return SyncJobReasonInvalidCredentials
	}
	if errors.Is(err, portal.ErrPortalChanged) {
		return SyncJobReasonPortalChanged
	}
	if errors.Is(err, portal.ErrRangeTooLarge) {
		return SyncJobReasonRangeTooLarge
	}
	if errors.Is(err, portal.ErrRateLimited) {
		return SyncJobReasonRateLimited
	}
	if errors.Is(err, portal.ErrPortalUnreachable) || errors.Is(err, portal.ErrFetchTimeout) {
		return SyncJobReasonPortalUnreachable
	}
	if errors.Is(err, export.ErrStructureMismatch) {
		return SyncJobReasonStructureMismatch
	}
	if isDBLockTimeout(err) {
		return SyncJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SyncJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SyncJobReasonUniqueViolation
	}
	return SyncJobReasonUnknown
}

func isPortalError(err error) bool {
	return errors.Is(err, portal.ErrPortalUnreachable) ||
		errors.Is(err, portal.ErrPortalChanged) ||
		errors.Is(err, portal.ErrRangeTooLarge) ||
		errors.Is(err, portal.ErrFetchTimeout) ||
		errors.Is(err, portal.ErrRateLimited)
}

func isStructureError(err error) bool {
	return errors.Is(err, export.ErrStructureMismatch)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrRegistered) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDryRunModeUnsupported) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
