package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/tidemark/internal/export"
	"github.com/smallbiznis/tidemark/internal/portal"
	"gorm.io/gorm"
)

func TestClassifySyncJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SyncJobReasonDeadlineExceeded,
		},
		{
			name: "invalid_credentials",
			err:  portal.ErrInvalidCredentials,
			want: SyncJobReasonInvalidCredentials,
		},
		{
			name: "portal_unreachable",
			err:  portal.ErrPortalUnreachable,
			want: SyncJobReasonPortalUnreachable,
		},
		{
			name: "portal_changed",
			err:  portal.ErrPortalChanged,
			want: SyncJobReasonPortalChanged,
		},
		{
			name: "range_too_large",
			err:  portal.ErrRangeTooLarge,
			want: SyncJobReasonRangeTooLarge,
		},
		{
			name: "structure_mismatch",
			err:  export.ErrStructureMismatch,
			want: SyncJobReasonStructureMismatch,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SyncJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SyncJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SyncJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SyncJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySyncJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSyncErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "invalid_credentials", err: portal.ErrInvalidCredentials, want: false},
		{name: "portal_changed", err: portal.ErrPortalChanged, want: false},
		{name: "structure_mismatch", err: export.ErrStructureMismatch, want: false},
		{name: "unreachable", err: portal.ErrPortalUnreachable, want: true},
		{name: "timeout", err: portal.ErrFetchTimeout, want: true},
		{name: "range_too_large", err: portal.ErrRangeTooLarge, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "db_lock", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSyncErrorRetryable(tc.err); got != tc.want {
				t.Fatalf("expected retryable=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestAddRecordsMerged(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSyncMetrics(registry, Config{
		ServiceName: "tidemark",
		Environment: "test",
	})

	metrics.AddRecordsMerged("hourly", 24)

	got := testutil.ToFloat64(metrics.recordsMerged.WithLabelValues("hourly"))
	if got != 24 {
		t.Fatalf("expected merged count 24, got %v", got)
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSyncMetrics(registry, Config{
		ServiceName: "tidemark",
		Environment: "test",
	})

	metrics.AddBatchProcessed("sync_accounts", "accounts", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("sync_accounts", "accounts"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncStageErrorClassifies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSyncMetrics(registry, Config{
		ServiceName: "tidemark",
		Environment: "test",
	})

	metrics.IncStageError(SyncStageAuthenticate, portal.ErrInvalidCredentials)
	metrics.IncStageError(SyncStageFetch, portal.ErrPortalUnreachable)
	metrics.IncStageError(SyncStageParse, export.ErrStructureMismatch)

	if got := testutil.ToFloat64(metrics.stageErrors.WithLabelValues(SyncStageAuthenticate, syncErrorTypeCredentials)); got != 1 {
		t.Fatalf("expected 1 credentials error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.stageErrors.WithLabelValues(SyncStageFetch, syncErrorTypePortal)); got != 1 {
		t.Fatalf("expected 1 portal error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.stageErrors.WithLabelValues(SyncStageParse, syncErrorTypeStructure)); got != 1 {
		t.Fatalf("expected 1 structure error, got %v", got)
	}
}
