package metricspush

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/pkg/db"
)

func TestFleetCollectorRefresh(t *testing.T) {
	gdb, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY, status TEXT NOT NULL)`).Error; err != nil {
		t.Fatalf("create table: %v", err)
	}
	seed := []struct {
		id     int64
		status string
	}{
		{1, "healthy"},
		{2, "healthy"},
		{3, "needs-credentials"},
		{4, "degraded-retrying"},
	}
	for _, row := range seed {
		if err := gdb.Exec(`INSERT INTO accounts (id, status) VALUES (?, ?)`, row.id, row.status).Error; err != nil {
			t.Fatalf("insert account %d: %v", row.id, err)
		}
	}

	cfg := config.Config{
		AppVersion:  "0.1.0",
		Environment: "test",
		Cloud:       config.CloudConfig{FleetID: "fleet-7"},
	}
	collector := newFleetCollector(prometheus.NewRegistry(), cfg, gdb, zap.NewNop())
	collector.refresh(context.Background())

	if got := testutil.ToFloat64(collector.accounts.WithLabelValues("healthy")); got != 2 {
		t.Errorf("healthy accounts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.accounts.WithLabelValues("needs-credentials")); got != 1 {
		t.Errorf("needs-credentials accounts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.accounts.WithLabelValues("degraded-retrying")); got != 1 {
		t.Errorf("degraded-retrying accounts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.info.WithLabelValues("fleet-7", "0.1.0", "test")); got != 1 {
		t.Errorf("fleet info gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.memory); got == 0 {
		t.Error("memory gauge should be populated after refresh")
	}
}

func TestFleetCollectorRefreshWithoutDB(t *testing.T) {
	cfg := config.Config{AppVersion: "0.1.0", Environment: "test"}
	collector := newFleetCollector(prometheus.NewRegistry(), cfg, nil, zap.NewNop())

	// Must not panic and must still record process memory.
	collector.refresh(context.Background())
	if got := testutil.ToFloat64(collector.memory); got == 0 {
		t.Error("memory gauge should be populated after refresh")
	}
}
