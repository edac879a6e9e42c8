package metricspush

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tidemark/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fleetCollector owns the gauges that only exist for fleet roll-up: the
// installation identity, an account census by status, and process memory.
// They register on the same registry as the local /metrics endpoint.
type fleetCollector struct {
	log *zap.Logger
	db  *gorm.DB

	info     *prometheus.GaugeVec
	accounts *prometheus.GaugeVec
	memory   prometheus.Gauge
}

func newFleetCollector(reg prometheus.Registerer, cfg config.Config, db *gorm.DB, log *zap.Logger) *fleetCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &fleetCollector{
		log: log,
		db:  db,
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tidemark_fleet_info",
			Help: "Constant gauge carrying installation identity labels.",
		}, []string{"fleet_id", "version", "environment"}),
		accounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tidemark_fleet_accounts",
			Help: "Tracked portal accounts by sync status.",
		}, []string{"status"}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tidemark_fleet_memory_bytes",
			Help: "Bytes of memory obtained from the OS.",
		}),
	}
	reg.MustRegister(c.info, c.accounts, c.memory)
	c.info.WithLabelValues(cfg.Cloud.FleetID, cfg.AppVersion, cfg.Environment).Set(1)
	return c
}

// refresh recomputes the fleet gauges right before a push.
func (c *fleetCollector) refresh(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.memory.Set(float64(m.Sys))

	if c.db == nil {
		return
	}
	var rows []struct {
		Status string
		Total  int64
	}
	err := c.db.WithContext(ctx).
		Table("accounts").
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		c.log.Debug("account census query failed", zap.Error(err))
		return
	}
	c.accounts.Reset()
	for _, row := range rows {
		c.accounts.WithLabelValues(row.Status).Set(float64(row.Total))
	}
}
