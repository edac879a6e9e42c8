package metricspush

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tidemark/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("metricspush",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

type RegisterParams struct {
	fx.In

	LC     fx.Lifecycle
	Config config.Config
	Log    *zap.Logger
	DB     *gorm.DB
	Pusher Pusher
}

// Register starts the periodic fleet push when a pusher is configured.
func Register(p RegisterParams) {
	if p.Pusher == nil {
		return
	}

	log := p.Log.Named("metricspush")
	w := &worker{
		log:       log,
		pusher:    p.Pusher,
		collector: newFleetCollector(prometheus.DefaultRegisterer, p.Config, p.DB, log),
		gatherer:  prometheus.DefaultGatherer,
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting fleet metrics push", zap.Duration("interval", pushInterval))
			w.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
}

type worker struct {
	log       *zap.Logger
	pusher    Pusher
	collector *fleetCollector
	gatherer  prometheus.Gatherer

	stopCh    chan struct{}
	doneCh    chan struct{}
	errorOnce atomic.Bool
}

func (w *worker) Start() {
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(pushInterval)
		defer ticker.Stop()
		w.pushOnce()
		for {
			select {
			case <-ticker.C:
				w.pushOnce()
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *worker) Stop(ctx context.Context) error {
	if w.stopCh == nil {
		return nil
	}
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) pushOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	w.collector.refresh(ctx)
	if err := w.pusher.Push(ctx, w.gatherer); err != nil {
		// Warn once per outage instead of every minute.
		if w.errorOnce.CompareAndSwap(false, true) {
			w.log.Warn("fleet metrics push failed", zap.Error(err))
		}
		return
	}
	w.errorOnce.Store(false)
}
