package sync

import (
	"context"

	"github.com/smallbiznis/tidemark/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("sync.engine",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartEngine),
)

// WorkerModule is the dedicated-worker variant. It runs the tick loop in
// every mode, including cloud, where Module would leave it to this process.
var WorkerModule = fx.Module("sync.worker",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartWorker),
)

// StartEngine runs the tick loop for the life of the process. Cloud mode
// skips it; there the loop belongs to the dedicated sync workers.
func StartEngine(lc fx.Lifecycle, cfg config.Config, engine *Engine) {
	if cfg.IsCloud() {
		return
	}

	startLoop(lc, engine)
}

// StartWorker runs the tick loop unconditionally.
func StartWorker(lc fx.Lifecycle, engine *Engine) {
	startLoop(lc, engine)
}

func startLoop(lc fx.Lifecycle, engine *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go engine.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
