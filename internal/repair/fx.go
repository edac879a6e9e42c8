package repair

import (
	"context"

	"github.com/bwmarrin/snowflake"
	enginesync "github.com/smallbiznis/tidemark/internal/sync"
	synclogdomain "github.com/smallbiznis/tidemark/internal/synclog/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("repair",
	fx.Provide(ProvideSyncer),
	fx.Provide(New),
	fx.Invoke(registerDrain),
)

type syncerParams struct {
	fx.In

	Engine *enginesync.Engine `optional:"true"`
}

// ProvideSyncer adapts the sync engine when one runs in this process.
// API-only deployments return nil and lean on the scheduled tick instead.
func ProvideSyncer(p syncerParams) Syncer {
	if p.Engine == nil {
		return nil
	}
	return engineSyncer{engine: p.Engine}
}

type engineSyncer struct {
	engine *enginesync.Engine
}

func (s engineSyncer) SyncNow(ctx context.Context, accountID snowflake.ID) error {
	return s.engine.SyncNow(ctx, accountID, enginesync.Options{Trigger: synclogdomain.TriggerRepair})
}

// registerDrain lets queued catch-up syncs finish before shutdown.
func registerDrain(lc fx.Lifecycle, svc Service) {
	s, ok := svc.(*service)
	if !ok {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return s.drain(ctx)
		},
	})
}
