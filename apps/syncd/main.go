package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/cache"
	"github.com/smallbiznis/tidemark/internal/clock"
	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/credentials"
	"github.com/smallbiznis/tidemark/internal/issue"
	"github.com/smallbiznis/tidemark/internal/metricspush"
	"github.com/smallbiznis/tidemark/internal/observability"
	"github.com/smallbiznis/tidemark/internal/portal"
	"github.com/smallbiznis/tidemark/internal/ratelimit"
	"github.com/smallbiznis/tidemark/internal/statistics"
	"github.com/smallbiznis/tidemark/internal/sync"
	"github.com/smallbiznis/tidemark/internal/sync/guard"
	"github.com/smallbiznis/tidemark/internal/synclog"
	"github.com/smallbiznis/tidemark/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Engine dependencies
		credentials.Module,
		statistics.Module,
		issue.Module,
		synclog.Module,
		portal.Module,
		cache.Module,
		ratelimit.Module,
		guard.Module,

		sync.WorkerModule,
		metricspush.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
