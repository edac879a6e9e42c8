package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tidemark/internal/clock"
	"github.com/smallbiznis/tidemark/internal/config"
	"github.com/smallbiznis/tidemark/internal/metricspush"
	"github.com/smallbiznis/tidemark/internal/migration"
	"github.com/smallbiznis/tidemark/internal/observability"
	"github.com/smallbiznis/tidemark/internal/server"
	"github.com/smallbiznis/tidemark/internal/sync"
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
		migration.Module,

		// Operator API plus the in-process sync loop.
		server.Module,
		sync.Module,
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
