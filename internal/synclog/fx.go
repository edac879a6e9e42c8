package synclog

import (
	"github.com/smallbiznis/tidemark/internal/synclog/repository"
	"github.com/smallbiznis/tidemark/internal/synclog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("synclog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
