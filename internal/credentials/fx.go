package credentials

import (
	"github.com/smallbiznis/tidemark/internal/credentials/repository"
	"github.com/smallbiznis/tidemark/internal/credentials/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credentials.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
