package apitoken

import (
	"github.com/smallbiznis/tidemark/internal/apitoken/repository"
	"github.com/smallbiznis/tidemark/internal/apitoken/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apitoken.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
