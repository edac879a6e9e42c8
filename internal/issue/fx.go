package issue

import (
	"github.com/smallbiznis/tidemark/internal/issue/repository"
	"github.com/smallbiznis/tidemark/internal/issue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("issue.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
