package ratelimit

import (
	"github.com/smallbiznis/tidemark/internal/portal"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(New),
	fx.Provide(func(l *PortalLimiter) portal.Limiter {
		if !l.Enabled() {
			return nil
		}
		return l
	}),
)
