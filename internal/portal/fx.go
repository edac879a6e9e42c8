package portal

import (
	"go.uber.org/fx"
)

var Module = fx.Module("portal.client",
	fx.Provide(NewClient),
	fx.Provide(func(c *Client) Verifier { return c }),
)
