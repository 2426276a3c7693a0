package campaign

import "go.uber.org/fx"

var Module = fx.Module("campaign.module",
	fx.Provide(NewService),
)

var HTTP = fx.Module("campaign.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
