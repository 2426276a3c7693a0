package pledge

import "go.uber.org/fx"

var Module = fx.Module("pledge.module",
	fx.Provide(NewService),
)

var HTTP = fx.Module("pledge.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
