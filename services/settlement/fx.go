package settlement

import "go.uber.org/fx"

var Module = fx.Module("settlement",
	fx.Provide(NewEngine),
)

var HTTP = fx.Module("settlement.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
