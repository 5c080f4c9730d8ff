package proration

import "go.uber.org/fx"

// Module exposes the proration service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
