package graceperiod

import "go.uber.org/fx"

// Module exposes the grace period service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
