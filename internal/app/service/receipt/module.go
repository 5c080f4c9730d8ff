package receipt

import "go.uber.org/fx"

// Module exposes the receipt service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
