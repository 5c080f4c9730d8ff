package metering

import "go.uber.org/fx"

// Module exposes the metering service and the AI model registry via Fx.
var Module = fx.Options(
	fx.Provide(NewModelRegistry),
	fx.Provide(NewService),
)
