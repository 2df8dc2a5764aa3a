package idempotency

import "go.uber.org/fx"

var Module = fx.Module("idempotency.guard",
	fx.Provide(NewGuard),
)
