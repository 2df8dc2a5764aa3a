package exchange

import (
	"github.com/smallbiznis/billable/internal/exchange/service"
	"go.uber.org/fx"
)

var Module = fx.Module("exchange.service",
	fx.Provide(service.New),
)
