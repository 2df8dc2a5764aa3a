package ledger

import (
	"github.com/smallbiznis/billable/internal/ledger/repository"
	"github.com/smallbiznis/billable/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewWriter),
	fx.Provide(service.NewService),
)
