package grant

import (
	"github.com/smallbiznis/billable/internal/grant/repository"
	"github.com/smallbiznis/billable/internal/grant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
