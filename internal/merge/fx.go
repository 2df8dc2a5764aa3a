package merge

import (
	"github.com/smallbiznis/billable/internal/merge/repository"
	"github.com/smallbiznis/billable/internal/merge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("merge.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
