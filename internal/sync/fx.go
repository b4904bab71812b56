package sync

import (
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/sync/repository"
	"github.com/girosoft/giro-core/internal/sync/service"
)

var Module = fx.Module("sync",
	fx.Provide(repository.ProvidePending),
	fx.Provide(repository.ProvideCursor),
	fx.Provide(repository.ProvideSnapshot),
	fx.Provide(repository.ProvideApplied),
	fx.Provide(service.NewAuthority),
)
