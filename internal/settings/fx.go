package settings

import (
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/settings/repository"
	"github.com/girosoft/giro-core/internal/settings/service"
)

var Module = fx.Module("settings",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
