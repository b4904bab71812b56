package session

import (
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/session/repository"
	"github.com/girosoft/giro-core/internal/session/service"
)

var Module = fx.Module("session",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
