package mobile

import (
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/license"
	"github.com/girosoft/giro-core/internal/peerlink/master"
)

var Module = fx.Module("gateway",
	fx.Provide(func(t *license.Tracker) LicenseState { return t }),
	fx.Provide(NewRouter),
	fx.Provide(func(r *Router) master.Handler { return r }),
)
