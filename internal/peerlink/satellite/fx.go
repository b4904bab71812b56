package satellite

import (
	"go.uber.org/fx"
)

var Module = fx.Module("peerlink.satellite",
	fx.Provide(New),
	fx.Provide(NewRemote),
)
