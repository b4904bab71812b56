package master

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/config"
)

var Module = fx.Module("peerlink.master",
	fx.Provide(func(log *zap.Logger, cfg config.Config) *Registry {
		return NewRegistry(log, cfg.MaxPeerConnections)
	}),
	fx.Provide(NewServer),
)
