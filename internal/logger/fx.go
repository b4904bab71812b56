package logger

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/config"
)

var Module = fx.Module("logger",
	fx.Provide(func(cfg config.Config) (*zap.Logger, error) {
		return New(cfg.Logger.Level)
	}),
)
