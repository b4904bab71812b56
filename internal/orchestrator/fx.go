package orchestrator

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/peerlink/satellite"
	syncdomain "github.com/girosoft/giro-core/internal/sync/domain"
	syncservice "github.com/girosoft/giro-core/internal/sync/service"
)

var Module = fx.Module("orchestrator",
	fx.Provide(func(
		log *zap.Logger,
		db *gorm.DB,
		pending syncdomain.PendingRepository,
		cursors syncdomain.CursorRepository,
		snapshots syncdomain.SnapshotRepository,
		remote *satellite.Remote,
		bus *events.Bus,
		clk clock.Clock,
		cfg config.Config,
	) syncdomain.Engine {
		return syncservice.NewEngine(log, db, pending, cursors, snapshots, remote, bus, clk, cfg)
	}),
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, o *Orchestrator) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return o.Start(ctx) },
			OnStop:  func(ctx context.Context) error { return o.Stop(ctx) },
		})
	}),
)
