package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/discovery"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/license"
	"github.com/girosoft/giro-core/internal/logger"
	"github.com/girosoft/giro-core/internal/migration"
	"github.com/girosoft/giro-core/internal/mobile"
	"github.com/girosoft/giro-core/internal/observability"
	"github.com/girosoft/giro-core/internal/orchestrator"
	"github.com/girosoft/giro-core/internal/peerlink/master"
	"github.com/girosoft/giro-core/internal/peerlink/satellite"
	"github.com/girosoft/giro-core/internal/session"
	"github.com/girosoft/giro-core/internal/settings"
	syncmod "github.com/girosoft/giro-core/internal/sync"
	"github.com/girosoft/giro-core/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		events.Module,
		identity.Module,
		migration.Module,
		observability.Module,

		// Coordination domains
		settings.Module,
		session.Module,
		syncmod.Module,
		discovery.Module,
		license.Module,
		master.Module,
		satellite.Module,
		mobile.Module,
		orchestrator.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
