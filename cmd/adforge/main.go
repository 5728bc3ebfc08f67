package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/adforge/adforge/internal/clock"
	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/migration"
	"github.com/adforge/adforge/internal/observability"
	"github.com/adforge/adforge/internal/scheduler"
	"github.com/adforge/adforge/internal/server"
	"github.com/adforge/adforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
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
