package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factura/internal/audit"
	"github.com/smallbiznis/factura/internal/clock"
	"github.com/smallbiznis/factura/internal/config"
	"github.com/smallbiznis/factura/internal/document"
	"github.com/smallbiznis/factura/internal/logger"
	"github.com/smallbiznis/factura/internal/migration"
	"github.com/smallbiznis/factura/internal/providers/email"
	"github.com/smallbiznis/factura/internal/reminder"
	"github.com/smallbiznis/factura/pkg/db"
	"go.uber.org/fx"
)

// Standalone reminder worker: the escalation loop without the HTTP server.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		audit.Module,
		document.Module,
		email.Module,
		reminder.Module,
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
