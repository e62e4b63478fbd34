package migration

import (
	"strings"

	auditdomain "github.com/smallbiznis/factura/internal/audit/domain"
	"github.com/smallbiznis/factura/internal/config"
	documentdomain "github.com/smallbiznis/factura/internal/document/domain"
	settlementdomain "github.com/smallbiznis/factura/internal/settlement/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL migrations target postgres. Other dialects (sqlite
		// in local development) take the gorm auto schema instead.
		if !strings.EqualFold(cfg.DB.Type, "postgres") {
			return conn.AutoMigrate(
				&documentdomain.Document{},
				&documentdomain.DocumentItem{},
				&settlementdomain.EventRecord{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
