package migration

import (
	"github.com/smallbiznis/billable/internal/config"
	"github.com/smallbiznis/billable/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType == db.TypePostgres {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			log.Info("applying postgres migrations")
			return RunMigrations(sqlDB)
		}
		if !cfg.DBAutoMigrate {
			return nil
		}
		log.Info("auto migrating schema", zap.String("db_type", cfg.DBType))
		return AutoMigrate(conn)
	}),
)
