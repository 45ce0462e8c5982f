package migrate

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

// RequiredTables must exist before the order services start.
var RequiredTables = []string{
	"products",
	"orders",
	"order_items",
	"order_status_history",
	"payments",
	"outbox_events",
	"outbox_dlq",
}

// MaybeRunDev applies pending migrations in dev when MERCADOFREE_AUTO_MIGRATE is
// set, then checks the order tables are present. SQLite dev databases are
// skipped because the migrations are written for Postgres.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": DefaultDir})
	if cfg.FeatureFlags.UseSQLite {
		logg.Warn(ctx, "skipping dev auto-migrate on sqlite")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if err := CheckTables(client); err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "schema_version", version), "dev migrations applied")
	return nil
}

// CheckTables reports the first required table missing from the database.
func CheckTables(client *db.Client) error {
	migrator := client.DB().Migrator()
	for _, table := range RequiredTables {
		if !migrator.HasTable(table) {
			return fmt.Errorf("table %s missing after migrations", table)
		}
	}
	return nil
}
