package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
)

type strategy string

const (
	strategySkip  strategy = "skip"
	strategyGoose strategy = "goose"
	strategyGorm  strategy = "gorm"
)

// startupStrategy picks how a binary brings its schema up at boot. Only dev
// with the auto-migrate flag migrates; goose files are postgres only.
func startupStrategy(cfg *config.Config, driver string) strategy {
	if cfg == nil || !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return strategySkip
	}
	if _, err := Dialect(driver); err != nil {
		return strategyGorm
	}
	return strategyGoose
}

// MaybeRunDev migrates the schema on startup when startupStrategy allows it.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	plan := startupStrategy(cfg, client.Driver())
	if plan == strategySkip {
		return nil
	}
	ctx = logg.WithFields(ctx, map[string]any{
		"event":    "migrate.autorun",
		"driver":   client.Driver(),
		"strategy": string(plan),
	})

	switch plan {
	case strategyGorm:
		if err := client.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("autorun %s: %w", plan, err)
		}
	case strategyGoose:
		if err := ValidateDir(DefaultDir); err != nil {
			return fmt.Errorf("autorun %s: %w", plan, err)
		}
		sqlDB, err := client.DB().DB()
		if err != nil {
			return fmt.Errorf("autorun %s: sql handle: %w", plan, err)
		}
		if err := Run(ctx, sqlDB, client.Driver(), DefaultDir, "up"); err != nil {
			return fmt.Errorf("autorun %s: %w", plan, err)
		}
	}
	logg.Info(ctx, "schema migrated on startup")
	return nil
}
