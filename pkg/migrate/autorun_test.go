package migrate

import (
	"testing"

	"github.com/angelmondragon/keymart-backend/pkg/config"
)

func TestStartupStrategy(t *testing.T) {
	dev := func(auto bool) *config.Config {
		return &config.Config{
			App:          config.AppConfig{Env: config.AppEnvDev},
			FeatureFlags: config.FeatureFlagsConfig{AutoMigrate: auto},
		}
	}
	prod := dev(true)
	prod.App.Env = "prod"

	cases := []struct {
		name   string
		cfg    *config.Config
		driver string
		want   strategy
	}{
		{"nil config", nil, "postgres", strategySkip},
		{"flag off", dev(false), "postgres", strategySkip},
		{"prod never migrates", prod, "postgres", strategySkip},
		{"postgres uses goose", dev(true), "postgres", strategyGoose},
		{"sqlite uses gorm", dev(true), "sqlite", strategyGorm},
		{"mysql uses gorm", dev(true), "mysql", strategyGorm},
	}
	for _, tc := range cases {
		if got := startupStrategy(tc.cfg, tc.driver); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
