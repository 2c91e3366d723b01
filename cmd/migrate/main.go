package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/keymart-backend/pkg/config"
	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/logger"
	"github.com/angelmondragon/keymart-backend/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	args := invocation{}
	flag.StringVar(&args.cmd, "cmd", "up", "command: up|down|status|version|automigrate|create|validate|latest")
	flag.StringVar(&args.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&args.name, "name", "", "migration name for -cmd=create")
	flag.StringVar(&args.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":    cfg.App.Env,
		"cmd":    args.cmd,
		"dir":    args.dir,
		"driver": cfg.DB.Driver,
	})

	c, ok := commands[args.cmd]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", args.cmd)
		os.Exit(2)
	}

	if c.needsDB {
		client, err := db.New(ctx, cfg.DB, logg)
		requireResource(ctx, logg, "database", err)
		defer client.Close()
		args.client = client
	}

	logg.Info(ctx, "migrate ready")
	out, err := c.run(ctx, args)
	if err != nil {
		logg.Error(ctx, "migrate command failed", err)
		if args.client != nil {
			args.client.Close()
		}
		os.Exit(1)
	}
	if out != "" {
		fmt.Println(out)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
