package main

import (
	"context"
	"fmt"

	"github.com/angelmondragon/keymart-backend/pkg/db"
	"github.com/angelmondragon/keymart-backend/pkg/migrate"
)

type invocation struct {
	cmd     string
	dir     string
	name    string
	version string
	client  *db.Client
}

type command struct {
	needsDB bool
	run     func(ctx context.Context, in invocation) (string, error)
}

var commands = map[string]command{
	"up":     {needsDB: true, run: gooseCommand("up")},
	"down":   {needsDB: true, run: gooseCommand("down")},
	"status": {needsDB: true, run: gooseCommand("status")},
	"version": {needsDB: true, run: func(ctx context.Context, in invocation) (string, error) {
		if in.version == "" {
			return "", fmt.Errorf("missing -version")
		}
		sqlDB, err := in.client.DB().DB()
		if err != nil {
			return "", err
		}
		if err := migrate.MigrateToVersion(ctx, sqlDB, in.client.Driver(), in.dir, in.version); err != nil {
			return "", err
		}
		return "migrated to version " + in.version, nil
	}},
	"automigrate": {needsDB: true, run: func(ctx context.Context, in invocation) (string, error) {
		if err := in.client.AutoMigrate(ctx); err != nil {
			return "", fmt.Errorf("gorm auto-migrate: %w", err)
		}
		return "gorm auto-migrate completed", nil
	}},
	"create": {run: func(_ context.Context, in invocation) (string, error) {
		if in.name == "" {
			return "", fmt.Errorf("missing -name")
		}
		path, err := migrate.CreateSQLMigration(in.dir, in.name)
		if err != nil {
			return "", err
		}
		return "created migration: " + path, nil
	}},
	"validate": {run: func(_ context.Context, in invocation) (string, error) {
		if err := migrate.ValidateDir(in.dir); err != nil {
			return "", err
		}
		return "migration validation passed", nil
	}},
	"latest": {run: func(_ context.Context, in invocation) (string, error) {
		v, err := migrate.LatestVersion(in.dir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", v), nil
	}},
}

func gooseCommand(name string) func(context.Context, invocation) (string, error) {
	return func(ctx context.Context, in invocation) (string, error) {
		sqlDB, err := in.client.DB().DB()
		if err != nil {
			return "", err
		}
		if err := migrate.Run(ctx, sqlDB, in.client.Driver(), in.dir, name); err != nil {
			return "", fmt.Errorf("goose %s: %w", name, err)
		}
		return "", nil
	}
}
