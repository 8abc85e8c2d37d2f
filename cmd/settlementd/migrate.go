package main

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/migrations"
	"github.com/atmx/settlement-engine/internal/registry"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema and the registry schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is required to migrate")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.Apply(ctx, pool, logger); err != nil {
				return err
			}

			// Opening the registry runs its auto-migration.
			reg, err := registry.Open(cfg.Registry.DSN)
			if err != nil {
				return err
			}
			logger.Info("registry schema up to date", "dsn", cfg.Registry.DSN)
			return reg.Close()
		},
	}
}
