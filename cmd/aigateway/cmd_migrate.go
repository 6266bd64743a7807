package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func runMigrate(ctx context.Context) error {
	policy, err := config.LoadPolicy(policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if policy.Persistence.PrimaryPath == "" {
		return fmt.Errorf("persistence.primary_path is not configured; nothing to migrate")
	}

	db, err := sql.Open("pgx", policy.Persistence.PrimaryPath)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	return store.RunMigrations(db, slog.Default())
}
