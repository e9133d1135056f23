package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
)

var (
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
			return m.Migrate(ctx)
		}),
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
			return m.Rollback(ctx)
		}),
	}
	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(ctx context.Context, m *postgres.Migrator) error {
			migrations, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return printMigrations(migrations)
		}),
	}
)

// withMigrator connects to the database for the duration of one subcommand.
func withMigrator(fn func(context.Context, *postgres.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if cfg.Database.URL == "" {
			return errors.New("DATABASE_URL is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		conn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database), log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()

		if err := fn(ctx, postgres.NewMigrator(conn)); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		log.Info("migrate finished", zap.String("command", cmd.Name()))
		return nil
	}
}

func printMigrations(migrations []postgres.Migration) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
	for _, m := range migrations {
		applied := "pending"
		if m.IsApplied {
			applied = m.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%03d\t%s\t%s\n", m.Version, m.Name, applied)
	}
	return w.Flush()
}
