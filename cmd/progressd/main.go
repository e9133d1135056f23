// Package main - точка входа движка прогресса и лидерборда.
//
// Команды:
//   - serve   - HTTP API, проекция лидерборда и фоновые задачи
//   - migrate - применение, откат и статус миграций PostgreSQL
//   - rebuild - однократная пересборка индекса лидерборда из хранилища
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var (
	configPath string

	cfg *config.Config
	log *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "progressd",
		Short: "XP, streak and leaderboard engine for learners",
		Long: `progressd keeps per-learner progress (XP with a daily cap, streaks,
weekly XP) and serves all-time and weekly leaderboards built from it.`,
		SilenceUsage:      true,
		PersistentPreRunE: bootstrap,
		PersistentPostRun: func(*cobra.Command, []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	rootCmd.AddCommand(serveCmd, migrateCmd, rebuildCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and sets up logging for every subcommand.
func bootstrap(*cobra.Command, []string) error {
	var err error
	cfg, err = config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	obs := cfg.Observability
	log, err = logger.New(logger.Options{
		Level:       obs.LogLevel,
		Path:        obs.LogPath,
		MaxSizeMB:   obs.LogMaxSizeMB,
		MaxBackups:  obs.LogMaxBackups,
		MaxAgeDays:  obs.LogMaxAgeDays,
		Compress:    obs.LogCompress,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log = log.With(zap.String("service", cfg.App.Name), zap.String("version", cfg.App.Version))
	return nil
}
