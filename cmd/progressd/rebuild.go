package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
)

var rebuildTimeout time.Duration

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the leaderboard index from the progress store once",
	Long: `rebuild scans every stored learner and replaces the leaderboard index.
It is only useful with the redis leaderboard backend: the in-memory index is
rebuilt by "serve" on startup.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().DurationVar(&rebuildTimeout, "timeout", 10*time.Minute, "abort the rebuild after this long")
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rebuildTimeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, log, buildOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	job := jobs.NewRebuildLeaderboardJob(jobRebuild, a.store, a.index, log)
	start := time.Now()
	err = job.Run(ctx)
	a.metrics.JobFinished(job.Name(), time.Since(start), err)
	if err != nil {
		return err
	}

	stats := job.LastStats()
	log.Info("rebuild finished",
		zap.Int("learners", stats.Learners),
		zap.Duration("latency", stats.Duration),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "rebuilt leaderboard: %d learners in %s\n", stats.Learners, stats.Duration.Round(time.Millisecond))
	return nil
}
