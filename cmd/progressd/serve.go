package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/progress-engine/internal/interface/http"
)

const (
	jobRebuild        = "rebuild_leaderboard"
	jobWeeklyRollover = "weekly_rollover"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the leaderboard projection and background jobs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	log.Info("starting progress engine",
		zap.String("env", string(cfg.App.Environment)),
		zap.String("timezone", cfg.App.Timezone),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОМПОНЕНТЫ
	// ─────────────────────────────────────────────────────────────────────────
	a, err := buildApp(ctx, cfg, log, buildOptions{withBus: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 2. КОМАНДЫ И ЗАПРОСЫ
	// ─────────────────────────────────────────────────────────────────────────
	applyEvent := command.NewApplyEventHandler(a.store, a.catalog, a.bus, a.calendar,
		command.ApplyEventConfig{
			DailyXPCap:   shared.XP(cfg.Progress.DailyXPCap),
			MaxAttempts:  cfg.Progress.MaxApplyAttempts,
			MaxClockSkew: cfg.Progress.MaxClockSkew,
		},
		command.WithRecorder(a.metrics),
		command.WithFeatureFlags(cfg.Features),
		command.WithLogger(log),
	)
	removeLearner := command.NewRemoveLearnerHandler(a.store, a.index, a.bus, log)
	getProgress := query.NewGetProgressHandler(a.store, a.index, a.calendar)
	leaderboardQ := query.NewLeaderboardHandler(a.index, a.directory, cfg.Features, a.metrics, log,
		query.LeaderboardConfig{
			DefaultLimit: cfg.Leaderboard.DefaultLimit,
			MaxLimit:     cfg.Leaderboard.MaxLimit,
		},
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := newScheduler(a)
	if err != nil {
		return err
	}

	// Индекс в памяти пуст после старта: заполняем его из хранилища до приёма запросов.
	if _, err := sched.RunNow(ctx, jobRebuild); err != nil {
		return fmt.Errorf("initial leaderboard rebuild: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		httpCfg := httpapi.DefaultConfig()
		httpCfg.Addr = cfg.HTTP.Addr
		if cfg.HTTP.ReadTimeout > 0 {
			httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
		}
		if cfg.HTTP.WriteTimeout > 0 {
			httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
		}
		httpCfg.Debug = cfg.App.Debug

		deps := httpapi.Dependencies{
			ApplyEvent:    applyEvent,
			RemoveLearner: removeLearner,
			Progress:      getProgress,
			Leaderboard:   leaderboardQ,
			Health:        a.health,
			Logger:        log,
		}
		if cfg.Observability.MetricsEnabled {
			deps.Metrics = a.metrics.Handler()
		}
		server := httpapi.NewServer(httpCfg, deps)

		g.Go(func() error {
			return server.Run(gctx, cfg.App.ShutdownTimeout)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("progress engine is running", zap.Bool("http", cfg.HTTP.Enabled))

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	err = g.Wait()
	log.Info("starting graceful shutdown...", zap.Duration("timeout", cfg.App.ShutdownTimeout))

	// Дожидаемся обработчиков, уже получивших события.
	a.bus.Drain()
	if err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Info("shutdown completed successfully")
	return nil
}

// newScheduler registers the leaderboard jobs.
//
// The snapshot refresh always runs for the in-process index, since rank reads
// only see what the refresh publishes. Scheduler.Enabled gates the periodic
// rebuild and the weekly rollover.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	cfg := a.cfg
	sc := cfg.Scheduler
	sched := scheduler.New(scheduler.Config{
		Logger:            a.log,
		Location:          cfg.App.Location,
		MaxConcurrentJobs: sc.MaxConcurrentJobs,
		JobTimeout:        sc.JobTimeout,
	})
	sched.OnJobComplete(func(r scheduler.JobResult) {
		a.metrics.JobFinished(r.JobName, r.Duration, r.Err)
	})

	if a.view != nil {
		if err := sched.Register(jobs.NewRefreshLeaderboardJob(a.view, a.metrics), scheduler.Every(cfg.Leaderboard.RefreshInterval)); err != nil {
			return nil, err
		}
	}

	rebuild := jobs.NewRebuildLeaderboardJob(jobRebuild, a.store, a.index, a.log)
	if err := sched.Register(rebuild, scheduler.Every(cfg.Leaderboard.RebuildInterval)); err != nil {
		return nil, err
	}

	rollover, err := scheduler.ParseCron(sc.WeeklyRolloverCron, cfg.App.Location)
	if err != nil {
		return nil, fmt.Errorf("weekly rollover schedule: %w", err)
	}
	if err := sched.Register(jobs.NewRebuildLeaderboardJob(jobWeeklyRollover, a.store, a.index, a.log), rollover); err != nil {
		return nil, err
	}

	if !sc.Enabled {
		for _, name := range []string{jobRebuild, jobWeeklyRollover} {
			if err := sched.SetEnabled(name, false); err != nil {
				return nil, err
			}
		}
		a.log.Info("periodic rebuild disabled")
	}
	return sched, nil
}
