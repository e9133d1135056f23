// Package scheduler runs the engine's background jobs: the leaderboard
// snapshot refresh, the periodic rebuild from the store and the weekly
// rollover rebuild.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of scheduled work.
type Job interface {
	// Name returns a unique identifier for the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler
	// stops or the job timeout elapses.
	Run(ctx context.Context) error

	// Description returns a human-readable description.
	Description() string
}

// Schedule determines when a job runs.
type Schedule interface {
	// Next returns the next activation time after t.
	Next(t time.Time) time.Time

	// String returns a human-readable representation.
	String() string
}

// JobResult is the outcome of one execution.
type JobResult struct {
	// RunID identifies one execution in logs.
	RunID     string
	JobName   string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Success reports whether the run finished without error.
func (r JobResult) Success() bool { return r.Err == nil }

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config configures a Scheduler.
type Config struct {
	Logger *zap.Logger

	// Location is used for schedules that depend on the wall clock.
	Location *time.Location

	// Tick is how often due jobs are checked.
	Tick time.Duration

	// MaxConcurrentJobs bounds parallel runs across all jobs.
	MaxConcurrentJobs int

	// JobTimeout bounds a single run. Zero means no timeout.
	JobTimeout time.Duration

	// MaxHistorySize is the number of results kept for GetHistory.
	MaxHistorySize int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Location:          time.UTC,
		Tick:              250 * time.Millisecond,
		MaxConcurrentJobs: 3,
		JobTimeout:        2 * time.Minute,
		MaxHistorySize:    100,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler runs registered jobs on their schedules. A job never overlaps
// with itself: a run that is still in progress skips the next activation.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu         sync.RWMutex
	jobs       map[string]*scheduledJob
	running    bool
	cancel     context.CancelFunc
	history    []JobResult
	onComplete []func(JobResult)

	wg sync.WaitGroup
}

type scheduledJob struct {
	job      Job
	schedule Schedule
	enabled  bool
	inFlight bool

	lastRun   time.Time
	nextRun   time.Time
	runCount  int64
	failCount int64
	lastErr   error
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = def.MaxHistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.Named("scheduler"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		jobs:   make(map[string]*scheduledJob),
	}
}

func (s *Scheduler) now() time.Time {
	return s.cfg.Clock().In(s.cfg.Location)
}

// ──────────────────────────────────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────────────────────────────────

// Register adds a job. Its first run is at schedule.Next(now).
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	s.jobs[name] = &scheduledJob{
		job:      job,
		schedule: schedule,
		enabled:  true,
		nextRun:  schedule.Next(s.now()),
	}

	s.logger.Info("job registered",
		zap.String("job", name),
		zap.String("schedule", schedule.String()),
	)
	return nil
}

// SetEnabled turns a job on or off without unregistering it.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	sj.enabled = enabled
	if enabled {
		sj.nextRun = sj.schedule.Next(s.now())
	}
	return nil
}

// OnJobComplete registers a callback invoked after every run.
func (s *Scheduler) OnJobComplete(fn func(JobResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Start launches the scheduling loop and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.runLoop(loopCtx)

	s.logger.Info("scheduler started",
		zap.Int("jobs", len(s.jobs)),
		zap.Duration("tick", s.cfg.Tick),
	)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue starts every enabled job whose activation time has passed.
// A job that cannot get a concurrency slot stays due for the next tick.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sj := range s.jobs {
		if !sj.enabled || sj.inFlight || now.Before(sj.nextRun) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			continue
		}
		sj.inFlight = true
		sj.nextRun = sj.schedule.Next(now)

		s.wg.Add(1)
		go func(sj *scheduledJob) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.execute(ctx, sj)
		}(sj)
	}
}

// RunNow executes a job synchronously, outside its schedule.
// Returns ErrJobBusy if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if sj.inFlight {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	sj.inFlight = true
	s.mu.Unlock()

	result := s.execute(ctx, sj)
	return result, result.Err
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob) JobResult {
	name := sj.job.Name()
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	runID := uuid.NewString()
	start := s.cfg.Clock()
	err := s.safeRun(ctx, sj.job)
	result := JobResult{
		RunID:     runID,
		JobName:   name,
		StartedAt: start,
		Duration:  s.cfg.Clock().Sub(start),
		Err:       err,
	}

	s.mu.Lock()
	sj.inFlight = false
	sj.lastRun = start
	sj.runCount++
	sj.lastErr = err
	if err != nil {
		sj.failCount++
	}
	s.history = append(s.history, result)
	if over := len(s.history) - s.cfg.MaxHistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	hooks := slices.Clone(s.onComplete)
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Debug("job finished", zap.String("job", name), zap.String("run_id", runID), zap.Duration("latency", result.Duration))
	case errors.Is(err, context.Canceled):
		s.logger.Info("job cancelled", zap.String("job", name), zap.String("run_id", runID))
	default:
		s.logger.Error("job failed",
			zap.String("job", name),
			zap.String("run_id", runID),
			zap.Duration("latency", result.Duration),
			zap.Error(err),
		)
	}

	for _, fn := range hooks {
		fn(result)
	}
	return result
}

// safeRun converts a panicking job into an error.
func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			s.logger.Error("job panicked", zap.String("job", job.Name()), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return job.Run(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	Running     bool
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastError   error
}

// ListJobs returns every registered job sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Schedule:    sj.schedule.String(),
			Enabled:     sj.enabled,
			Running:     sj.inFlight,
			LastRun:     sj.lastRun,
			NextRun:     sj.nextRun,
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastError:   sj.lastErr,
		})
	}
	slices.SortFunc(infos, func(a, b JobInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// GetHistory returns up to limit most recent results, oldest first.
func (s *Scheduler) GetHistory(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	return slices.Clone(s.history[len(s.history)-limit:])
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("scheduler: job cannot be nil")
	ErrNilSchedule             = errors.New("scheduler: schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("scheduler: job already exists")
	ErrJobNotFound             = errors.New("scheduler: job not found")
	ErrJobBusy                 = errors.New("scheduler: job is already running")
	ErrJobPanicked             = errors.New("scheduler: job panicked")
	ErrSchedulerAlreadyRunning = errors.New("scheduler: already running")
	ErrSchedulerNotRunning     = errors.New("scheduler: not running")
)
