package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func testConfig() *config.Config {
	c := config.Default()
	c.App.Location = timeutil.AlmatyTZ
	c.Redis.Disabled = true
	c.Features = config.NewFeatureFlags()
	c.App.ConnectAttempts = 1
	return c
}

func TestBuildApp_MemoryDefaults(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), zap.NewNop(), buildOptions{withBus: true})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.view)
	assert.Same(t, a.view, a.index)
	assert.NotNil(t, a.bus)
	assert.Nil(t, a.db)
	assert.Nil(t, a.cache)
	assert.Nil(t, a.directory)

	status := a.health.Check(context.Background())
	assert.True(t, status.Ready)
	assert.Empty(t, status.Checks)
}

func TestBuildApp_BadgerStore(t *testing.T) {
	c := testConfig()
	c.Store.Backend = config.StoreBadger
	c.Store.BadgerInMemory = true

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.kv)
	assert.Nil(t, a.bus)

	status := a.health.Check(context.Background())
	assert.True(t, status.Ready)
	assert.Contains(t, status.Checks, "badger")
}

func TestBuildApp_RedisIndex(t *testing.T) {
	mr := miniredis.RunT(t)

	c := testConfig()
	c.Redis.Disabled = false
	c.Redis.URL = "redis://" + mr.Addr()
	c.Leaderboard.Backend = config.IndexRedis

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{withBus: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.view)
	assert.IsType(t, &redis.LeaderboardIndex{}, a.index)
	assert.Contains(t, a.health.Check(context.Background()).Checks, "redis")
}

func TestBuildApp_RedisIndexRequiresRedis(t *testing.T) {
	c := testConfig()
	c.Redis.Disabled = false
	c.Redis.URL = "redis://127.0.0.1:1"
	c.Redis.DialTimeout = 200 * time.Millisecond
	c.Leaderboard.Backend = config.IndexRedis

	_, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestBuildApp_UnreachableRedisIsOptionalForMemoryIndex(t *testing.T) {
	c := testConfig()
	c.Redis.Disabled = false
	c.Redis.URL = "redis://127.0.0.1:1"
	c.Redis.DialTimeout = 200 * time.Millisecond

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.cache)
}

func TestBuildApp_RetriesRedisUntilReachable(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Close()
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = mr.Restart()
	}()

	c := testConfig()
	c.App.ConnectAttempts = 6
	c.Redis.Disabled = false
	c.Redis.URL = "redis://" + mr.Addr()
	c.Redis.DialTimeout = 100 * time.Millisecond
	c.Leaderboard.Backend = config.IndexRedis

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.cache)
}

// A projection that fails while Redis hiccups is re-run by the bus.
func TestBuildApp_ProjectorRetriesTransientIndexFailure(t *testing.T) {
	mr := miniredis.RunT(t)

	c := testConfig()
	c.Redis.Disabled = false
	c.Redis.URL = "redis://" + mr.Addr()
	c.Leaderboard.Backend = config.IndexRedis

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{withBus: true})
	require.NoError(t, err)
	defer a.Close()

	week := a.calendar.StartOfWeek(a.calendar.Now())
	mr.SetError("ERR injected outage")
	go func() {
		time.Sleep(80 * time.Millisecond)
		mr.SetError("")
	}()

	require.NoError(t, a.bus.Publish(context.Background(), shared.NewXPCreditedEvent("alice", 1, "question_answered", 10, 10, 10, week, 10, week)))
	a.bus.Drain()

	rank, err := a.index.RankOf(context.Background(), leaderboard.PeriodAllTime, "alice")
	require.NoError(t, err)
	assert.Equal(t, shared.Rank(1), rank)
}

func TestBuildApp_PostgresStoreNeedsURL(t *testing.T) {
	c := testConfig()
	c.Store.Backend = config.StorePostgres
	c.Database.URL = ""

	_, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestNewScheduler_RegistersLeaderboardJobs(t *testing.T) {
	c := testConfig()
	c.Scheduler.Enabled = false

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{withBus: true})
	require.NoError(t, err)
	defer a.Close()

	sched, err := newScheduler(a)
	require.NoError(t, err)

	enabled := map[string]bool{}
	for _, info := range sched.ListJobs() {
		enabled[info.Name] = info.Enabled
	}
	assert.Equal(t, map[string]bool{
		"refresh_leaderboard": true,
		jobRebuild:            false,
		jobWeeklyRollover:     false,
	}, enabled)
}

func TestNewScheduler_RejectsBadRolloverCron(t *testing.T) {
	c := testConfig()
	c.Scheduler.WeeklyRolloverCron = "every monday"

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{})
	require.NoError(t, err)
	defer a.Close()

	_, err = newScheduler(a)
	assert.ErrorContains(t, err, "weekly rollover schedule")
}

// The startup rebuild fills the in-memory index from whatever the store holds.
func TestStartupRebuild_RestoresRanking(t *testing.T) {
	c := testConfig()
	c.Store.Backend = config.StoreBadger
	c.Store.BadgerInMemory = true

	a, err := buildApp(context.Background(), c, zap.NewNop(), buildOptions{withBus: true})
	require.NoError(t, err)
	defer a.Close()

	now := time.Date(2024, 1, 3, 12, 0, 0, 0, timeutil.AlmatyTZ)
	a.calendar = a.calendar.WithClock(func() time.Time { return now })
	apply := command.NewApplyEventHandler(a.store, progress.StaticCatalog{Questions: map[string]shared.XP{"q1": 40}}, a.bus, a.calendar,
		command.ApplyEventConfig{DailyXPCap: 100})
	for _, id := range []string{"alice", "bob"} {
		_, err := apply.Handle(context.Background(), command.ApplyEventCommand{
			LearnerID: id,
			Event:     progress.QuestionAnswered{QuestionID: "q1", Correct: true, At: now.Add(-time.Hour)},
		})
		require.NoError(t, err)
	}
	a.bus.Drain()

	sched, err := newScheduler(a)
	require.NoError(t, err)
	_, err = sched.RunNow(context.Background(), jobRebuild)
	require.NoError(t, err)

	size, err := a.index.Size(context.Background(), leaderboard.PeriodAllTime)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("questions:\n  q1: 10\npractices:\n  p1: 50\n"), 0o600))

	catalog, err := loadCatalogFile(path)
	require.NoError(t, err)

	points, err := catalog.QuestionPoints(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, shared.XP(10), points)

	points, err = catalog.PracticePoints(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, shared.XP(50), points)

	_, err = catalog.QuestionPoints(context.Background(), "q2")
	assert.ErrorIs(t, err, progress.ErrUnknownContent)
}

func TestLoadCatalogFile_Errors(t *testing.T) {
	dir := t.TempDir()

	empty, err := loadCatalogFile("")
	require.NoError(t, err)
	assert.Empty(t, empty.Questions)

	_, err = loadCatalogFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("questions:\n  q1: -5\n"), 0o600))
	_, err = loadCatalogFile(negative)
	assert.ErrorIs(t, err, shared.ErrNegativeValue)
}
