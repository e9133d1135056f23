package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/projections"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fixture
// ──────────────────────────────────────────────────────────────────────────────

type fixture struct {
	clock    time.Time
	calendar *timeutil.Calendar
	store    *memory.ProgressStore
	bus      *messaging.InMemoryEventBus
	view     *projections.LeaderboardView
	handler  *ApplyEventHandler

	mu     sync.Mutex
	events []shared.Event
}

func newFixture(t *testing.T, cfg ApplyEventConfig, opts ...ApplyEventOption) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2024, 1, 3, 12, 0, 0, 0, timeutil.AlmatyTZ)}
	f.calendar = timeutil.NewCalendar(timeutil.AlmatyTZ).WithClock(func() time.Time { return f.clock })
	f.store = memory.NewProgressStore()

	busCfg := messaging.DefaultConfig()
	busCfg.AsyncMode = false
	f.bus = messaging.NewInMemoryEventBus(busCfg)
	t.Cleanup(func() { _ = f.bus.Close() })

	f.view = projections.NewLeaderboardView(f.calendar, nil)
	require.NoError(t, eventhandler.NewLeaderboardProjector(f.view, nil).Register(f.bus))
	require.NoError(t, f.bus.SubscribeAll(func(_ context.Context, e shared.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	}))

	catalog := progress.StaticCatalog{
		Questions: map[string]shared.XP{"q-90": 90, "q-20": 20, "q-10": 10},
		Practices: map[string]shared.XP{"p-50": 50},
	}
	f.handler = NewApplyEventHandler(f.store, catalog, f.bus, f.calendar, cfg, opts...)
	return f
}

func (f *fixture) eventsOf(typ shared.EventType) []shared.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shared.Event
	for _, e := range f.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func at(date string, hour int) time.Time {
	d := timeutil.MustDate(date)
	return time.Date(d.Year, d.Month, d.Day, hour, 0, 0, 0, timeutil.AlmatyTZ)
}

func answer(questionID string, correct bool, when time.Time) ApplyEventCommand {
	return ApplyEventCommand{
		LearnerID: "learner-1",
		Event:     progress.QuestionAnswered{QuestionID: questionID, Correct: correct, At: when},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

func TestApplyEvent_CapClampsCredit(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{DailyXPCap: 100})
	ctx := context.Background()
	when := at("2024-01-03", 10)

	agg, err := f.handler.Handle(ctx, answer("q-90", true, when))
	require.NoError(t, err)
	assert.Equal(t, shared.XP(90), agg.DailyXPEarned)

	agg, err = f.handler.Handle(ctx, answer("q-20", true, when))
	require.NoError(t, err)
	assert.Equal(t, shared.XP(100), agg.TotalXP)
	assert.Equal(t, shared.XP(100), agg.DailyXPEarned)
	assert.Equal(t, uint64(2), agg.Version)

	require.Len(t, agg.CompletedQuestions, 2)
	assert.Equal(t, shared.XP(20), agg.CompletedQuestions[1].PointsAwarded, "nominal points are kept for audit")
	assert.Equal(t, shared.XP(10), agg.CompletedQuestions[1].CreditedXP)

	assert.Len(t, f.eventsOf(shared.EventDailyCapReached), 1)

	// Over cap: recorded, nothing credited.
	agg, err = f.handler.Handle(ctx, answer("q-10", true, when))
	require.NoError(t, err)
	assert.Equal(t, shared.XP(100), agg.TotalXP)
	assert.Len(t, agg.CompletedQuestions, 3)
}

func TestApplyEvent_NewDayResetsDailyAndStreak(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{DailyXPCap: 100})
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, answer("q-90", true, at("2024-01-01", 9)))
	require.NoError(t, err)

	agg, err := f.handler.Handle(ctx, answer("q-20", true, at("2024-01-03", 9)))
	require.NoError(t, err)

	assert.Equal(t, shared.XP(20), agg.DailyXPEarned)
	assert.Equal(t, timeutil.MustDate("2024-01-03"), agg.LastXPResetDate)
	assert.Equal(t, shared.XP(110), agg.TotalXP)
	assert.Equal(t, 1, agg.CurrentStreakDays)
	assert.Equal(t, 1, agg.HighestStreakDays)

	broken := f.eventsOf(shared.EventStreakBroken)
	require.Len(t, broken, 1)
	e := broken[0].(shared.StreakBrokenEvent)
	assert.Equal(t, 1, e.PreviousStreak)
	assert.Equal(t, timeutil.MustDate("2024-01-01"), e.LastActiveDate)
}

func TestApplyEvent_IncorrectAndStarredEarnNothingButCountAsActivity(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	agg, err := f.handler.Handle(ctx, answer("unknown-question", false, at("2024-01-02", 9)))
	require.NoError(t, err, "incorrect answers never consult the catalog")
	assert.Equal(t, shared.XP(0), agg.TotalXP)
	assert.Equal(t, 1, agg.CurrentStreakDays)

	agg, err = f.handler.Handle(ctx, ApplyEventCommand{
		LearnerID: "learner-1",
		Event:     &progress.LessonStarred{LessonID: "l1", Stars: 3, At: at("2024-01-03", 9)},
	})
	require.NoError(t, err)
	assert.Equal(t, shared.XP(0), agg.TotalXP)
	assert.Equal(t, 2, agg.CurrentStreakDays)
	assert.Equal(t, shared.Stars(3), agg.LessonStars["l1"])
}

func TestApplyEvent_SameDayReplayIsIdempotentForStreak(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		agg, err := f.handler.Handle(ctx, answer("q-10", true, at("2024-01-03", 8+i)))
		require.NoError(t, err)
		assert.Equal(t, 1, agg.CurrentStreakDays)
	}
}

func TestApplyEvent_ValidationHappensBeforeStoreAccess(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	cases := map[string]ApplyEventCommand{
		"missing learner": {Event: progress.QuestionAnswered{QuestionID: "q-10", Correct: true, At: at("2024-01-03", 9)}},
		"missing event":   {LearnerID: "learner-1"},
		"missing id":      answer("", true, at("2024-01-03", 9)),
		"zero time":       answer("q-10", true, time.Time{}),
		"future":          answer("q-10", true, f.clock.Add(time.Hour)),
		"too many stars": {LearnerID: "learner-1", Event: progress.LessonStarred{
			LessonID: "l1", Stars: 4, At: at("2024-01-03", 9),
		}},
		"negative points": {LearnerID: "learner-1", Event: progress.CodePracticeCompleted{
			PracticeID: "p-50", IsCorrect: true, Points: ptr(-5), At: at("2024-01-03", 9),
		}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.handler.Handle(ctx, cmd)
			assert.ErrorIs(t, err, progress.ErrInvalidEvent)
			assert.True(t, shared.IsValidation(err))
		})
	}
	assert.Zero(t, f.store.Len())

	_, err := f.handler.Handle(ctx, answer("q-10", true, f.clock.Add(time.Hour)))
	assert.ErrorIs(t, err, shared.ErrFutureTimestamp)
}

func TestApplyEvent_UnknownContent(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	_, err := f.handler.Handle(context.Background(), answer("nope", true, at("2024-01-03", 9)))
	assert.ErrorIs(t, err, progress.ErrUnknownContent)
	assert.Zero(t, f.store.Len())
}

func TestApplyEvent_PointsOverrideSkipsCatalog(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	agg, err := f.handler.Handle(context.Background(), ApplyEventCommand{
		LearnerID: "learner-1",
		Event:     progress.CodePracticeCompleted{PracticeID: "not-in-catalog", IsCorrect: true, Points: ptr(35), At: at("2024-01-03", 9)},
	})
	require.NoError(t, err)
	assert.Equal(t, shared.XP(35), agg.TotalXP)
}

func TestApplyEvent_PublishesStandingToIndex(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, ApplyEventCommand{
		LearnerID: "bob",
		Event:     progress.CodePracticeCompleted{PracticeID: "p-50", IsCorrect: true, At: at("2024-01-03", 9)},
	})
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, ApplyEventCommand{
		LearnerID:     "alice",
		CorrelationID: "req-1",
		Event:         progress.CodePracticeCompleted{PracticeID: "p-50", IsCorrect: true, At: at("2024-01-03", 10)},
	})
	require.NoError(t, err)

	credited := f.eventsOf(shared.EventXPCredited)
	require.Len(t, credited, 2)
	last := credited[1].(shared.XPCreditedEvent)
	assert.Equal(t, "alice", last.LearnerID)
	assert.Equal(t, uint64(1), last.Version)
	assert.Equal(t, timeutil.MustDate("2024-01-01"), last.WeekStart)
	assert.Equal(t, "req-1", last.CorrelationID)

	_, err = f.view.Refresh(ctx)
	require.NoError(t, err)

	top, err := f.view.Top(ctx, leaderboard.PeriodWeekly, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, shared.LearnerID("alice"), top[0].LearnerID, "ties break by learner id")
	assert.Equal(t, shared.LearnerID("bob"), top[1].LearnerID)
}

func TestApplyEvent_FeatureFlagsSuppressOptionalEvents(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{DailyXPCap: 50}, WithFeatureFlags(denyAll{}))
	_, err := f.handler.Handle(context.Background(), ApplyEventCommand{
		LearnerID: "learner-1",
		Event:     progress.CodePracticeCompleted{PracticeID: "p-50", IsCorrect: true, At: at("2024-01-03", 9)},
	})
	require.NoError(t, err)
	assert.Empty(t, f.eventsOf(shared.EventDailyCapReached))
	assert.Len(t, f.eventsOf(shared.EventXPCredited), 1)
}

func TestApplyEvent_ContentionAfterBoundedRetries(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{MaxAttempts: 3})
	store := &conflictingStore{Store: f.store}
	rec := &countingRecorder{}
	h := NewApplyEventHandler(store, progress.StaticCatalog{Questions: map[string]shared.XP{"q": 5}}, nil, f.calendar,
		ApplyEventConfig{MaxAttempts: 3}, WithRecorder(rec))

	_, err := h.Handle(context.Background(), ApplyEventCommand{
		LearnerID: "learner-1",
		Event:     progress.QuestionAnswered{QuestionID: "q", Correct: true, At: at("2024-01-03", 9)},
	})
	assert.ErrorIs(t, err, progress.ErrContention)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 3, rec.conflicts)
	assert.Equal(t, []string{outcomeContention}, rec.outcomes)
}

func TestApplyEvent_NoLostUpdatesUnderConcurrency(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{DailyXPCap: 10_000},
		WithRetrier(retry.ConflictRetrier(50)))
	ctx := context.Background()

	const writers = 40
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.handler.Handle(ctx, ApplyEventCommand{
				LearnerID: "learner-1",
				Event:     progress.QuestionAnswered{QuestionID: "q-10", Correct: true, At: at("2024-01-03", 9)},
			})
			if err != nil {
				assert.ErrorIs(t, err, progress.ErrContention)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	agg, err := f.store.Load(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, shared.XP(10*successes), agg.TotalXP)
	assert.Equal(t, uint64(successes), agg.Version)
	assert.Len(t, agg.CompletedQuestions, successes)
}

// ──────────────────────────────────────────────────────────────────────────────
// Doubles
// ──────────────────────────────────────────────────────────────────────────────

func ptr(n int) *int { return &n }

type denyAll struct{}

func (denyAll) IsEnabledFor(string, string) bool { return false }

type conflictingStore struct {
	progress.Store
	calls int
}

func (s *conflictingStore) CompareAndSwap(context.Context, shared.LearnerID, uint64, *progress.Aggregate) error {
	s.calls++
	return progress.ErrVersionConflict
}

type countingRecorder struct {
	conflicts int
	outcomes  []string
}

func (r *countingRecorder) ApplyFinished(_ string, outcome string, _ int, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}
func (r *countingRecorder) VersionConflict()          { r.conflicts++ }
func (r *countingRecorder) XPCredited(int, int, bool) {}
