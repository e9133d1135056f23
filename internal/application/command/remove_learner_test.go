package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestRemoveLearner_DeletesProgressAndRanking(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		_, err := f.handler.Handle(ctx, ApplyEventCommand{
			LearnerID: id,
			Event:     progress.CodePracticeCompleted{PracticeID: "p-50", IsCorrect: true, At: at("2024-01-03", 9)},
		})
		require.NoError(t, err)
	}

	h := NewRemoveLearnerHandler(f.store, f.view, f.bus, nil)
	require.NoError(t, h.Handle(ctx, RemoveLearnerCommand{LearnerID: "alice", CorrelationID: "req-9"}))

	_, err := f.store.Load(ctx, "alice")
	assert.ErrorIs(t, err, progress.ErrProgressNotFound)

	removed := f.eventsOf(shared.EventLearnerRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "req-9", removed[0].(shared.LearnerRemovedEvent).CorrelationID)

	_, err = f.view.Refresh(ctx)
	require.NoError(t, err)

	_, err = f.view.RankOf(ctx, leaderboard.PeriodAllTime, "alice")
	assert.ErrorIs(t, err, leaderboard.ErrNotRanked)

	rank, err := f.view.RankOf(ctx, leaderboard.PeriodAllTime, "bob")
	require.NoError(t, err)
	assert.Equal(t, shared.Rank(1), rank)
}

func TestRemoveLearner_UnknownLearnerStillCleansIndex(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	ctx := context.Background()

	// A standing without a stored aggregate, as left behind by a partial failure.
	require.NoError(t, f.view.Apply(ctx, leaderboard.Standing{LearnerID: "ghost", TotalXP: 10, Version: 1}))

	h := NewRemoveLearnerHandler(f.store, f.view, nil, nil)
	err := h.Handle(ctx, RemoveLearnerCommand{LearnerID: "ghost"})
	assert.ErrorIs(t, err, progress.ErrProgressNotFound)
	assert.True(t, shared.IsNotFound(err))
	assert.Zero(t, f.view.Pending())
}

func TestRemoveLearner_InvalidID(t *testing.T) {
	f := newFixture(t, ApplyEventConfig{})
	h := NewRemoveLearnerHandler(f.store, f.view, f.bus, nil)

	err := h.Handle(context.Background(), RemoveLearnerCommand{LearnerID: ""})
	assert.True(t, shared.IsValidation(err))
	assert.Empty(t, f.eventsOf(shared.EventLearnerRemoved))
}
