package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

func TestGuard_OpenBreakerIsServiceUnavailable(t *testing.T) {
	cb := NewLookupBreaker(nil)
	ctx := context.Background()
	down := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		_, err := guard(ctx, cb, "leaderboard", "DisplayName", func(context.Context) (string, error) { return "", down })
		assert.ErrorIs(t, err, down)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	_, err := guard(ctx, cb, "leaderboard", "DisplayName", func(context.Context) (string, error) { return "x", nil })
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.True(t, shared.IsRetryable(err))
}

func TestGuard_UnknownContentDoesNotTrip(t *testing.T) {
	cb := NewLookupBreaker(nil)
	for i := 0; i < 5; i++ {
		_, err := guard(context.Background(), cb, "progress", "ResolvePoints", func(context.Context) (shared.XP, error) {
			return 0, progress.ErrUnknownContent
		})
		assert.ErrorIs(t, err, progress.ErrUnknownContent)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

func TestGuard_NilBreakerPassesThrough(t *testing.T) {
	v, err := guard(context.Background(), nil, "progress", "ResolvePoints", func(context.Context) (shared.XP, error) { return 7, nil })
	assert.NoError(t, err)
	assert.Equal(t, shared.XP(7), v)
}
