package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Is(t *testing.T) {
	sentinel := NewDomainError("progress", "Load", ErrNotFound, "progress not found")
	cause := errors.New("row missing")
	wrapped := sentinel.With("GetProgress", cause)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, IsNotFound(fmt.Errorf("query: %w", wrapped)))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, "progress.GetProgress: progress not found: row missing", wrapped.Error())
}

func TestDomainError_DistinctSentinels(t *testing.T) {
	a := NewDomainError("progress", "Load", ErrNotFound, "progress not found")
	b := NewDomainError("leaderboard", "RankOf", ErrNotFound, "learner not ranked")

	assert.False(t, errors.Is(a, b))
	assert.False(t, errors.Is(b, a))
}

func TestClassifiers(t *testing.T) {
	contention := NewDomainError("progress", "ApplyEvent", ErrConcurrentModification, "contention")
	invalid := NewDomainError("progress", "Validate", ErrValidation, "bad event")

	assert.True(t, IsRetryable(contention))
	assert.False(t, IsRetryable(invalid))
	assert.True(t, IsValidation(invalid))
	assert.False(t, IsValidation(contention))
}
