package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

// lookupFailure counts only real database failures against a breaker:
// unknown content and unknown learners are answers, not outages.
func lookupFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !shared.IsNotFound(err) && !errors.Is(err, progress.ErrUnknownContent)
}

// NewLookupBreaker returns the breaker shared by Catalog and Directory.
func NewLookupBreaker(onStateChange func(name string, from, to circuitbreaker.State)) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.LookupBreaker("postgres-lookups", onStateChange, lookupFailure)
}

func guard[T any](ctx context.Context, cb *circuitbreaker.CircuitBreaker, domain, op string, fn func(context.Context) (T, error)) (T, error) {
	if cb == nil {
		return fn(ctx)
	}
	v, err := circuitbreaker.Do(ctx, cb, fn)
	if circuitbreaker.IsRejected(err) {
		return v, shared.WrapError(domain, op, shared.ErrServiceUnavailable, "lookup temporarily disabled", err)
	}
	return v, err
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT CATALOG (read-only)
// ══════════════════════════════════════════════════════════════════════════════

// Catalog implements progress.Catalog over the admin backend's
// questions and code_practices tables.
type Catalog struct {
	conn    *Connection
	breaker *circuitbreaker.CircuitBreaker
}

// NewCatalog creates a new Catalog. breaker may be nil.
func NewCatalog(conn *Connection, breaker *circuitbreaker.CircuitBreaker) *Catalog {
	return &Catalog{conn: conn, breaker: breaker}
}

// QuestionPoints returns the configured point value of a question.
func (c *Catalog) QuestionPoints(ctx context.Context, questionID string) (shared.XP, error) {
	return c.points(ctx, `SELECT points FROM questions WHERE id = $1`, questionID)
}

// PracticePoints returns the configured XP value of a code practice.
func (c *Catalog) PracticePoints(ctx context.Context, practiceID string) (shared.XP, error) {
	return c.points(ctx, `SELECT xp FROM code_practices WHERE id = $1`, practiceID)
}

func (c *Catalog) points(ctx context.Context, query, id string) (shared.XP, error) {
	return guard(ctx, c.breaker, "progress", "ResolvePoints", func(ctx context.Context) (shared.XP, error) {
		ctx, cancel := c.conn.withTimeout(ctx)
		defer cancel()

		var points int32
		if err := c.conn.QueryRow(ctx, query, id).Scan(&points); err != nil {
			if IsNoRows(err) {
				return 0, progress.ErrUnknownContent
			}
			return 0, fmt.Errorf("failed to read catalog: %w", err)
		}
		return shared.NewXP(int(points))
	})
}

var _ progress.Catalog = (*Catalog)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// USER DIRECTORY (read-only)
// ══════════════════════════════════════════════════════════════════════════════

// Directory implements leaderboard.Directory over the users table.
type Directory struct {
	conn    *Connection
	breaker *circuitbreaker.CircuitBreaker
}

// NewDirectory creates a new Directory. breaker may be nil.
func NewDirectory(conn *Connection, breaker *circuitbreaker.CircuitBreaker) *Directory {
	return &Directory{conn: conn, breaker: breaker}
}

// LearnerExists reports whether an active user with this ID exists.
func (d *Directory) LearnerExists(ctx context.Context, learnerID shared.LearnerID) (bool, error) {
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := d.conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND is_active)`,
		string(learnerID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check learner: %w", err)
	}
	return exists, nil
}

// DisplayName returns the user's display name.
func (d *Directory) DisplayName(ctx context.Context, learnerID shared.LearnerID) (string, error) {
	return guard(ctx, d.breaker, "leaderboard", "DisplayName", func(ctx context.Context) (string, error) {
		ctx, cancel := d.conn.withTimeout(ctx)
		defer cancel()

		var name string
		err := d.conn.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, string(learnerID)).Scan(&name)
		if err != nil {
			if IsNoRows(err) {
				return "", shared.WrapError("leaderboard", "DisplayName", shared.ErrNotFound, "learner not found", err)
			}
			return "", fmt.Errorf("failed to read display name: %w", err)
		}
		return name, nil
	})
}

var _ leaderboard.Directory = (*Directory)(nil)
