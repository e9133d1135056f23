package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// scanBatchSize is the page size of the keyset scan used by Scan.
const scanBatchSize = 500

const progressColumns = `
	learner_id, total_xp, daily_xp_earned, daily_xp_cap, last_xp_reset_date,
	current_streak_days, highest_streak_days, last_active_date,
	week_start, weekly_xp,
	completed_questions, completed_code_practices, lesson_stars,
	version, created_at, updated_at
`

// ProgressStore implements progress.Store on the learner_progress table.
// The version column is the optimistic lock: every write is conditional on it.
type ProgressStore struct {
	conn *Connection
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{conn: conn}
}

// Load returns the learner's aggregate or progress.ErrProgressNotFound.
func (s *ProgressStore) Load(ctx context.Context, learnerID shared.LearnerID) (*progress.Aggregate, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + progressColumns + ` FROM learner_progress WHERE learner_id = $1`
	agg, err := scanAggregate(s.conn.QueryRow(ctx, query, string(learnerID)))
	if err != nil {
		if IsNoRows(err) {
			return nil, progress.ErrProgressNotFound
		}
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return agg, nil
}

// CompareAndSwap writes next if the stored version equals expectedVersion.
// expectedVersion 0 inserts; a concurrent insert loses on the primary key.
func (s *ProgressStore) CompareAndSwap(ctx context.Context, learnerID shared.LearnerID, expectedVersion uint64, next *progress.Aggregate) error {
	if next == nil || next.LearnerID != learnerID {
		return progress.ErrInvalidEvent.With("CompareAndSwap", nil)
	}
	if err := next.CheckInvariants(); err != nil {
		return progress.ErrInvalidEvent.With("CompareAndSwap", err)
	}

	row, err := toRow(next)
	if err != nil {
		return err
	}

	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	newVersion := int64(expectedVersion + 1)
	var affected int64

	if expectedVersion == 0 {
		query := `
			INSERT INTO learner_progress (` + progressColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (learner_id) DO NOTHING
		`
		tag, err := s.conn.Exec(ctx, query,
			row.learnerID, row.totalXP, row.dailyEarned, row.dailyCap, row.resetDate,
			row.currentStreak, row.highestStreak, row.lastActive,
			row.weekStart, row.weeklyXP,
			row.questions, row.practices, row.stars,
			newVersion, row.createdAt, row.updatedAt,
		)
		if err != nil {
			return mapWriteError(err)
		}
		affected = tag.RowsAffected()
	} else {
		query := `
			UPDATE learner_progress SET
				total_xp = $2,
				daily_xp_earned = $3,
				daily_xp_cap = $4,
				last_xp_reset_date = $5,
				current_streak_days = $6,
				highest_streak_days = $7,
				last_active_date = $8,
				week_start = $9,
				weekly_xp = $10,
				completed_questions = $11,
				completed_code_practices = $12,
				lesson_stars = $13,
				version = $14
			WHERE learner_id = $1 AND version = $15
		`
		tag, err := s.conn.Exec(ctx, query,
			row.learnerID, row.totalXP, row.dailyEarned, row.dailyCap, row.resetDate,
			row.currentStreak, row.highestStreak, row.lastActive,
			row.weekStart, row.weeklyXP,
			row.questions, row.practices, row.stars,
			newVersion, int64(expectedVersion),
		)
		if err != nil {
			return mapWriteError(err)
		}
		affected = tag.RowsAffected()
	}

	if affected == 0 {
		return progress.ErrVersionConflict
	}
	next.Version = uint64(newVersion)
	return nil
}

// Delete removes the learner's aggregate.
func (s *ProgressStore) Delete(ctx context.Context, learnerID shared.LearnerID) error {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	tag, err := s.conn.Exec(ctx, `DELETE FROM learner_progress WHERE learner_id = $1`, string(learnerID))
	if err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return progress.ErrProgressNotFound
	}
	return nil
}

// Scan walks the table in learner_id order, one page per query,
// so no cursor stays open while fn runs.
func (s *ProgressStore) Scan(ctx context.Context, fn func(*progress.Aggregate) error) error {
	after := ""
	for {
		page, err := s.page(ctx, after)
		if err != nil {
			return err
		}
		for _, agg := range page {
			if err := fn(agg); err != nil {
				return err
			}
		}
		if len(page) < scanBatchSize {
			return nil
		}
		after = string(page[len(page)-1].LearnerID)
	}
}

func (s *ProgressStore) page(ctx context.Context, after string) ([]*progress.Aggregate, error) {
	ctx, cancel := s.conn.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + progressColumns + `
		FROM learner_progress
		WHERE learner_id > $1
		ORDER BY learner_id
		LIMIT $2`
	rows, err := s.conn.Query(ctx, query, after, scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan progress: %w", err)
	}
	defer rows.Close()

	page := make([]*progress.Aggregate, 0, scanBatchSize)
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		page = append(page, agg)
	}
	return page, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Row mapping
// ─────────────────────────────────────────────────────────────────────────────

type progressRow struct {
	learnerID     string
	totalXP       int64
	dailyEarned   int32
	dailyCap      int32
	resetDate     pgtype.Date
	currentStreak int32
	highestStreak int32
	lastActive    pgtype.Date
	weekStart     pgtype.Date
	weeklyXP      int64
	questions     []byte
	practices     []byte
	stars         []byte
	createdAt     time.Time
	updatedAt     time.Time
}

func toRow(a *progress.Aggregate) (*progressRow, error) {
	questions, err := json.Marshal(a.CompletedQuestions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completed questions: %w", err)
	}
	practices, err := json.Marshal(a.CompletedCodePractices)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completed practices: %w", err)
	}
	stars, err := json.Marshal(a.LessonStars)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lesson stars: %w", err)
	}

	now := time.Now().UTC()
	created, updated := a.CreatedAt, a.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	return &progressRow{
		learnerID:     string(a.LearnerID),
		totalXP:       int64(a.TotalXP),
		dailyEarned:   int32(a.DailyXPEarned),
		dailyCap:      int32(a.DailyXPCap),
		resetDate:     toPgDate(a.LastXPResetDate),
		currentStreak: int32(a.CurrentStreakDays),
		highestStreak: int32(a.HighestStreakDays),
		lastActive:    toPgDate(a.LastActiveDate),
		weekStart:     toPgDate(a.WeekStart),
		weeklyXP:      int64(a.WeeklyXP),
		questions:     questions,
		practices:     practices,
		stars:         stars,
		createdAt:     created,
		updatedAt:     updated,
	}, nil
}

func scanAggregate(row pgx.Row) (*progress.Aggregate, error) {
	var (
		r       progressRow
		version int64
	)
	err := row.Scan(
		&r.learnerID, &r.totalXP, &r.dailyEarned, &r.dailyCap, &r.resetDate,
		&r.currentStreak, &r.highestStreak, &r.lastActive,
		&r.weekStart, &r.weeklyXP,
		&r.questions, &r.practices, &r.stars,
		&version, &r.createdAt, &r.updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agg := &progress.Aggregate{
		LearnerID:         shared.LearnerID(r.learnerID),
		TotalXP:           shared.XP(r.totalXP),
		DailyXPEarned:     shared.XP(r.dailyEarned),
		DailyXPCap:        shared.XP(r.dailyCap),
		LastXPResetDate:   fromPgDate(r.resetDate),
		CurrentStreakDays: int(r.currentStreak),
		HighestStreakDays: int(r.highestStreak),
		LastActiveDate:    fromPgDate(r.lastActive),
		WeekStart:         fromPgDate(r.weekStart),
		WeeklyXP:          shared.XP(r.weeklyXP),
		Version:           uint64(version),
		CreatedAt:         r.createdAt,
		UpdatedAt:         r.updatedAt,
	}
	if err := json.Unmarshal(r.questions, &agg.CompletedQuestions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed questions: %w", err)
	}
	if err := json.Unmarshal(r.practices, &agg.CompletedCodePractices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed practices: %w", err)
	}
	if err := json.Unmarshal(r.stars, &agg.LessonStars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lesson stars: %w", err)
	}
	return agg.Clone(), nil
}

func toPgDate(d timeutil.Date) pgtype.Date {
	if d.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.In(time.UTC), Valid: true}
}

func fromPgDate(d pgtype.Date) timeutil.Date {
	if !d.Valid {
		return timeutil.Date{}
	}
	return timeutil.DateOf(d.Time.UTC())
}

func mapWriteError(err error) error {
	switch {
	case IsUniqueViolation(err), IsSerializationFailure(err):
		return progress.ErrVersionConflict
	case IsCheckViolation(err):
		return progress.ErrInvalidEvent.With("CompareAndSwap", err)
	default:
		return fmt.Errorf("failed to write progress: %w", err)
	}
}

var _ progress.Store = (*ProgressStore)(nil)
