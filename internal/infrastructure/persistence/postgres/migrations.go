package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE LEARNER PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS learner_progress (
    learner_id VARCHAR(128) PRIMARY KEY,
    total_xp BIGINT NOT NULL DEFAULT 0,
    daily_xp_earned INTEGER NOT NULL DEFAULT 0,
    daily_xp_cap INTEGER NOT NULL,
    last_xp_reset_date DATE,
    current_streak_days INTEGER NOT NULL DEFAULT 0,
    highest_streak_days INTEGER NOT NULL DEFAULT 0,
    last_active_date DATE,
    week_start DATE,
    weekly_xp BIGINT NOT NULL DEFAULT 0,
    completed_questions JSONB NOT NULL DEFAULT '[]'::jsonb,
    completed_code_practices JSONB NOT NULL DEFAULT '[]'::jsonb,
    lesson_stars JSONB NOT NULL DEFAULT '{}'::jsonb,
    version BIGINT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_xp CHECK (total_xp >= 0),
    CONSTRAINT valid_weekly_xp CHECK (weekly_xp >= 0),
    CONSTRAINT valid_daily_xp CHECK (daily_xp_earned >= 0 AND daily_xp_earned <= daily_xp_cap),
    CONSTRAINT valid_streak CHECK (current_streak_days >= 0 AND highest_streak_days >= current_streak_days),
    CONSTRAINT valid_version CHECK (version >= 1)
);

-- Rebuild and cold-start reads come in leaderboard order
CREATE INDEX IF NOT EXISTS idx_learner_progress_total_xp
    ON learner_progress(total_xp DESC, learner_id ASC);
CREATE INDEX IF NOT EXISTS idx_learner_progress_weekly
    ON learner_progress(week_start, weekly_xp DESC, learner_id ASC);

CREATE OR REPLACE FUNCTION touch_learner_progress()
RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_learner_progress_touch ON learner_progress;
CREATE TRIGGER trg_learner_progress_touch
    BEFORE UPDATE ON learner_progress
    FOR EACH ROW EXECUTE FUNCTION touch_learner_progress();
`

const migration001Down = `
DROP TRIGGER IF EXISTS trg_learner_progress_touch ON learner_progress;
DROP FUNCTION IF EXISTS touch_learner_progress();
DROP TABLE IF EXISTS learner_progress;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CONTENT CATALOG AND USER DIRECTORY
// ══════════════════════════════════════════════════════════════════════════════

// The admin backend owns these tables; IF NOT EXISTS keeps standalone
// deployments and integration tests working without it.
const migration002Up = `
CREATE TABLE IF NOT EXISTS questions (
    id VARCHAR(128) PRIMARY KEY,
    points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0)
);

CREATE TABLE IF NOT EXISTS code_practices (
    id VARCHAR(128) PRIMARY KEY,
    xp INTEGER NOT NULL DEFAULT 0 CHECK (xp >= 0)
);

CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(128) PRIMARY KEY,
    display_name VARCHAR(100) NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);
`

const migration002Down = `
DROP TABLE IF EXISTS users;
DROP TABLE IF EXISTS code_practices;
DROP TABLE IF EXISTS questions;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_learner_progress", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_content_catalog", UpSQL: migration002Up, DownSQL: migration002Down},
	}
}

// Migrator applies embedded migrations and records them in schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
	logger     *zap.Logger
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
		logger:     conn.logger.Named("migrator"),
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns applied versions with their timestamps.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		m.logger.Info("migration applied", zap.Int("version", mig.Version), zap.String("name", mig.Name))
	}
	return nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var lastVersion int
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}
	if lastVersion == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	err = m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", lastVersion, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), lastVersion)
		return err
	})
	if err == nil {
		m.logger.Info("migration rolled back", zap.Int("version", lastVersion))
	}
	return err
}

// Status returns every known migration annotated with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if appliedAt, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = appliedAt
		}
	}
	return result, nil
}
