package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	Up          string // SQL to apply migration
	Down        string // SQL to rollback migration (optional)
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Enforce outcome and status enums on sessions and attempts",
			Up: `
				DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT 1 FROM pg_constraint
						WHERE conname = 'chk_sessions_outcome'
					) THEN
						ALTER TABLE sessions
						ADD CONSTRAINT chk_sessions_outcome
						CHECK (outcome IN ('not_started', 'in_progress', 'succeeded', 'exhausted', 'aborted'));
					END IF;
				END $$;

				DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT 1 FROM pg_constraint
						WHERE conname = 'chk_attempts_status'
					) THEN
						ALTER TABLE attempts
						ADD CONSTRAINT chk_attempts_status
						CHECK (status IN ('pending', 'running', 'succeeded', 'failed', 'timed_out', 'errored'));
					END IF;
				END $$;
			`,
			Down: `
				ALTER TABLE sessions DROP CONSTRAINT IF EXISTS chk_sessions_outcome;
				ALTER TABLE attempts DROP CONSTRAINT IF EXISTS chk_attempts_status;
			`,
		},
		{
			Version:     2,
			Description: "Add composite and GIN indexes for session history queries",
			Up: `
				-- Session history per target: WHERE target = ? ORDER BY started_at DESC
				CREATE INDEX IF NOT EXISTS idx_sessions_target_started ON sessions(target, started_at DESC);

				-- Attempt replay in launch order: WHERE session_id = ? ORDER BY started_at ASC
				CREATE INDEX IF NOT EXISTS idx_attempts_session_started ON attempts(session_id, started_at ASC);

				-- Candidate metadata queries, e.g. candidate @> '{"rank": "excellent"}'
				CREATE INDEX IF NOT EXISTS idx_attempts_candidate_gin ON attempts USING GIN (candidate);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_sessions_target_started;
				DROP INDEX IF EXISTS idx_attempts_session_started;
				DROP INDEX IF EXISTS idx_attempts_candidate_gin;
			`,
		},
		{
			Version:     3,
			Description: "Track attempt status counts per session for cheap stats",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_attempts_status;
			`,
		},
	}
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist
func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`

	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// getAppliedMigrations returns a map of applied migration versions
func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := mr.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	allMigrations := GetAllMigrations()
	sort.Slice(allMigrations, func(i, j int) bool {
		return allMigrations[i].Version < allMigrations[j].Version
	})

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	if pendingCount == 0 {
		mr.log.Debugw("Database schema is up to date",
			"component", "migrations",
			"latest_version", allMigrations[len(allMigrations)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Found pending migrations",
		"component", "migrations",
		"pending_count", pendingCount,
	)

	for _, migration := range allMigrations {
		if appliedMigrations[migration.Version] {
			continue
		}

		if err := mr.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully",
		"component", "migrations",
		"migrations_applied", pendingCount,
	)

	return nil
}

// applyMigration applies a single migration
func (mr *MigrationRunner) applyMigration(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"component", "migrations",
			"version", migration.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	checksum := fmt.Sprintf("%x", migration.Version)
	recordQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.ExecContext(ctx, recordQuery, migration.Version, migration.Description, time.Now(), checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// GetMigrationStatus returns the current migration status
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (map[string]interface{}, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	allMigrations := GetAllMigrations()
	latestVersion := 0
	if len(allMigrations) > 0 {
		latestVersion = allMigrations[len(allMigrations)-1].Version
	}

	appliedVersion := 0
	for version := range appliedMigrations {
		if version > appliedVersion {
			appliedVersion = version
		}
	}

	pendingCount := 0
	for _, migration := range allMigrations {
		if !appliedMigrations[migration.Version] {
			pendingCount++
		}
	}

	return map[string]interface{}{
		"current_version": appliedVersion,
		"latest_version":  latestVersion,
		"pending_count":   pendingCount,
		"is_up_to_date":   pendingCount == 0,
		"applied_count":   len(appliedMigrations),
		"available_count": len(allMigrations),
	}, nil
}

// RollbackMigration rolls back a single applied migration by version
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	mr.log.Warnw("Rolling back migration",
		"component", "migrations",
		"version", version,
	)

	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			migration = &m
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}

	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	return nil
}

// CheckColumnExists checks if a column exists in a table (helper for conditional migrations)
func CheckColumnExists(ctx context.Context, db *sqlx.DB, tableName, columnName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)
	`

	var exists bool
	err := db.QueryRowContext(ctx, query, tableName, columnName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check column existence: %w", err)
	}

	return exists, nil
}

// CheckTableExists checks if a table exists (helper for conditional migrations)
func CheckTableExists(ctx context.Context, db *sqlx.DB, tableName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_name = $1
		)
	`

	var exists bool
	err := db.QueryRowContext(ctx, query, tableName).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}

	return exists, nil
}
