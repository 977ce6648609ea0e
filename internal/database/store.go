package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

// Store persists exploit sessions and their attempts in PostgreSQL.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(cfg config.DatabaseConfig) (core.SessionStore, error) {
	log, err := logger.New(config.LoggerConfig{Level: "info", Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}
	log = log.WithComponent("database")

	ctx := context.Background()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", time.Now(), err)
	}()

	start := time.Now()
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect",
			"driver", cfg.Driver,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	migrateStart := time.Now()
	if err := store.migrate(); err != nil {
		log.LogError(ctx, err, "database.Migrate",
			"duration_ms", time.Since(migrateStart).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to run base schema: %w", err)
	}

	runner := NewMigrationRunner(db, log)
	if err := runner.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithContext(ctx).Infow("Database store initialized",
		"driver", cfg.Driver,
		"total_init_duration_ms", time.Since(start).Milliseconds(),
	)

	return store, nil
}

// maskDSN masks sensitive information in DSN for logging
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

// DB exposes the underlying handle for health checks and tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL DEFAULT '',
		service_port INTEGER NOT NULL DEFAULT 0,
		service_protocol TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL DEFAULT '',
		service_product TEXT NOT NULL DEFAULT '',
		service_version TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		candidate_count INTEGER NOT NULL DEFAULT 0,
		skipped_lines INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		target TEXT NOT NULL,
		module_id TEXT NOT NULL,
		module_rank TEXT NOT NULL DEFAULT '',
		candidate JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		raw_output TEXT NOT NULL DEFAULT '',
		artifact_path TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target);
	CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome);
	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_session_id ON attempts(session_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_module_id ON attempts(module_id);
	`

	start := time.Now()
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	s.logger.LogDuration(context.Background(), "database.migrate.schema", start,
		"tables_created", []string{"sessions", "attempts"},
		"success", true,
	)
	return nil
}

func (s *Store) SaveSession(ctx context.Context, session *types.ExploitSession) error {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SaveSession",
		"session_id", session.ID,
		"target", session.Target.Address,
	)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveSession", start, err)
	}()

	query := `
		INSERT INTO sessions (
			id, target, hostname, mac,
			service_port, service_protocol, service_name, service_product, service_version,
			outcome, candidate_count, skipped_lines, error_message,
			started_at, finished_at
		) VALUES (
			:id, :target, :hostname, :mac,
			:service_port, :service_protocol, :service_name, :service_product, :service_version,
			:outcome, :candidate_count, :skipped_lines, :error_message,
			:started_at, :finished_at
		)
	`

	queryStart := time.Now()
	result, err := s.db.NamedExecContext(ctx, query, sessionArgs(session))
	if err != nil {
		s.logger.LogError(ctx, err, "database.SaveSession.insert",
			"session_id", session.ID,
			"query_duration_ms", time.Since(queryStart).Milliseconds(),
		)
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "sessions", rowsAffected, time.Since(queryStart),
		"session_id", session.ID,
		"target", session.Target.Address,
	)
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, session *types.ExploitSession) error {
	query := `
		UPDATE sessions SET
			outcome = :outcome,
			candidate_count = :candidate_count,
			skipped_lines = :skipped_lines,
			error_message = :error_message,
			finished_at = :finished_at
		WHERE id = :id
	`
	_, err := s.db.NamedExecContext(ctx, query, sessionArgs(session))
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.ExploitSession, error) {
	query := `
		SELECT id, target, hostname, mac,
			   service_port, service_protocol, service_name, service_product, service_version,
			   outcome, candidate_count, skipped_lines, error_message,
			   started_at, finished_at
		FROM sessions
		WHERE id = $1
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, err
	}

	attempts, err := s.GetAttempts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Attempts = attempts

	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, filter core.SessionFilter) ([]*types.ExploitSession, error) {
	query := `
		SELECT id, target, hostname, mac,
			   service_port, service_protocol, service_name, service_product, service_version,
			   outcome, candidate_count, skipped_lines, error_message,
			   started_at, finished_at
		FROM sessions
		WHERE 1=1
	`
	args := map[string]interface{}{}

	if filter.Target != "" {
		query += " AND target = :target"
		args["target"] = filter.Target
	}
	if filter.Outcome != "" {
		query += " AND outcome = :outcome"
		args["outcome"] = string(filter.Outcome)
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*types.ExploitSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) SaveAttempt(ctx context.Context, attempt *types.Attempt) error {
	start := time.Now()

	candidateJSON, err := json.Marshal(attempt.Candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate for attempt %s: %w", attempt.ID, err)
	}

	query := `
		INSERT INTO attempts (
			id, session_id, target, module_id, module_rank, candidate,
			status, raw_output, artifact_path, error_message,
			started_at, finished_at
		) VALUES (
			:id, :session_id, :target, :module_id, :module_rank, :candidate,
			:status, :raw_output, :artifact_path, :error_message,
			:started_at, :finished_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			raw_output = EXCLUDED.raw_output,
			artifact_path = EXCLUDED.artifact_path,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at
	`

	args := map[string]interface{}{
		"id":            attempt.ID,
		"session_id":    attempt.SessionID,
		"target":        attempt.TargetAddress,
		"module_id":     attempt.Candidate.ModuleID,
		"module_rank":   string(attempt.Candidate.Rank),
		"candidate":     string(candidateJSON),
		"status":        string(attempt.Status),
		"raw_output":    attempt.RawOutput,
		"artifact_path": attempt.ArtifactPath,
		"error_message": attempt.ErrorMessage,
		"started_at":    attempt.StartedAt,
		"finished_at":   attempt.FinishedAt,
	}

	result, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		s.logger.LogError(ctx, err, "database.SaveAttempt.insert",
			"attempt_id", attempt.ID,
			"session_id", attempt.SessionID,
			"module", attempt.Candidate.ModuleID,
		)
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "attempts", rowsAffected, time.Since(start),
		"attempt_id", attempt.ID,
		"session_id", attempt.SessionID,
		"module", attempt.Candidate.ModuleID,
		"status", string(attempt.Status),
	)
	return nil
}

func (s *Store) GetAttempts(ctx context.Context, sessionID string) ([]types.Attempt, error) {
	query := `
		SELECT id, session_id, target, module_id, module_rank, candidate,
			   status, raw_output, artifact_path, error_message,
			   started_at, finished_at
		FROM attempts
		WHERE session_id = $1
		ORDER BY started_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []types.Attempt{}
	for rows.Next() {
		var (
			attempt       types.Attempt
			moduleID      string
			moduleRank    string
			candidateJSON string
			finishedAt    sql.NullTime
		)

		err := rows.Scan(
			&attempt.ID, &attempt.SessionID, &attempt.TargetAddress,
			&moduleID, &moduleRank, &candidateJSON,
			&attempt.Status, &attempt.RawOutput, &attempt.ArtifactPath,
			&attempt.ErrorMessage, &attempt.StartedAt, &finishedAt,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(candidateJSON), &attempt.Candidate); err != nil {
			s.logger.Warnw("Failed to unmarshal candidate, using flat columns",
				"attempt_id", attempt.ID,
				"error", err,
			)
			attempt.Candidate = types.ExploitCandidate{
				ModuleID: moduleID,
				Rank:     types.ModuleRank(moduleRank),
			}
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			attempt.FinishedAt = &t
		}

		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (s *Store) SessionStats(ctx context.Context) (*core.SessionStats, error) {
	stats := &core.SessionStats{
		ByOutcome: make(map[types.SessionOutcome]int),
		ByTarget:  make(map[string]int),
	}

	outcomeQuery := `
		SELECT outcome, COUNT(*) as count
		FROM sessions
		GROUP BY outcome
	`
	rows, err := s.db.QueryContext(ctx, outcomeQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		stats.ByOutcome[types.SessionOutcome(outcome)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	targetQuery := `
		SELECT target, COUNT(*) as count
		FROM sessions
		GROUP BY target
		ORDER BY count DESC
		LIMIT 10
	`
	rows2, err := s.db.QueryContext(ctx, targetQuery)
	if err != nil {
		return nil, err
	}
	defer rows2.Close()

	for rows2.Next() {
		var target string
		var count int
		if err := rows2.Scan(&target, &count); err != nil {
			return nil, err
		}
		stats.ByTarget[target] = count
	}
	if err := rows2.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempts").Scan(&stats.Attempts); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sessionArgs(session *types.ExploitSession) map[string]interface{} {
	return map[string]interface{}{
		"id":               session.ID,
		"target":           session.Target.Address,
		"hostname":         session.Target.Hostname,
		"mac":              session.Target.MAC,
		"service_port":     session.Service.Port,
		"service_protocol": string(session.Service.Protocol),
		"service_name":     session.Service.Name,
		"service_product":  session.Service.Product,
		"service_version":  session.Service.Version,
		"outcome":          string(session.Outcome),
		"candidate_count":  session.CandidateCount,
		"skipped_lines":    session.SkippedLines,
		"error_message":    session.ErrorMessage,
		"started_at":       session.StartedAt,
		"finished_at":      session.FinishedAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.ExploitSession, error) {
	var (
		session    types.ExploitSession
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&session.ID, &session.Target.Address, &session.Target.Hostname, &session.Target.MAC,
		&session.Service.Port, &session.Service.Protocol, &session.Service.Name,
		&session.Service.Product, &session.Service.Version,
		&session.Outcome, &session.CandidateCount, &session.SkippedLines, &session.ErrorMessage,
		&session.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		session.FinishedAt = &t
	}
	return &session, nil
}
