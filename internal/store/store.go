// Package store persists scenario outcomes to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes scenario runs and their steps.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scenario_runs (
    id                UUID PRIMARY KEY,
    run_id            TEXT NOT NULL,
    scenario_id       TEXT NOT NULL,
    name              TEXT NOT NULL,
    session_id        TEXT,
    result            TEXT NOT NULL,
    failed_step_index INTEGER,
    failure_kind      TEXT,
    diagnostic        TEXT,
    teardown_error    TEXT,
    started_at        TIMESTAMPTZ NOT NULL,
    duration_ms       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS scenario_runs_scenario_idx ON scenario_runs (scenario_id, started_at DESC);
CREATE TABLE IF NOT EXISTS step_outcomes (
    scenario_run_id UUID NOT NULL REFERENCES scenario_runs (id) ON DELETE CASCADE,
    step_index      INTEGER NOT NULL,
    kind            TEXT NOT NULL,
    description     TEXT NOT NULL,
    status          TEXT NOT NULL,
    error_kind      TEXT,
    matched         INTEGER NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    duration_ms     BIGINT NOT NULL,
    diagnostic      TEXT,
    PRIMARY KEY (scenario_run_id, step_index)
);`

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertRunSQL = `
INSERT INTO scenario_runs (id, run_id, scenario_id, name, session_id, result, failed_step_index,
    failure_kind, diagnostic, teardown_error, started_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

var stepColumns = []string{
	"scenario_run_id", "step_index", "kind", "description", "status",
	"error_kind", "matched", "started_at", "duration_ms", "diagnostic",
}

// PersistOutcome stores the run and its steps in one transaction and
// returns the new row id.
func (s *Store) PersistOutcome(ctx context.Context, o *schemas.ScenarioOutcome) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	id := uuid.NewString()
	_, err = tx.Exec(ctx, insertRunSQL,
		id, o.RunID, o.ScenarioID, o.Name, nullable(o.SessionID), string(o.Result), o.FailedStepIndex,
		nullable(string(o.FailureKind)), nullable(o.Diagnostic), nullable(o.TeardownError),
		o.StartedAt.UTC(), o.DurationMs,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert scenario run: %w", err)
	}

	if len(o.Steps) > 0 {
		rows := make([][]interface{}, len(o.Steps))
		for i, st := range o.Steps {
			rows[i] = []interface{}{
				id, st.Index, string(st.Kind), st.Description, string(st.Status),
				nullable(string(st.ErrorKind)), st.Matched, st.StartedAt.UTC(), st.DurationMs, nullable(st.Diagnostic),
			}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"step_outcomes"}, stepColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return "", fmt.Errorf("failed to copy step outcomes: %w", err)
		}
		if int(n) != len(rows) {
			return "", fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted scenario outcome.",
		zap.String("row_id", id),
		zap.String("scenario_id", o.ScenarioID),
		zap.Int("steps", len(o.Steps)))
	return id, nil
}

// RunSummary is one row of a scenario's history.
type RunSummary struct {
	ID              string
	RunID           string
	Result          schemas.Result
	FailedStepIndex *int
	FailureKind     schemas.ErrorKind
	StartedAt       time.Time
	DurationMs      int64
}

const historySQL = `
SELECT id, run_id, result, failed_step_index, COALESCE(failure_kind, ''), started_at, duration_ms
FROM scenario_runs
WHERE scenario_id = $1
ORDER BY started_at DESC
LIMIT $2;`

// History returns the most recent runs of a scenario, newest first.
func (s *Store) History(ctx context.Context, scenarioID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, historySQL, scenarioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r            RunSummary
			result, kind string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &result, &r.FailedStepIndex, &kind, &r.StartedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Result = schemas.Result(result)
		r.FailureKind = schemas.ErrorKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
