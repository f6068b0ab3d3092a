// Package sqlitestore is a checkpoint.Storage adapter backed by
// modernc.org/sqlite, grounded in the teacher's graph/store/sqlite.go
// (WAL pragmas, single-writer connection pool, JSON-marshaled columns,
// ON CONFLICT upsert). Intended for single-process deployments and
// local development; store/mysqlstore covers multi-worker production use.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corewave/agentflow/checkpoint"
)

// Store is a SQLite-backed checkpoint.Storage.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at path and ensures the
// checkpoints schema exists. WAL mode and a busy timeout are set so
// concurrent readers don't starve the single writer; SQLite itself only
// tolerates one writer at a time, so the connection pool is capped at 1
// open connection, matching the teacher's NewSQLiteStore.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id          TEXT NOT NULL,
		step            INTEGER NOT NULL,
		pipeline_id     TEXT NOT NULL,
		step_name       TEXT NOT NULL,
		status          TEXT NOT NULL,
		context_json    TEXT NOT NULL,
		pause_meta_json TEXT,
		idempotency_key TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		expires_at      TEXT,
		PRIMARY KEY (run_id, step)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_idempotency ON checkpoints(idempotency_key);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return nil
}

// Save upserts a checkpoint row keyed by (run_id, step).
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal context: %w", err)
	}
	pauseMetaJSON, err := marshalPauseMeta(cp.PauseMeta)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	const q = `
	INSERT INTO checkpoints
		(run_id, step, pipeline_id, step_name, status, context_json, pause_meta_json, idempotency_key, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, step) DO UPDATE SET
		pipeline_id = excluded.pipeline_id,
		step_name = excluded.step_name,
		status = excluded.status,
		context_json = excluded.context_json,
		pause_meta_json = excluded.pause_meta_json,
		idempotency_key = excluded.idempotency_key,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at
	`
	_, err = s.db.ExecContext(ctx, q,
		cp.RunID, cp.Step, cp.PipelineID, cp.StepName, string(cp.Status),
		string(contextJSON), pauseMetaJSON, cp.IdempotencyKey,
		formatTime(cp.CreatedAt), formatTime(cp.UpdatedAt), formatTimePtr(cp.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save: %w", err)
	}
	return nil
}

// Get retrieves the checkpoint at (runID, step).
func (s *Store) Get(ctx context.Context, runID string, step int) (checkpoint.Checkpoint, error) {
	const q = `
	SELECT run_id, step, pipeline_id, step_name, status, context_json, pause_meta_json, idempotency_key, created_at, updated_at, expires_at
	FROM checkpoints WHERE run_id = ? AND step = ?
	`
	return scanRow(s.db.QueryRowContext(ctx, q, runID, step))
}

// GetLatest retrieves the checkpoint with the highest step for runID.
func (s *Store) GetLatest(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	const q = `
	SELECT run_id, step, pipeline_id, step_name, status, context_json, pause_meta_json, idempotency_key, created_at, updated_at, expires_at
	FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1
	`
	return scanRow(s.db.QueryRowContext(ctx, q, runID))
}

// UpdateStatus transitions the checkpoint at (runID, step) to status.
func (s *Store) UpdateStatus(ctx context.Context, runID string, step int, status checkpoint.Status) error {
	const q = `UPDATE checkpoints SET status = ?, updated_at = ? WHERE run_id = ? AND step = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), formatTime(time.Now().UTC()), runID, step)
	if err != nil {
		return fmt.Errorf("sqlitestore: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// DeleteRun removes every checkpoint row for runID.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlitestore: delete run: %w", err)
	}
	return nil
}

// DeleteExpired removes every checkpoint whose expires_at is before now,
// returning the count removed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?`, formatTime(now.UTC()))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	return int(n), nil
}

// ListByStatus returns every checkpoint in the given status, ordered by
// (run_id, step) for deterministic iteration.
func (s *Store) ListByStatus(ctx context.Context, status checkpoint.Status) ([]checkpoint.Checkpoint, error) {
	const q = `
	SELECT run_id, step, pipeline_id, step_name, status, context_json, pause_meta_json, idempotency_key, created_at, updated_at, expires_at
	FROM checkpoints WHERE status = ? ORDER BY run_id, step
	`
	rows, err := s.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list by status: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (checkpoint.Checkpoint, error) {
	var (
		cp              checkpoint.Checkpoint
		status          string
		contextJSON     string
		pauseMetaJSON   sql.NullString
		createdAt       string
		updatedAt       string
		expiresAt       sql.NullString
	)
	err := r.Scan(&cp.RunID, &cp.Step, &cp.PipelineID, &cp.StepName, &status,
		&contextJSON, &pauseMetaJSON, &cp.IdempotencyKey, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("sqlitestore: scan: %w", err)
	}
	return hydrate(cp, status, contextJSON, pauseMetaJSON, createdAt, updatedAt, expiresAt)
}

func scanRows(rows *sql.Rows) (checkpoint.Checkpoint, error) {
	var (
		cp            checkpoint.Checkpoint
		status        string
		contextJSON   string
		pauseMetaJSON sql.NullString
		createdAt     string
		updatedAt     string
		expiresAt     sql.NullString
	)
	if err := rows.Scan(&cp.RunID, &cp.Step, &cp.PipelineID, &cp.StepName, &status,
		&contextJSON, &pauseMetaJSON, &cp.IdempotencyKey, &createdAt, &updatedAt, &expiresAt); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("sqlitestore: scan: %w", err)
	}
	return hydrate(cp, status, contextJSON, pauseMetaJSON, createdAt, updatedAt, expiresAt)
}

func hydrate(cp checkpoint.Checkpoint, status, contextJSON string, pauseMetaJSON sql.NullString, createdAt, updatedAt string, expiresAt sql.NullString) (checkpoint.Checkpoint, error) {
	cp.Status = checkpoint.Status(status)
	if err := json.Unmarshal([]byte(contextJSON), &cp.Context); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("sqlitestore: unmarshal context: %w", err)
	}
	if pauseMetaJSON.Valid {
		var pm checkpoint.PauseMetadata
		if err := json.Unmarshal([]byte(pauseMetaJSON.String), &pm); err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("sqlitestore: unmarshal pause metadata: %w", err)
		}
		cp.PauseMeta = &pm
	}
	var err error
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return checkpoint.Checkpoint{}, err
		}
		cp.ExpiresAt = &t
	}
	return cp, nil
}

func marshalPauseMeta(pm *checkpoint.PauseMetadata) (any, error) {
	if pm == nil {
		return nil, nil
	}
	raw, err := json.Marshal(pm)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: marshal pause metadata: %w", err)
	}
	return string(raw), nil
}

// formatTime writes a fixed nine-digit fraction so that text order matches
// time order in DeleteExpired's expires_at comparison.
func formatTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
