// Package mysqlstore is a checkpoint.Storage adapter backed by
// github.com/go-sql-driver/mysql, grounded in the teacher's
// graph/store/mysql.go (connection-pool tuning, JSON columns, ON
// DUPLICATE KEY UPDATE upserts). Intended for multi-worker production
// deployments where several processes share one checkpoint store.
package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/corewave/agentflow/checkpoint"
)

// Store is a MySQL/MariaDB-backed checkpoint.Storage.
type Store struct {
	db *sql.DB
}

// New opens a MySQL connection pool against dsn and ensures the
// checkpoints schema exists. dsn follows the go-sql-driver/mysql format:
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
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
		run_id          VARCHAR(255) NOT NULL,
		step            INT NOT NULL,
		pipeline_id     VARCHAR(255) NOT NULL,
		step_name       VARCHAR(255) NOT NULL,
		status          VARCHAR(32) NOT NULL,
		context_json    JSON NOT NULL,
		pause_meta_json JSON NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		created_at      DATETIME(6) NOT NULL,
		updated_at      DATETIME(6) NOT NULL,
		expires_at      DATETIME(6) NULL,
		PRIMARY KEY (run_id, step),
		UNIQUE KEY uniq_idempotency_key (idempotency_key),
		INDEX idx_status (status),
		INDEX idx_expires_at (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("mysqlstore: create schema: %w", err)
	}
	return nil
}

// Save upserts a checkpoint row keyed by (run_id, step).
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("mysqlstore: marshal context: %w", err)
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
	ON DUPLICATE KEY UPDATE
		pipeline_id = VALUES(pipeline_id),
		step_name = VALUES(step_name),
		status = VALUES(status),
		context_json = VALUES(context_json),
		pause_meta_json = VALUES(pause_meta_json),
		idempotency_key = VALUES(idempotency_key),
		updated_at = VALUES(updated_at),
		expires_at = VALUES(expires_at)
	`
	_, err = s.db.ExecContext(ctx, q,
		cp.RunID, cp.Step, cp.PipelineID, cp.StepName, string(cp.Status),
		contextJSON, pauseMetaJSON, cp.IdempotencyKey,
		cp.CreatedAt, cp.UpdatedAt, nullableTime(cp.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("mysqlstore: save: %w", err)
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
	res, err := s.db.ExecContext(ctx, q, string(status), time.Now().UTC(), runID, step)
	if err != nil {
		return fmt.Errorf("mysqlstore: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysqlstore: rows affected: %w", err)
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// DeleteRun removes every checkpoint row for runID.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("mysqlstore: delete run: %w", err)
	}
	return nil
}

// DeleteExpired removes every checkpoint whose expires_at is before now,
// returning the count removed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mysqlstore: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mysqlstore: rows affected: %w", err)
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
		return nil, fmt.Errorf("mysqlstore: list by status: %w", err)
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
		return nil, fmt.Errorf("mysqlstore: list by status: %w", err)
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
		cp            checkpoint.Checkpoint
		status        string
		contextJSON   []byte
		pauseMetaJSON sql.NullString
		createdAt     time.Time
		updatedAt     time.Time
		expiresAt     sql.NullTime
	)
	err := r.Scan(&cp.RunID, &cp.Step, &cp.PipelineID, &cp.StepName, &status,
		&contextJSON, &pauseMetaJSON, &cp.IdempotencyKey, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mysqlstore: scan: %w", err)
	}
	return hydrate(cp, status, contextJSON, pauseMetaJSON, createdAt, updatedAt, expiresAt)
}

func scanRows(rows *sql.Rows) (checkpoint.Checkpoint, error) {
	var (
		cp            checkpoint.Checkpoint
		status        string
		contextJSON   []byte
		pauseMetaJSON sql.NullString
		createdAt     time.Time
		updatedAt     time.Time
		expiresAt     sql.NullTime
	)
	if err := rows.Scan(&cp.RunID, &cp.Step, &cp.PipelineID, &cp.StepName, &status,
		&contextJSON, &pauseMetaJSON, &cp.IdempotencyKey, &createdAt, &updatedAt, &expiresAt); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mysqlstore: scan: %w", err)
	}
	return hydrate(cp, status, contextJSON, pauseMetaJSON, createdAt, updatedAt, expiresAt)
}

func hydrate(cp checkpoint.Checkpoint, status string, contextJSON []byte, pauseMetaJSON sql.NullString, createdAt, updatedAt time.Time, expiresAt sql.NullTime) (checkpoint.Checkpoint, error) {
	cp.Status = checkpoint.Status(status)
	if err := json.Unmarshal(contextJSON, &cp.Context); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mysqlstore: unmarshal context: %w", err)
	}
	if pauseMetaJSON.Valid {
		var pm checkpoint.PauseMetadata
		if err := json.Unmarshal([]byte(pauseMetaJSON.String), &pm); err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("mysqlstore: unmarshal pause metadata: %w", err)
		}
		cp.PauseMeta = &pm
	}
	cp.CreatedAt = createdAt
	cp.UpdatedAt = updatedAt
	if expiresAt.Valid {
		t := expiresAt.Time
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
		return nil, fmt.Errorf("mysqlstore: marshal pause metadata: %w", err)
	}
	return raw, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
