package mysqlstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/corewave/agentflow/checkpoint"
	"github.com/corewave/agentflow/pctx"
)

// getTestDSN returns the MySQL DSN to test against, read from
// TEST_MYSQL_DSN. These tests are skipped entirely when it is unset,
// since they need a live MySQL/MariaDB instance.
func getTestDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Logf("mysql tests skipped: set TEST_MYSQL_DSN to run")
	}
	return dsn
}

func testCheckpoint(runID string, step int) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		RunID:          runID,
		PipelineID:     "pipe-1",
		Step:           step,
		StepName:       "node-a",
		Status:         checkpoint.StatusInProgress,
		Context:        pctx.Context{PipelineID: "pipe-1", Input: "hello", Outputs: map[string]any{}, Metadata: map[string]any{}},
		IdempotencyKey: runID + "-" + time.Now().Format(time.RFC3339Nano),
	}
}

func TestNewConnection(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	s, err := New(dsn)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if _, err := New("invalid:dsn:string"); err == nil {
		t.Fatalf("expected error with invalid DSN")
	}
}

func TestSaveAndGetLatest(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	s, err := New(dsn)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	cp1 := testCheckpoint("run-mysql-001", 1)
	if err := s.Save(ctx, cp1); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp2 := testCheckpoint("run-mysql-001", 2)
	if err := s.Save(ctx, cp2); err != nil {
		t.Fatalf("save: %v", err)
	}

	latest, err := s.GetLatest(ctx, "run-mysql-001")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Step != 2 {
		t.Fatalf("expected step 2, got %d", latest.Step)
	}

	if err := s.DeleteRun(ctx, "run-mysql-001"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if _, err := s.GetLatest(ctx, "run-mysql-001"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	s, err := New(dsn)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.UpdateStatus(ctx, "nonexistent-run", 1, checkpoint.StatusPaused); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
