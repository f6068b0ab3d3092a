package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/corewave/agentflow/pctx"
)

func testCheckpoint(runID string, step int, status Status) Checkpoint {
	return Checkpoint{
		RunID:      runID,
		PipelineID: "pipe-1",
		Step:       step,
		StepName:   "step",
		Status:     status,
		Context:    pctx.Context{PipelineID: "pipe-1", Input: "hello", Outputs: map[string]any{}, Metadata: map[string]any{}},
	}
}

func TestMemStoreSaveAndGetLatest(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Save(ctx, testCheckpoint("run-1", 0, StatusCompleted)); err != nil {
		t.Fatalf("save step 0: %v", err)
	}
	if err := s.Save(ctx, testCheckpoint("run-1", 1, StatusInProgress)); err != nil {
		t.Fatalf("save step 1: %v", err)
	}

	latest, err := s.GetLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Step != 1 {
		t.Fatalf("expected latest step 1, got %d", latest.Step)
	}
}

func TestMemStoreGetNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "missing", 0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreUpdateStatus(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 0, StatusInProgress))

	if err := s.UpdateStatus(ctx, "run-1", 0, StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	cp, _ := s.Get(ctx, "run-1", 0)
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", cp.Status)
	}

	if err := s.UpdateStatus(ctx, "run-1", 99, StatusCompleted); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown step, got %v", err)
	}
}

func TestMemStoreDeleteRunAndDeleteExpired(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	cp := testCheckpoint("run-1", 0, StatusPaused)
	cp.ExpiresAt = &past
	_ = s.Save(ctx, cp)
	_ = s.Save(ctx, testCheckpoint("run-2", 0, StatusCompleted))

	n, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired row deleted, got %d", n)
	}
	if _, err := s.GetLatest(ctx, "run-1"); err != ErrNotFound {
		t.Fatalf("expected run-1 to be gone after expiry sweep")
	}

	if err := s.DeleteRun(ctx, "run-2"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if _, err := s.GetLatest(ctx, "run-2"); err != ErrNotFound {
		t.Fatalf("expected run-2 to be gone after DeleteRun")
	}
}

func TestMemStoreListByStatusIsSortedByRunThenStep(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-b", 0, StatusPaused))
	_ = s.Save(ctx, testCheckpoint("run-a", 1, StatusPaused))
	_ = s.Save(ctx, testCheckpoint("run-a", 0, StatusPaused))

	list, err := s.ListByStatus(ctx, StatusPaused)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(list))
	}
	if list[0].RunID != "run-a" || list[0].Step != 0 || list[1].RunID != "run-a" || list[1].Step != 1 || list[2].RunID != "run-b" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestComputeIdempotencyKeyIsDeterministic(t *testing.T) {
	c := pctx.Context{PipelineID: "pipe-1", Input: "hello"}
	k1, err := ComputeIdempotencyKey("run-1", 2, c)
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	k2, err := ComputeIdempotencyKey("run-1", 2, c)
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic key, got %q vs %q", k1, k2)
	}
	k3, _ := ComputeIdempotencyKey("run-1", 3, c)
	if k1 == k3 {
		t.Fatalf("expected different step to produce a different key")
	}
}

func TestBeginResumeDefaultSkipStartsAfterCheckpointStep(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 2, StatusPaused))

	plan, err := BeginResume(ctx, s, "run-1", ResumeSkip)
	if err != nil {
		t.Fatalf("begin resume: %v", err)
	}
	if plan.StartStep != 3 {
		t.Fatalf("expected start step 3, got %d", plan.StartStep)
	}
	cp, _ := s.Get(ctx, "run-1", 2)
	if cp.Status != StatusInProgress {
		t.Fatalf("expected checkpoint transitioned to in_progress, got %v", cp.Status)
	}
}

func TestBeginResumeRetryStartsAtCheckpointStep(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 2, StatusPaused))

	plan, err := BeginResume(ctx, s, "run-1", ResumeRetry)
	if err != nil {
		t.Fatalf("begin resume: %v", err)
	}
	if plan.StartStep != 2 {
		t.Fatalf("expected start step 2, got %d", plan.StartStep)
	}
}

func TestBeginResumeRestartStartsAtZero(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 2, StatusPaused))

	plan, err := BeginResume(ctx, s, "run-1", ResumeRestart)
	if err != nil {
		t.Fatalf("begin resume: %v", err)
	}
	if plan.StartStep != 0 {
		t.Fatalf("expected start step 0, got %d", plan.StartStep)
	}
}

func TestBeginResumeRejectsConcurrentResume(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 0, StatusInProgress))

	if _, err := BeginResume(ctx, s, "run-1", ResumeSkip); err != ErrConcurrency {
		t.Fatalf("expected ErrConcurrency, got %v", err)
	}
}

func TestBeginResumeRejectsExpiredPause(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	cp := testCheckpoint("run-1", 0, StatusPaused)
	cp.ExpiresAt = &past
	_ = s.Save(ctx, cp)

	if _, err := BeginResume(ctx, s, "run-1", ResumeSkip); err != ErrPauseExpired {
		t.Fatalf("expected ErrPauseExpired, got %v", err)
	}
	updated, _ := s.Get(ctx, "run-1", 0)
	if updated.Status != StatusExpired {
		t.Fatalf("expected checkpoint status expired, got %v", updated.Status)
	}
}

func TestBeginResumeNoCheckpointReturnsPauseNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := BeginResume(context.Background(), s, "missing-run", ResumeSkip); err != ErrPauseNotFound {
		t.Fatalf("expected ErrPauseNotFound, got %v", err)
	}
}

func TestCompleteAndFail(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Save(ctx, testCheckpoint("run-1", 0, StatusInProgress))

	if err := Complete(ctx, s, "run-1", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cp, _ := s.Get(ctx, "run-1", 0)
	if cp.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", cp.Status)
	}

	_ = s.Save(ctx, testCheckpoint("run-2", 0, StatusInProgress))
	if err := Fail(ctx, s, "run-2", 0); err != nil {
		t.Fatalf("fail: %v", err)
	}
	cp2, _ := s.Get(ctx, "run-2", 0)
	if cp2.Status != StatusFailed {
		t.Fatalf("expected failed, got %v", cp2.Status)
	}
}

func TestValidateHumanInputChoices(t *testing.T) {
	meta := PauseMetadata{Choices: []string{"yes", "no"}}
	if err := ValidateHumanInput(meta, "yes"); err != nil {
		t.Fatalf("expected valid choice to pass, got %v", err)
	}
	if err := ValidateHumanInput(meta, "maybe"); err != ErrValidation {
		t.Fatalf("expected ErrValidation for unlisted choice, got %v", err)
	}
	if err := ValidateHumanInput(meta, 42); err != ErrValidation {
		t.Fatalf("expected ErrValidation for non-string input against choices, got %v", err)
	}
}

func TestValidateHumanInputSchemaRequiredFields(t *testing.T) {
	meta := PauseMetadata{Schema: map[string]any{"required": []any{"name"}}}
	if err := ValidateHumanInput(meta, map[string]any{"name": "alice"}); err != nil {
		t.Fatalf("expected valid object to pass, got %v", err)
	}
	if err := ValidateHumanInput(meta, map[string]any{"name": ""}); err != ErrValidation {
		t.Fatalf("expected empty required string to fail, got %v", err)
	}
	if err := ValidateHumanInput(meta, map[string]any{}); err != ErrValidation {
		t.Fatalf("expected missing required field to fail, got %v", err)
	}
	if err := ValidateHumanInput(meta, "not an object"); err != ErrValidation {
		t.Fatalf("expected non-object value to fail against required schema, got %v", err)
	}
}

func TestValidateHumanInputNoConstraintsAlwaysPasses(t *testing.T) {
	if err := ValidateHumanInput(PauseMetadata{}, "anything"); err != nil {
		t.Fatalf("expected no constraints to always pass, got %v", err)
	}
}

func TestCleanerSweepsExpiredCheckpoints(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	cp := testCheckpoint("run-1", 0, StatusPaused)
	cp.ExpiresAt = &past
	_ = s.Save(ctx, cp)

	c := NewCleaner(s, 5*time.Millisecond, nil)
	runCtx, cancel := context.WithCancel(ctx)
	c.Start(runCtx)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.GetLatest(ctx, "run-1"); err == ErrNotFound {
			c.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()
	t.Fatalf("expected cleaner to sweep expired checkpoint within deadline")
}

func TestCleanerStopIsIdempotent(t *testing.T) {
	s := NewMemStore()
	c := NewCleaner(s, time.Hour, nil)
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}
