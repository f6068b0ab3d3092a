package obs

import (
	"context"
	"testing"
	"time"
)

func TestWithCorrelationAndFromContextTaskLocal(t *testing.T) {
	c := Correlation{RunID: "run-1", PipelineID: "pipe-1"}
	ctx := WithCorrelation(context.Background(), c)

	got, ok := FromContext(ctx, "")
	if !ok {
		t.Fatalf("expected correlation to be found in context")
	}
	if got.RunID != "run-1" || got.PipelineID != "pipe-1" {
		t.Fatalf("unexpected correlation: %+v", got)
	}
}

func TestFromContextFallsBackToStructuredStore(t *testing.T) {
	c := Correlation{RunID: "run-2"}
	WithCorrelation(context.Background(), c)

	got, ok := FromContext(context.Background(), "run-2")
	if !ok {
		t.Fatalf("expected fallback lookup by run id to succeed")
	}
	if got.RunID != "run-2" {
		t.Fatalf("unexpected correlation: %+v", got)
	}
	Forget("run-2")
}

func TestForgetRemovesStructuredRecord(t *testing.T) {
	c := Correlation{RunID: "run-3"}
	WithCorrelation(context.Background(), c)
	Forget("run-3")

	if _, ok := FromContext(context.Background(), "run-3"); ok {
		t.Fatalf("expected correlation to be gone after Forget")
	}
}

func TestMergeOverlaysNonZeroFields(t *testing.T) {
	base := Correlation{RunID: "run-1", PipelineID: "pipe-1", ConversationID: "conv-1"}
	patch := Correlation{StepName: "step-a"}

	merged := Merge(base, patch)
	if merged.RunID != "run-1" || merged.PipelineID != "pipe-1" || merged.ConversationID != "conv-1" {
		t.Fatalf("expected base fields preserved, got %+v", merged)
	}
	if merged.StepName != "step-a" {
		t.Fatalf("expected patch field applied, got %+v", merged)
	}
}

func TestMergePatchOverridesTimestamp(t *testing.T) {
	now := time.Now()
	base := Correlation{Timestamp: now.Add(-time.Hour)}
	patch := Correlation{Timestamp: now}

	merged := Merge(base, patch)
	if !merged.Timestamp.Equal(now) {
		t.Fatalf("expected patch timestamp to win, got %v", merged.Timestamp)
	}
}
