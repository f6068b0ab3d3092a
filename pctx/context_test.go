package pctx

import (
	"testing"

	"github.com/corewave/agentflow/agent"
)

func TestNewInitializesEmptyCollections(t *testing.T) {
	mgr := New("pipe-1", "hello")
	c := mgr.GetFull()
	if c.PipelineID != "pipe-1" || c.Input != "hello" {
		t.Fatalf("unexpected context: %+v", c)
	}
	if c.Outputs == nil || c.Metadata == nil || c.History == nil {
		t.Fatalf("expected initialized collections, got %+v", c)
	}
}

func TestRecordOutputFiresDuplicateCallback(t *testing.T) {
	mgr := New("pipe-1", "hello")
	var dupes []string
	mgr.OnDuplicateOutput(func(name string) { dupes = append(dupes, name) })

	mgr.RecordOutput("step-a", "first")
	mgr.RecordOutput("step-a", "second")

	if len(dupes) != 1 || dupes[0] != "step-a" {
		t.Fatalf("expected one duplicate callback for step-a, got %v", dupes)
	}
	v, ok := mgr.Output("step-a")
	if !ok || v != "second" {
		t.Fatalf("expected last write to win, got %v (ok=%v)", v, ok)
	}
}

func TestGetStepContextIsolatedHidesOutputsAndHistory(t *testing.T) {
	mgr := New("pipe-1", "hello")
	mgr.RecordOutput("step-a", "value")
	mgr.AppendHistory(agent.Message{Role: agent.RoleUser, Content: "hi"})
	mgr.AddMetadata("k", "v")

	iso := mgr.GetStepContext(ViewIsolated)
	if len(iso.Outputs) != 0 || len(iso.History) != 0 {
		t.Fatalf("expected isolated view to hide outputs/history, got %+v", iso)
	}
	if iso.Metadata["k"] != "v" {
		t.Fatalf("expected isolated view to retain metadata, got %+v", iso.Metadata)
	}

	acc := mgr.GetStepContext(ViewAccumulated)
	if len(acc.Outputs) != 1 || len(acc.History) != 1 {
		t.Fatalf("expected accumulated view to expose outputs/history, got %+v", acc)
	}
}

func TestGetStepContextSnapshotIsIndependent(t *testing.T) {
	mgr := New("pipe-1", "hello")
	mgr.RecordOutput("step-a", "value")
	snap := mgr.GetStepContext(ViewAccumulated)
	snap.Outputs["step-a"] = "mutated"

	v, _ := mgr.Output("step-a")
	if v != "value" {
		t.Fatalf("expected snapshot mutation not to leak back into manager, got %v", v)
	}
}

func TestMergeMetadataShallowMerges(t *testing.T) {
	mgr := New("pipe-1", "hello")
	mgr.AddMetadata("a", 1)
	mgr.MergeMetadata(map[string]any{"a": 2, "b": 3})

	full := mgr.GetFull()
	if full.Metadata["a"] != 2 || full.Metadata["b"] != 3 {
		t.Fatalf("unexpected merged metadata: %+v", full.Metadata)
	}
}

func TestRestoreMergesConversationIDWhenEmpty(t *testing.T) {
	restored := Context{PipelineID: "pipe-1", Input: "hello"}
	mgr := Restore(restored, "conv-1")
	full := mgr.GetFull()
	if full.ConversationID != "conv-1" {
		t.Fatalf("expected restored conversation id to default to conv-1, got %q", full.ConversationID)
	}
	if full.Outputs == nil || full.Metadata == nil || full.History == nil {
		t.Fatalf("expected Restore to initialize nil collections, got %+v", full)
	}
}

func TestRestorePrefersExistingConversationID(t *testing.T) {
	restored := Context{PipelineID: "pipe-1", Input: "hello", ConversationID: "conv-existing"}
	mgr := Restore(restored, "conv-new")
	if got := mgr.GetFull().ConversationID; got != "conv-existing" {
		t.Fatalf("expected existing conversation id to win, got %q", got)
	}
}

func TestCloneProducesIndependentDeepCopy(t *testing.T) {
	mgr := New("pipe-1", "hello")
	mgr.RecordOutput("step-a", map[string]any{"nested": "value"})

	clone, err := mgr.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	clone.RecordOutput("step-b", "only-on-clone")

	if _, ok := mgr.Output("step-b"); ok {
		t.Fatalf("expected clone mutation not to affect original manager")
	}
	origOut, _ := mgr.Output("step-a")
	cloneOut, _ := clone.Output("step-a")
	if origOut == nil || cloneOut == nil {
		t.Fatalf("expected step-a present on both, got orig=%v clone=%v", origOut, cloneOut)
	}
}

func TestSetConversationID(t *testing.T) {
	mgr := New("pipe-1", "hello")
	mgr.SetConversationID("conv-xyz")
	if got := mgr.GetFull().ConversationID; got != "conv-xyz" {
		t.Fatalf("expected conv-xyz, got %q", got)
	}
}
