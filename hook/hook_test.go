package hook

import (
	"context"
	"testing"
)

func TestExecuteRunsHandlersInRegistrationOrder(t *testing.T) {
	m := New(nil)
	var order []int
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { order = append(order, 1); return Result{} })
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { order = append(order, 2); return Result{} })
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { order = append(order, 3); return Result{} })

	m.Execute(context.Background(), Event{Type: BeforeStep})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected handlers in registration order, got %v", order)
	}
}

func TestExecuteAndMergeShallowMergesContextAndMetadata(t *testing.T) {
	m := New(nil)
	m.Register(AfterStep, func(ctx context.Context, e Event) Result {
		return Result{Metadata: map[string]any{"a": 1, "b": 1}}
	})
	m.Register(AfterStep, func(ctx context.Context, e Event) Result {
		return Result{Metadata: map[string]any{"b": 2}}
	})

	merged, _ := m.ExecuteAndMerge(context.Background(), Event{Type: AfterStep})
	if merged.Metadata["a"] != 1 || merged.Metadata["b"] != 2 {
		t.Fatalf("unexpected merged metadata: %+v", merged.Metadata)
	}
}

func TestExecuteAndMergeDataIsLastNonNil(t *testing.T) {
	m := New(nil)
	m.Register(AfterStep, func(ctx context.Context, e Event) Result { return Result{Data: "first"} })
	m.Register(AfterStep, func(ctx context.Context, e Event) Result { return Result{} })
	m.Register(AfterStep, func(ctx context.Context, e Event) Result { return Result{Data: "third"} })

	merged, _ := m.ExecuteAndMerge(context.Background(), Event{Type: AfterStep})
	if merged.Data != "third" {
		t.Fatalf("expected last non-nil data to win, got %v", merged.Data)
	}
}

func TestExecuteAndMergeSkipAndAbortAreTrueIfAny(t *testing.T) {
	m := New(nil)
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { return Result{} })
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { return Result{Skip: true} })

	merged, _ := m.ExecuteAndMerge(context.Background(), Event{Type: BeforeStep})
	if !merged.Skip {
		t.Fatalf("expected merged.Skip true when any handler sets it")
	}
	if merged.Abort {
		t.Fatalf("expected merged.Abort false when no handler sets it")
	}
}

func TestUnregisterRemovesHandlerOnceThenReturnsFalse(t *testing.T) {
	m := New(nil)
	called := false
	h := func(ctx context.Context, e Event) Result { called = true; return Result{} }
	m.Register(BeforeStep, h)

	if !m.Unregister(BeforeStep, h) {
		t.Fatalf("expected first Unregister to succeed")
	}
	if m.Unregister(BeforeStep, h) {
		t.Fatalf("expected second Unregister of same handler to fail")
	}
	m.Execute(context.Background(), Event{Type: BeforeStep})
	if called {
		t.Fatalf("expected unregistered handler not to run")
	}
}

func TestPanickingHandlerIsClassifiedAsErrorAndLaterHandlersStillRun(t *testing.T) {
	m := New(nil)
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { panic("boom") })
	ranSecond := false
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { ranSecond = true; return Result{} })

	results := m.Execute(context.Background(), Event{Type: BeforeStep})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Outcome != OutcomeError || results[0].Err == nil {
		t.Fatalf("expected first result to be classified as error, got %+v", results[0])
	}
	if !ranSecond {
		t.Fatalf("expected second handler to run despite first panicking")
	}
}

func TestOnDispatchCallbackFiresPerHandler(t *testing.T) {
	var outcomes []Outcome
	m := New(func(hookType Type, outcome Outcome) { outcomes = append(outcomes, outcome) })
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { return Result{} })
	m.Register(BeforeStep, func(ctx context.Context, e Event) Result { return Result{Skip: true} })

	m.Execute(context.Background(), Event{Type: BeforeStep})
	if len(outcomes) != 2 || outcomes[0] != OutcomeExecuted || outcomes[1] != OutcomeSkipped {
		t.Fatalf("unexpected outcome sequence: %v", outcomes)
	}
}

func TestClassifyModifiedWhenDataContextOrMetadataSet(t *testing.T) {
	if got := classify(Result{Data: "x"}); got != OutcomeModified {
		t.Fatalf("expected OutcomeModified for Data, got %v", got)
	}
	if got := classify(Result{Context: map[string]any{"a": 1}}); got != OutcomeModified {
		t.Fatalf("expected OutcomeModified for Context, got %v", got)
	}
	if got := classify(Result{}); got != OutcomeExecuted {
		t.Fatalf("expected OutcomeExecuted for empty result, got %v", got)
	}
}
