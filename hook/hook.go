// Package hook implements the typed lifecycle dispatch described in
// spec.md §4.1: handlers register by HookType, run in insertion order,
// and their effects (skip/abort/data/context/metadata) are aggregated
// for the executor to act on. The registry tolerates concurrent
// register/unregister/execute by dispatching over an immutable snapshot
// (copy-on-write), mirroring how the teacher's Engine guards its node/edge
// maps with a RWMutex rather than locking across a suspension point.
package hook

import (
	"context"
	"reflect"
	"sync"

	"github.com/corewave/agentflow/obs"
)

// Type partitions the lifecycle into the families spec.md §3 names:
// message lifecycle, intent, agent selection, tool call, response,
// context insertion, routing, pipeline, and step.
type Type string

const (
	MessageReceived      Type = "messageReceived"
	IntentClassified     Type = "intentClassified"
	AgentSelected        Type = "agentSelected"
	ToolCallRequested    Type = "toolCallRequested"
	ToolCallCompleted    Type = "toolCallCompleted"
	ResponseGenerated    Type = "responseGenerated"
	ContextInserted      Type = "contextInserted"
	BeforeRouting        Type = "beforeRouting"
	AfterRouting         Type = "afterRouting"
	AfterRoutingDecision Type = "afterRoutingDecision"
	BeforePipeline       Type = "beforePipeline"
	AfterPipeline        Type = "afterPipeline"
	OnPipelineError      Type = "onPipelineError"
	BeforeStep           Type = "beforeStep"
	AfterStep            Type = "afterStep"
	OnStepError          Type = "onStepError"
)

// Event is what a handler receives: the lifecycle point, a payload whose
// concrete shape depends on Type (e.g. StepEventData for step hooks),
// and the correlation ids active at dispatch time.
type Event struct {
	Type        Type
	Data        any
	Correlation obs.Correlation
}

// StepEventData is the payload for BeforeStep/AfterStep/OnStepError.
type StepEventData struct {
	PipelineID string
	StepName   string
	Attempt    int
	Output     any
	Err        error
}

// PipelineEventData is the payload for BeforePipeline/AfterPipeline/OnPipelineError.
type PipelineEventData struct {
	PipelineID string
	RunID      string
	Status     string
	Err        error
}

// Result is what a handler returns. Semantics (spec.md §3):
//   - Skip short-circuits the guarded step.
//   - Abort terminates the enclosing workflow with status "aborted".
//   - Data replaces the step output (last handler to set it wins).
//   - Context/Metadata are shallow-merged into pipeline metadata.
type Result struct {
	Context  map[string]any
	Data     any
	Skip     bool
	Abort    bool
	Metadata map[string]any
}

// Outcome classifies what a single handler invocation did, for the
// per-type telemetry spec.md §4.1 calls for.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAborted  Outcome = "aborted"
	OutcomeModified Outcome = "modified"
	OutcomeError    Outcome = "error"
)

// Handler is a lifecycle hook callback. It is awaited cooperatively: the
// manager never runs two handlers of the same dispatch concurrently.
type Handler func(ctx context.Context, event Event) Result

// HandlerResult pairs a handler's Result (or error) with its classified
// Outcome, returned by Execute so callers can inspect what happened
// handler-by-handler in addition to the folded Merged result.
type HandlerResult struct {
	Result  Result
	Outcome Outcome
	Err     error
}

// Merged folds a slice of Results the way executeAndMerge (spec.md §4.1)
// describes: context and metadata shallow-merge across all results, data
// is the last non-nil value, skip/abort are true if any result set them.
type Merged struct {
	Context  map[string]any
	Data     any
	Skip     bool
	Abort    bool
	Metadata map[string]any
}

// Manager dispatches typed hooks. The zero value is not usable; use New.
type Manager struct {
	mu         sync.Mutex
	handlers   map[Type][]Handler
	onDispatch func(hookType Type, outcome Outcome) // telemetry callback, may be nil
}

// New creates an empty hook Manager. onOutcome, if non-nil, is invoked once
// per handler execution with its classification — wire it to
// obs/promstats.Metrics.IncHookOutcome to get the per-type aggregate
// counts spec.md asks the dispatch span to carry.
func New(onOutcome func(hookType Type, outcome Outcome)) *Manager {
	return &Manager{
		handlers:   make(map[Type][]Handler),
		onDispatch: onOutcome,
	}
}

// Register appends handler to the list for hookType. Registration order is
// dispatch order (spec.md testable property 6).
func (m *Manager) Register(hookType Type, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Copy-on-write: dispatchers hold a snapshot slice, so mutating here
	// never races with an in-flight Execute iterating the old slice.
	cur := m.handlers[hookType]
	next := make([]Handler, len(cur), len(cur)+1)
	copy(next, cur)
	m.handlers[hookType] = append(next, handler)
}

// Unregister removes the first handler registered for hookType that is
// the same function as handler, returning true if one was removed and
// false otherwise (including on a second call for the same handler, per
// testable property 6). Handler identity is compared by code pointer
// (reflect), the standard Go approximation for function equality; two
// handlers built from distinct closures over the same literal will
// compare equal — register each handler from its own named function or
// wrapper when precise removal of look-alike closures matters.
func (m *Manager) Unregister(hookType Type, handler Handler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.handlers[hookType]
	target := reflect.ValueOf(handler).Pointer()
	for i, h := range cur {
		if reflect.ValueOf(h).Pointer() == target {
			next := make([]Handler, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			m.handlers[hookType] = next
			return true
		}
	}
	return false
}

// snapshot returns the current handler slice for hookType without holding
// the lock during dispatch, so a handler registering/unregistering another
// handler mid-dispatch cannot deadlock or mutate the slice being iterated.
func (m *Manager) snapshot(hookType Type) []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[hookType]
}

// Execute runs every handler registered for event.Type, in registration
// order, classifying and (if onDispatch is set) reporting each outcome. A
// handler panic or returned... there is no returned error path for
// handlers — a failing handler is one that panics, which Execute recovers
// from and classifies as OutcomeError so later handlers still run,
// matching spec.md: "does not prevent later handlers from running".
func (m *Manager) Execute(ctx context.Context, event Event) []HandlerResult {
	handlers := m.snapshot(event.Type)
	results := make([]HandlerResult, 0, len(handlers))
	for _, h := range handlers {
		results = append(results, m.runOne(ctx, event, h))
	}
	return results
}

func (m *Manager) runOne(ctx context.Context, event Event, h Handler) (hr HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			hr = HandlerResult{Outcome: OutcomeError, Err: panicToError(r)}
		}
		if m.onDispatch != nil {
			m.onDispatch(event.Type, hr.Outcome)
		}
	}()

	result := h(ctx, event)
	outcome := classify(result)
	return HandlerResult{Result: result, Outcome: outcome}
}

func classify(r Result) Outcome {
	switch {
	case r.Abort:
		return OutcomeAborted
	case r.Skip:
		return OutcomeSkipped
	case r.Data != nil || r.Context != nil || r.Metadata != nil:
		return OutcomeModified
	default:
		return OutcomeExecuted
	}
}

// ExecuteAndMerge runs Execute then folds the results per spec.md §4.1:
// context/metadata shallow-merge, data is the last non-nil value, and
// skip/abort are true if any handler set them. Handler-level errors
// (panics) do not themselves set Abort; they are visible via the returned
// per-handler results from Execute if the caller wants them, but
// ExecuteAndMerge is the convenience path most executors use.
func (m *Manager) ExecuteAndMerge(ctx context.Context, event Event) (Merged, []HandlerResult) {
	handlerResults := m.Execute(ctx, event)

	merged := Merged{}
	for _, hr := range handlerResults {
		if hr.Err != nil {
			continue
		}
		r := hr.Result
		if r.Context != nil {
			if merged.Context == nil {
				merged.Context = map[string]any{}
			}
			for k, v := range r.Context {
				merged.Context[k] = v
			}
		}
		if r.Metadata != nil {
			if merged.Metadata == nil {
				merged.Metadata = map[string]any{}
			}
			for k, v := range r.Metadata {
				merged.Metadata[k] = v
			}
		}
		if r.Data != nil {
			merged.Data = r.Data
		}
		if r.Skip {
			merged.Skip = true
		}
		if r.Abort {
			merged.Abort = true
		}
	}
	return merged, handlerResults
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "hook handler panicked" }
