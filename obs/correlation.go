// Package obs holds the observability glue shared by every executor:
// correlation ids that tag logs/spans/hook events, a structured logger
// interface, a pluggable Tracer contract, and the sampling policy from
// spec.md §4.8. Concrete span backends live in obs/oteltrace; concrete
// metrics backends live in obs/promstats.
package obs

import (
	"context"
	"sync"
	"time"
)

// Correlation bundles every id that should tag a log line, span, or hook
// event for a single run. It is the "one record, two views" described in
// §4.8: a task-local (context.Value) view that propagates automatically
// across goroutine boundaries the caller creates from the same ctx, and
// an explicit struct passed into code paths (hook handlers, emitted
// events) that cannot rely on that inheritance.
type Correlation struct {
	RunID          string
	ConversationID string
	IntentID       string
	AgentID        string
	Timestamp      time.Time
	TraceID        string
	SpanID         string
	ParentSpanID   string
	PipelineID     string
	StepName       string
}

// WithCorrelation returns a context carrying c for task-local propagation,
// and also stores c in the package-wide structured store keyed by RunID so
// handler code without context access can still look it up via
// FromContext's fallbackRunID.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	globalStore.put(c)
	return context.WithValue(ctx, correlationKey{}, c)
}

type correlationKey struct{}

// FromContext reads the task-local view first, falling back to the
// structured store keyed by an explicit runID when ctx carries none
// (e.g. a handler invoked from a goroutine that didn't inherit ctx).
func FromContext(ctx context.Context, fallbackRunID string) (Correlation, bool) {
	if c, ok := ctx.Value(correlationKey{}).(Correlation); ok {
		return c, true
	}
	return globalStore.get(fallbackRunID)
}

// Merge overlays non-zero fields of patch onto base, returning the result.
// Used when a hook or nested scope narrows the correlation (e.g. adds
// StepName) without discarding the parent run/conversation ids.
func Merge(base, patch Correlation) Correlation {
	out := base
	if patch.RunID != "" {
		out.RunID = patch.RunID
	}
	if patch.ConversationID != "" {
		out.ConversationID = patch.ConversationID
	}
	if patch.IntentID != "" {
		out.IntentID = patch.IntentID
	}
	if patch.AgentID != "" {
		out.AgentID = patch.AgentID
	}
	if !patch.Timestamp.IsZero() {
		out.Timestamp = patch.Timestamp
	}
	if patch.TraceID != "" {
		out.TraceID = patch.TraceID
	}
	if patch.SpanID != "" {
		out.SpanID = patch.SpanID
	}
	if patch.ParentSpanID != "" {
		out.ParentSpanID = patch.ParentSpanID
	}
	if patch.PipelineID != "" {
		out.PipelineID = patch.PipelineID
	}
	if patch.StepName != "" {
		out.StepName = patch.StepName
	}
	return out
}

// structuredStore is the explicit/structured view of correlation records,
// keyed by RunID, for handler code that cannot rely on context inheritance.
type structuredStore struct {
	mu      sync.RWMutex
	records map[string]Correlation
}

func (s *structuredStore) put(c Correlation) {
	if c.RunID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.RunID] = c
}

func (s *structuredStore) get(runID string) (Correlation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[runID]
	return c, ok
}

func (s *structuredStore) forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runID)
}

var globalStore = &structuredStore{records: make(map[string]Correlation)}

// Forget removes a run's structured correlation record, e.g. once a run
// reaches a terminal status and its ids are no longer needed for lookup.
func Forget(runID string) {
	globalStore.forget(runID)
}
