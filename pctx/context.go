// Package pctx implements the Pipeline Context Manager of spec.md §4.2:
// a single PipelineContext held behind a narrow, single-threaded-safe API
// that accumulates step outputs and history, and exposes step-scoped
// views (accumulated vs isolated) to step bodies.
package pctx

import (
	"encoding/json"
	"sync"

	"github.com/corewave/agentflow/agent"
)

// View selects how much of the context a step body sees.
type View string

const (
	// ViewAccumulated exposes the full context: every prior output, the
	// full history, and full metadata.
	ViewAccumulated View = "accumulated"
	// ViewIsolated exposes input and metadata but empties outputs and
	// history — used when a step must not see prior steps' work.
	ViewIsolated View = "isolated"
)

// Context is the per-run accumulated pipeline state (spec.md §3).
type Context struct {
	PipelineID     string
	Input          string
	Outputs        map[string]any
	History        []agent.Message
	Metadata       map[string]any
	ConversationID string
}

// newEmpty builds a Context with initialized maps/slices so callers never
// have to nil-check before writing.
func newEmpty(pipelineID, input string) Context {
	return Context{
		PipelineID: pipelineID,
		Input:      input,
		Outputs:    map[string]any{},
		History:    []agent.Message{},
		Metadata:   map[string]any{},
	}
}

// Manager owns a single Context and serializes access to it. It is built
// for single-threaded executor use (spec.md §4.2); the graph executor
// clones the Manager for each parallel fork branch instead of sharing one
// across goroutines, exactly as §4.4/§5 require.
type Manager struct {
	mu  sync.Mutex
	ctx Context
	// onDuplicateOutput, if set, is called with the step name whenever
	// RecordOutput overwrites an existing key — the warning hook spec.md
	// §3 requires ("recording an output twice... is reported").
	onDuplicateOutput func(name string)
}

// New creates a Manager with a fresh Context for pipelineID and input.
func New(pipelineID, input string) *Manager {
	return &Manager{ctx: newEmpty(pipelineID, input)}
}

// Restore rehydrates a Manager from a previously persisted Context, used
// when resuming from a checkpoint (spec.md §4.3 step 2): outputs and
// metadata are restored verbatim, and conversationId is merged (restored
// wins unless empty, matching "restored... merged" semantics).
func Restore(restored Context, conversationID string) *Manager {
	c := restored
	if c.Outputs == nil {
		c.Outputs = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.History == nil {
		c.History = []agent.Message{}
	}
	if c.ConversationID == "" {
		c.ConversationID = conversationID
	}
	return &Manager{ctx: c}
}

// OnDuplicateOutput registers a callback invoked whenever RecordOutput
// would overwrite an existing step output, so the executor can surface
// the "last write wins, warning emitted" behavior through its logger.
func (m *Manager) OnDuplicateOutput(fn func(name string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDuplicateOutput = fn
}

// GetStepContext returns a snapshot of the context under the requested
// view, safe for a step body to read without racing the canonical state.
func (m *Manager) GetStepContext(view View) Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch view {
	case ViewIsolated:
		return Context{
			PipelineID:     m.ctx.PipelineID,
			Input:          m.ctx.Input,
			Outputs:        map[string]any{},
			History:        []agent.Message{},
			Metadata:       cloneMetadata(m.ctx.Metadata),
			ConversationID: m.ctx.ConversationID,
		}
	default: // ViewAccumulated
		return m.snapshotLocked()
	}
}

// GetFull always returns the full accumulated context, regardless of any
// step's view — used by the executor itself (e.g. to build the final
// result) rather than by step bodies.
func (m *Manager) GetFull() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Context {
	outputs := make(map[string]any, len(m.ctx.Outputs))
	for k, v := range m.ctx.Outputs {
		outputs[k] = v
	}
	history := make([]agent.Message, len(m.ctx.History))
	copy(history, m.ctx.History)
	return Context{
		PipelineID:     m.ctx.PipelineID,
		Input:          m.ctx.Input,
		Outputs:        outputs,
		History:        history,
		Metadata:       cloneMetadata(m.ctx.Metadata),
		ConversationID: m.ctx.ConversationID,
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RecordOutput stores value under name in the canonical context. If name
// already has a recorded output, the new value wins and
// onDuplicateOutput (if registered) fires with name.
func (m *Manager) RecordOutput(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ctx.Outputs[name]; exists && m.onDuplicateOutput != nil {
		m.onDuplicateOutput(name)
	}
	m.ctx.Outputs[name] = value
}

// Output returns the recorded output for name, if any.
func (m *Manager) Output(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ctx.Outputs[name]
	return v, ok
}

// AppendHistory appends msg to the context's conversation history.
// History is append-only by design: nothing in this package removes or
// rewrites a prior entry.
func (m *Manager) AppendHistory(msg agent.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.History = append(m.ctx.History, msg)
}

// AddMetadata sets a single metadata key.
func (m *Manager) AddMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Metadata[key] = value
}

// MergeMetadata shallow-merges md into the context's metadata, as hook
// results' Context/Metadata fields are merged in (spec.md §3 HookResult).
func (m *Manager) MergeMetadata(md map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range md {
		m.ctx.Metadata[k] = v
	}
}

// SetConversationID sets or overwrites the conversation id.
func (m *Manager) SetConversationID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.ConversationID = id
}

// Clone produces an independent Manager carrying a deep copy of the
// current context — used by the graph executor for fork branches so
// parallel branches cannot interleave writes onto shared state (spec.md
// §4.4, §5). The copy goes through JSON so it is correct regardless of
// what concrete types step outputs happen to hold, matching the "treat
// PipelineContext as data" design note in spec.md §9.
func (m *Manager) Clone() (*Manager, error) {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	cloned, err := deepCopyContext(snap)
	if err != nil {
		return nil, err
	}
	return &Manager{ctx: cloned}, nil
}

func deepCopyContext(c Context) (Context, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return Context{}, err
	}
	var out Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return Context{}, err
	}
	if out.Outputs == nil {
		out.Outputs = map[string]any{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if out.History == nil {
		out.History = []agent.Message{}
	}
	return out, nil
}
