// Package graphexec implements the Graph Workflow Executor of spec.md
// §4.4 (DAG runner with conditional edges, fork/join parallelism, agent
// handoff chains) and its §4.9 registration-time validation. It adapts
// the teacher's generic Engine[S]/Node[S]/Edge[S] frontier-walk pattern
// (graph/engine.go) to the spec's non-generic, string-keyed, tagged-union
// node model instead of reusing the generic reducer type verbatim.
package graphexec

import (
	"context"

	"github.com/corewave/agentflow/pctx"
	"github.com/corewave/agentflow/pipeline"
)

// NodeKind tags which Node variant is populated.
type NodeKind string

const (
	NodeAgent       NodeKind = "agent"
	NodeFunction    NodeKind = "function"
	NodeConditional NodeKind = "conditional"
	NodePipelineRef NodeKind = "pipelineRef"
	NodeFork        NodeKind = "fork"
	NodeJoin        NodeKind = "join"
)

// MergeMode selects how a Join node folds its sources' outputs.
type MergeMode string

const (
	MergeShallow MergeMode = "shallow-merge"
	MergeArray   MergeMode = "array"
)

// FuncNode is the body of a Function node.
type FuncNode func(ctx context.Context, stepCtx pctx.Context) (any, error)

// CondFunc is the predicate of a Conditional node.
type CondFunc func(ctx context.Context, stepCtx pctx.Context) (bool, error)

// Node is the tagged union of spec.md §3: executable kinds
// (Agent/Function/Conditional/PipelineRef) keyed by Id, plus the control
// kinds Fork and Join.
type Node struct {
	ID   string
	Kind NodeKind
	View pctx.View

	// NodeAgent
	AgentID string

	// NodeFunction
	Fn FuncNode

	// NodeConditional: WhenTrue/WhenFalse are nested executable nodes run
	// inline in sequence (not graph-level nodes reachable by edges),
	// mirroring the structurally-identical Step.Conditional in the
	// pipeline package — spec.md §3 notes Node is "as above [Step], keyed
	// by id, not name".
	Cond      CondFunc
	WhenTrue  []Node
	WhenFalse []Node

	// NodePipelineRef
	PipelineID string

	// NodeFork
	Branches []string // node ids run in parallel

	// NodeJoin
	Sources []string
	Merge   MergeMode

	Retry *pipeline.RetryPolicy
}

// Op is a conditional edge's comparison operator (spec.md §3).
type Op string

const (
	OpEquals    Op = "equals"
	OpNotEquals Op = "notEquals"
	OpExists    Op = "exists"
	OpGT        Op = "gt"
	OpLT        Op = "lt"
)

// Condition gates an Edge: Field is a dot path into the context's
// outputs map.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Edge connects From to To, optionally gated by Condition or marked
// Default. Edge order within a Config's Edges slice is the conditional
// evaluation order (first-match-wins, spec.md §4.4).
type Edge struct {
	From      string
	To        string
	Condition *Condition
	Default   bool
}

// HandoffTable maps a source agent id to the set of agent ids it may
// hand off control to (spec.md §4.5).
type HandoffTable map[string]map[string]bool

// NewHandoffTable builds a HandoffTable from a plain map[string][]string.
func NewHandoffTable(allowed map[string][]string) HandoffTable {
	t := make(HandoffTable, len(allowed))
	for src, dsts := range allowed {
		set := make(map[string]bool, len(dsts))
		for _, d := range dsts {
			set[d] = true
		}
		t[src] = set
	}
	return t
}

func (t HandoffTable) allows(src, dst string) bool {
	set, ok := t[src]
	return ok && set[dst]
}

func (t HandoffTable) targetsOf(src string) []string {
	set, ok := t[src]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}

// CheckpointConfig mirrors pipeline.CheckpointConfig. Executor does not
// read Enabled: a graph run saves no per-node in_progress checkpoints and
// writes a checkpoint only when a node pauses.
type CheckpointConfig struct {
	Enabled bool
}

// Config is a registered graph workflow definition (spec.md §3
// GraphWorkflowConfig).
type Config struct {
	ID         string
	Nodes      []Node
	Edges      []Edge
	EntryNode  string
	Handoffs   HandoffTable
	Checkpoint CheckpointConfig
}
