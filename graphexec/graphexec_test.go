package graphexec

import (
	"context"
	"testing"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/pctx"
	"github.com/corewave/agentflow/pipeline"
)

func constFn(v any) FuncNode {
	return func(ctx context.Context, stepCtx pctx.Context) (any, error) { return v, nil }
}

func TestExecuteLinearFunctionChain(t *testing.T) {
	cfg := Config{
		ID: "wf-1",
		Nodes: []Node{
			{ID: "a", Kind: NodeFunction, Fn: constFn("a-out")},
			{ID: "b", Kind: NodeFunction, Fn: constFn("b-out")},
		},
		EntryNode: "a",
		Edges:     []Edge{{From: "a", To: "b"}},
	}
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := e.Execute(context.Background(), "wf-1", "hi", Options{})
	if !res.Success || res.Status != StatusCompleted {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Outputs["a"] != "a-out" || res.Outputs["b"] != "b-out" {
		t.Fatalf("unexpected outputs: %+v", res.Outputs)
	}
	if len(res.ExecutedNodes) != 2 || res.ExecutedNodes[0] != "a" || res.ExecutedNodes[1] != "b" {
		t.Fatalf("unexpected execution order: %v", res.ExecutedNodes)
	}
}

func TestExecuteConditionalEdgeRoutesToMatch(t *testing.T) {
	cfg := Config{
		ID: "wf-cond",
		Nodes: []Node{
			{ID: "a", Kind: NodeFunction, Fn: func(ctx context.Context, stepCtx pctx.Context) (any, error) {
				return map[string]any{"score": 10}, nil
			}},
			{ID: "high", Kind: NodeFunction, Fn: constFn("high-branch")},
			{ID: "low", Kind: NodeFunction, Fn: constFn("low-branch")},
		},
		EntryNode: "a",
		Edges: []Edge{
			{From: "a", To: "high", Condition: &Condition{Field: "a.score", Op: OpGT, Value: 5}},
			{From: "a", To: "low", Default: true},
		},
	}
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := e.Execute(context.Background(), "wf-cond", "hi", Options{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if _, ok := res.Outputs["high"]; !ok {
		t.Fatalf("expected high branch to run, got outputs %+v", res.Outputs)
	}
	if _, ok := res.Outputs["low"]; ok {
		t.Fatalf("expected low branch NOT to run, got outputs %+v", res.Outputs)
	}
}

func TestExecuteForkJoinMergesShallow(t *testing.T) {
	cfg := Config{
		ID: "wf-fork",
		Nodes: []Node{
			{ID: "start", Kind: NodeFunction, Fn: constFn("start-out")},
			{ID: "fork", Kind: NodeFork, Branches: []string{"b1", "b2"}},
			{ID: "b1", Kind: NodeFunction, Fn: func(ctx context.Context, stepCtx pctx.Context) (any, error) {
				return map[string]any{"b1": "v1"}, nil
			}},
			{ID: "b2", Kind: NodeFunction, Fn: func(ctx context.Context, stepCtx pctx.Context) (any, error) {
				return map[string]any{"b2": "v2"}, nil
			}},
			{ID: "join", Kind: NodeJoin, Sources: []string{"b1", "b2"}, Merge: MergeShallow},
		},
		EntryNode: "start",
		Edges: []Edge{
			{From: "start", To: "fork"},
		},
	}
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := e.Execute(context.Background(), "wf-fork", "hi", Options{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	merged, ok := res.Outputs["join"].(map[string]any)
	if !ok {
		t.Fatalf("expected join output to be a map, got %T", res.Outputs["join"])
	}
	if merged["b1"] != "v1" || merged["b2"] != "v2" {
		t.Fatalf("unexpected merged join output: %+v", merged)
	}
}

func TestExecutePausesOnPauseSignal(t *testing.T) {
	cfg := Config{
		ID: "wf-pause",
		Nodes: []Node{
			{ID: "a", Kind: NodeFunction, Fn: func(ctx context.Context, stepCtx pctx.Context) (any, error) {
				return pipeline.PauseSignal{Prompt: "continue?"}, nil
			}},
		},
		EntryNode: "a",
	}
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := e.Execute(context.Background(), "wf-pause", "hi", Options{})
	if res.Status != StatusPaused || res.PauseRequest == nil {
		t.Fatalf("expected paused result, got %+v", res)
	}
	if res.PauseRequest.Prompt != "continue?" {
		t.Fatalf("unexpected pause prompt: %q", res.PauseRequest.Prompt)
	}
}

type handoffAgent struct {
	resp agent.Response
	err  error
}

func (h *handoffAgent) Process(ctx context.Context, input string, history []agent.Message) (agent.Response, error) {
	return h.resp, h.err
}

func TestExecuteAgentHandoffAllowedTarget(t *testing.T) {
	registry := agent.NewMapRegistry(map[string]agent.Agent{
		"agent-a": &handoffAgent{resp: agent.Response{Content: "handing off", Handoff: &agent.HandoffSignal{TargetAgent: "agent-b"}}},
		"agent-b": &handoffAgent{resp: agent.Response{Content: "got it"}},
	})
	cfg := Config{
		ID:        "wf-handoff",
		Nodes:     []Node{{ID: "a", Kind: NodeAgent, AgentID: "agent-a"}},
		EntryNode: "a",
		Handoffs:  NewHandoffTable(map[string][]string{"agent-a": {"agent-b"}}),
	}
	e := New(registry, nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := e.Execute(context.Background(), "wf-handoff", "hi", Options{})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	out, ok := res.Outputs["a"].(agent.Response)
	if !ok || out.Content != "got it" {
		t.Fatalf("expected handoff target's reply, got %+v", res.Outputs["a"])
	}
}

func TestExecuteAgentHandoffDisallowedTargetProducesHandoffError(t *testing.T) {
	registry := agent.NewMapRegistry(map[string]agent.Agent{
		"agent-a": &handoffAgent{resp: agent.Response{Content: "handing off", Handoff: &agent.HandoffSignal{TargetAgent: "agent-ghost"}}},
	})
	cfg := Config{
		ID:        "wf-handoff-bad",
		Nodes:     []Node{{ID: "a", Kind: NodeAgent, AgentID: "agent-a"}},
		EntryNode: "a",
		Handoffs:  NewHandoffTable(map[string][]string{"agent-a": {"agent-b"}}),
	}
	e := New(registry, nil, nil, nil, nil, nil, nil)
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := e.Execute(context.Background(), "wf-handoff-bad", "hi", Options{})
	if !res.Success {
		t.Fatalf("expected success (disallowed handoff is a valid outcome, not a failure), got %+v", res)
	}
	herr, ok := res.Outputs["a"].(HandoffError)
	if !ok {
		t.Fatalf("expected HandoffError output, got %T", res.Outputs["a"])
	}
	if herr.AvailableTargets[0] != "agent-b" {
		t.Fatalf("unexpected available targets: %v", herr.AvailableTargets)
	}
}

func TestExecuteUnregisteredWorkflowFails(t *testing.T) {
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	res := e.Execute(context.Background(), "missing", "hi", Options{})
	if res.Success || res.Status != StatusFailed {
		t.Fatalf("expected failure for unregistered workflow, got %+v", res)
	}
}

func TestExecuteBranchEventCallbackFires(t *testing.T) {
	cfg := Config{
		ID: "wf-branch-event",
		Nodes: []Node{
			{ID: "a", Kind: NodeFunction, Fn: func(ctx context.Context, stepCtx pctx.Context) (any, error) {
				return map[string]any{"ok": true}, nil
			}},
			{ID: "b", Kind: NodeFunction, Fn: constFn("b-out")},
		},
		EntryNode: "a",
		Edges: []Edge{
			{From: "a", To: "b", Condition: &Condition{Field: "a.ok", Op: OpEquals, Value: true}},
		},
	}
	e := New(agent.NewMapRegistry(nil), nil, nil, nil, nil, nil, nil)
	var seen []bool
	e.OnBranchEvent = func(nodeID string, edge Edge, taken bool) { seen = append(seen, taken) }
	if _, err := e.RegisterWorkflow(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	e.Execute(context.Background(), "wf-branch-event", "hi", Options{})
	if len(seen) != 1 || !seen[0] {
		t.Fatalf("expected one taken branch event, got %v", seen)
	}
}
