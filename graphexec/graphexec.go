package graphexec

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/checkpoint"
	"github.com/corewave/agentflow/execerr"
	"github.com/corewave/agentflow/hook"
	"github.com/corewave/agentflow/obs"
	"github.com/corewave/agentflow/obs/promstats"
	"github.com/corewave/agentflow/pctx"
	"github.com/corewave/agentflow/pipeline"
)

// NewRunID mints a fresh run identifier for a graph execution.
func NewRunID() string { return uuid.NewString() }

// Status mirrors pipeline.Status for graph runs.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusPaused    Status = "paused"
)

// Result is the terminal outcome of Execute (spec.md §4.4 termination).
type Result struct {
	Success       bool
	Status        Status
	Context       pctx.Context
	Outputs       map[string]any
	ExecutedNodes []string
	RunID         string
	Error         error
	AbortedBy     string
	PauseRequest  *pipeline.PauseRequest
}

// Options customizes one Execute call.
type Options struct {
	RunID           string
	RestoredContext *pctx.Context
}

// Executor runs registered graph Configs. It delegates PipelineRef nodes
// to a pipeline.Executor and Agent nodes to an agent.Registry, exactly
// as the teacher keeps its model providers out of graph/engine.go.
type Executor struct {
	agents    agent.Registry
	pipelines *pipeline.Executor
	hooks     *hook.Manager
	storage   checkpoint.Storage
	tracer    obs.Tracer
	logger    obs.Logger
	metrics   *promstats.Metrics
	workflows map[string]Config

	// OnBranchEvent, if set, is called once per evaluated outgoing edge
	// during next-node selection with whether that edge was taken — the
	// graph.branch_taken / graph.branch_not_taken events of spec.md §4.4.
	OnBranchEvent func(nodeID string, e Edge, taken bool)
}

// New builds an Executor.
func New(agents agent.Registry, pipelines *pipeline.Executor, hooks *hook.Manager, storage checkpoint.Storage, tracer obs.Tracer, logger obs.Logger, metrics *promstats.Metrics) *Executor {
	if hooks == nil {
		hooks = hook.New(nil)
	}
	if tracer == nil {
		tracer = obs.NoopTracer{}
	}
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Executor{
		agents:    agents,
		pipelines: pipelines,
		hooks:     hooks,
		storage:   storage,
		tracer:    tracer,
		logger:    logger,
		metrics:   metrics,
		workflows: make(map[string]Config),
	}
}

// RegisterWorkflow validates cfg per §4.9 and registers it. Validation
// warnings (handoff targets) are returned even on success.
func (e *Executor) RegisterWorkflow(cfg Config) ([]string, error) {
	warnings, err := Validate(cfg)
	if err != nil {
		return nil, err
	}
	e.workflows[cfg.ID] = cfg
	return warnings, nil
}

type runState struct {
	cfg          Config
	mgr          *pctx.Manager
	nodesByID    map[string]Node
	outgoing     map[string][]Edge
	nodeOutputs  map[string]any
	executedOrd  []string
	enqueued     map[string]bool
	joinPending  map[string]map[string]bool
	joinToNode   map[string]Node
	branchToJoin map[string][]string // branch node id -> joins it feeds
}

func buildRunState(cfg Config, mgr *pctx.Manager) *runState {
	st := &runState{
		cfg:          cfg,
		mgr:          mgr,
		nodesByID:    make(map[string]Node, len(cfg.Nodes)),
		outgoing:     make(map[string][]Edge),
		nodeOutputs:  make(map[string]any),
		enqueued:     make(map[string]bool),
		joinPending:  make(map[string]map[string]bool),
		joinToNode:   make(map[string]Node),
		branchToJoin: make(map[string][]string),
	}
	for _, n := range cfg.Nodes {
		st.nodesByID[n.ID] = n
	}
	for _, e := range cfg.Edges {
		st.outgoing[e.From] = append(st.outgoing[e.From], e)
	}
	for _, n := range cfg.Nodes {
		if n.Kind == NodeJoin {
			pending := make(map[string]bool, len(n.Sources))
			for _, s := range n.Sources {
				pending[s] = true
				st.branchToJoin[s] = append(st.branchToJoin[s], n.ID)
			}
			st.joinPending[n.ID] = pending
			st.joinToNode[n.ID] = n
		}
	}
	return st
}

// Execute runs the workflow registered under workflowID per spec.md
// §4.4's main loop.
func (e *Executor) Execute(ctx context.Context, workflowID string, input string, opts Options) Result {
	cfg, ok := e.workflows[workflowID]
	if !ok {
		return Result{Success: false, Status: StatusFailed, Error: execerr.NotFound("workflow not registered: " + workflowID)}
	}

	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}

	var mgr *pctx.Manager
	if opts.RestoredContext != nil {
		mgr = pctx.Restore(*opts.RestoredContext, opts.RestoredContext.ConversationID)
	} else {
		mgr = pctx.New(cfg.ID, input)
	}
	mgr.OnDuplicateOutput(func(name string) {
		e.logger.Warn(ctx, "duplicate node output overwritten", "workflow_id", cfg.ID, "node", name)
	})

	corr := obs.Correlation{RunID: runID, PipelineID: cfg.ID, Timestamp: time.Now()}
	ctx = obs.WithCorrelation(ctx, corr)
	defer obs.Forget(runID)

	if e.metrics != nil {
		e.metrics.IncInflight()
		defer e.metrics.DecInflight()
	}

	ctx, span := e.tracer.Start(ctx, "graph.run")
	span.SetAttribute("workflow_id", cfg.ID)
	span.SetAttribute("run_id", runID)
	defer span.End()

	st := buildRunState(cfg, mgr)

	beforeMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{
		Type:        hook.BeforePipeline,
		Data:        hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: "starting"},
		Correlation: corr,
	})
	mgr.MergeMetadata(beforeMerged.Metadata)
	if beforeMerged.Abort {
		span.SetStatusError("aborted by beforePipeline hook")
		return Result{Success: false, Status: StatusAborted, RunID: runID, Context: mgr.GetFull(), AbortedBy: "beforePipeline"}
	}

	queue := []string{cfg.EntryNode}
	st.enqueued[cfg.EntryNode] = true

	var aborted string
	var pauseReq *pipeline.PauseRequest
	var runErr error

loop:
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		select {
		case <-ctx.Done():
			runErr = execerr.New(execerr.TagExecution, execerr.ClassInfrastructure, "context canceled", ctx.Err())
			break loop
		default:
		}

		node, ok := st.nodesByID[id]
		if !ok {
			runErr = execerr.Validation("unknown node enqueued: " + id)
			break loop
		}

		switch node.Kind {
		case NodeFork:
			st.executedOrd = append(st.executedOrd, node.ID)
			newlyReady, abortedBy, forkErr := e.runFork(ctx, st, node, corr)
			if forkErr != nil {
				runErr = forkErr
				break loop
			}
			if abortedBy != "" {
				aborted = abortedBy
				break loop
			}
			for _, rid := range newlyReady {
				if !st.enqueued[rid] {
					st.enqueued[rid] = true
					queue = append(queue, rid)
				}
			}

		case NodeJoin:
			out := mergeJoinOutputs(node, st)
			st.nodeOutputs[node.ID] = out
			mgr.RecordOutput(node.ID, out)
			st.executedOrd = append(st.executedOrd, node.ID)
			next := e.selectNext(st, node.ID)
			for _, rid := range next {
				if !st.enqueued[rid] {
					st.enqueued[rid] = true
					queue = append(queue, rid)
				}
			}

		default:
			out, abortedBy, pause, skipped, nodeErr := e.runExecutableNode(ctx, st, node, corr, cfg)
			if nodeErr != nil {
				runErr = nodeErr
				break loop
			}
			if abortedBy != "" {
				aborted = abortedBy
				break loop
			}
			if pause != nil {
				if e.storage != nil {
					e.savePausedCheckpoint(ctx, cfg, runID, node.ID, mgr, *pause)
				}
				if e.metrics != nil {
					e.metrics.IncPause(cfg.ID)
				}
				pauseReq = &pipeline.PauseRequest{Prompt: pause.Prompt, Choices: pause.Choices, Schema: pause.Schema, Metadata: pause.Metadata}
				break loop
			}

			if !skipped {
				st.nodeOutputs[node.ID] = out
				mgr.RecordOutput(node.ID, out)
				st.executedOrd = append(st.executedOrd, node.ID)
				e.markJoinProgress(st, node.ID, &queue)
			}

			next := e.selectNext(st, node.ID)
			for _, rid := range next {
				if !st.enqueued[rid] {
					st.enqueued[rid] = true
					queue = append(queue, rid)
				}
			}
		}
	}

	if pauseReq != nil {
		return Result{Success: true, Status: StatusPaused, RunID: runID, Context: mgr.GetFull(), Outputs: st.nodeOutputs, ExecutedNodes: st.executedOrd, PauseRequest: pauseReq}
	}

	if aborted != "" {
		span.SetStatusError("aborted")
		e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterPipeline, Data: hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusAborted)}, Correlation: corr})
		return Result{Success: false, Status: StatusAborted, RunID: runID, Context: mgr.GetFull(), Outputs: st.nodeOutputs, ExecutedNodes: st.executedOrd, AbortedBy: aborted}
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatusError(runErr.Error())
		e.hooks.ExecuteAndMerge(ctx, hook.Event{
			Type:        hook.OnPipelineError,
			Data:        hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusFailed), Err: runErr},
			Correlation: corr,
		})
		return Result{Success: false, Status: StatusFailed, RunID: runID, Context: mgr.GetFull(), Outputs: st.nodeOutputs, ExecutedNodes: st.executedOrd, Error: runErr}
	}

	e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterPipeline, Data: hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusCompleted)}, Correlation: corr})
	return Result{Success: true, Status: StatusCompleted, RunID: runID, Context: mgr.GetFull(), Outputs: st.nodeOutputs, ExecutedNodes: st.executedOrd}
}

// runFork evaluates all of a Fork's branches concurrently, each against
// an independent cloned context (spec.md §5), then folds completions
// into the pending join sets.
func (e *Executor) runFork(ctx context.Context, st *runState, fork Node, corr obs.Correlation) (newlyReady []string, abortedBy string, err error) {
	type branchResult struct {
		id     string
		output any
		err    error
		abort  string
	}

	results := make([]branchResult, len(fork.Branches))
	var wg sync.WaitGroup
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, bid := range fork.Branches {
		node, ok := st.nodesByID[bid]
		if !ok {
			return nil, "", execerr.Validation("fork branch references unknown node: " + bid)
		}
		clone, cloneErr := st.mgr.Clone()
		if cloneErr != nil {
			return nil, "", execerr.Execution("failed to clone context for fork branch", cloneErr)
		}
		wg.Add(1)
		go func(i int, node Node, branchMgr *pctx.Manager) {
			defer wg.Done()
			out, abortedBy, pause, _, nodeErr := e.runExecutableNode(branchCtx, &runState{cfg: st.cfg, mgr: branchMgr, nodesByID: st.nodesByID}, node, corr, st.cfg)
			if pause != nil {
				nodeErr = execerr.Validation("pause signal inside a fork branch is not supported")
			}
			results[i] = branchResult{id: node.ID, output: out, err: nodeErr, abort: abortedBy}
			if nodeErr != nil {
				cancel() // a failing branch cancels sibling branches' remaining work where feasible
			}
		}(i, node, clone)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, "", execerr.Execution("fork branch failed: "+r.id, r.err)
		}
		if r.abort != "" {
			return nil, r.abort, nil
		}
		st.nodeOutputs[r.id] = r.output
		st.executedOrd = append(st.executedOrd, r.id)
		for _, joinID := range st.branchToJoin[r.id] {
			delete(st.joinPending[joinID], r.id)
			if len(st.joinPending[joinID]) == 0 {
				newlyReady = append(newlyReady, joinID)
			}
		}
	}
	return newlyReady, "", nil
}

// markJoinProgress is the sequential-path counterpart of runFork's join
// bookkeeping, used when a join's source is a plain (non-fork) node.
func (e *Executor) markJoinProgress(st *runState, completedID string, queue *[]string) {
	for _, joinID := range st.branchToJoin[completedID] {
		delete(st.joinPending[joinID], completedID)
		if len(st.joinPending[joinID]) == 0 && !st.enqueued[joinID] {
			st.enqueued[joinID] = true
			*queue = append(*queue, joinID)
		}
	}
}

func mergeJoinOutputs(join Node, st *runState) any {
	if join.Merge == MergeArray {
		arr := make([]any, 0, len(join.Sources))
		for _, s := range join.Sources {
			arr = append(arr, st.nodeOutputs[s])
		}
		return arr
	}
	merged := map[string]any{}
	for _, s := range join.Sources {
		v := st.nodeOutputs[s]
		if m, ok := v.(map[string]any); ok {
			for k, val := range m {
				merged[k] = val
			}
			continue
		}
		merged[s] = v
	}
	return merged
}

// selectNext implements the next-node selection rules of spec.md §4.4.
func (e *Executor) selectNext(st *runState, fromID string) []string {
	edges := st.outgoing[fromID]
	if len(edges) == 0 {
		return nil
	}

	for _, edge := range edges {
		if edge.Condition == nil {
			continue
		}
		matched := evaluateCondition(*edge.Condition, st.mgr.GetFull().Outputs)
		if e.OnBranchEvent != nil {
			e.OnBranchEvent(fromID, edge, matched)
		}
		if matched {
			return []string{edge.To}
		}
	}

	var defaultEdge *Edge
	var unconditional []Edge
	for i := range edges {
		edge := edges[i]
		if edge.Condition != nil {
			continue
		}
		if edge.Default {
			if defaultEdge == nil {
				defaultEdge = &edges[i]
			}
			continue
		}
		unconditional = append(unconditional, edge)
	}
	if defaultEdge != nil {
		return []string{defaultEdge.To}
	}
	targets := make([]string, 0, len(unconditional))
	for _, e := range unconditional {
		targets = append(targets, e.To)
	}
	return targets
}

// evaluateCondition implements the dot-path field lookup and operators
// of spec.md §3/§4.4.
func evaluateCondition(cond Condition, outputs map[string]any) bool {
	value, exists := lookupDotPath(outputs, cond.Field)
	switch cond.Op {
	case OpExists:
		return exists
	case OpEquals:
		return exists && valuesEqual(value, cond.Value)
	case OpNotEquals:
		return !exists || !valuesEqual(value, cond.Value)
	case OpGT:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return exists && aok && bok && a > b
	case OpLT:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return exists && aok && bok && a < b
	default:
		return false
	}
}

func lookupDotPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (e *Executor) savePausedCheckpoint(ctx context.Context, cfg Config, runID string, nodeID string, mgr *pctx.Manager, ps pipeline.PauseSignal) {
	expires := time.Now().Add(checkpoint.DefaultTTL)
	full := mgr.GetFull()
	idemKey, err := checkpoint.ComputeIdempotencyKey(runID, 0, full)
	if err != nil {
		e.logger.Warn(ctx, "failed to compute idempotency key for paused checkpoint", "run_id", runID, "node", nodeID, "error", err)
	}
	cp := checkpoint.Checkpoint{
		RunID:          runID,
		PipelineID:     cfg.ID,
		StepName:       nodeID,
		Status:         checkpoint.StatusPaused,
		Context:        full,
		IdempotencyKey: idemKey,
		ExpiresAt:      &expires,
		PauseMeta: &checkpoint.PauseMetadata{
			Prompt:         ps.Prompt,
			Choices:        ps.Choices,
			Schema:         ps.Schema,
			ResumeBehavior: ps.Resume,
			Metadata:       ps.Metadata,
		},
	}
	if err := e.storage.Save(ctx, cp); err != nil {
		e.logger.Error(ctx, "failed to save paused checkpoint", "run_id", runID, "node", nodeID, "error", err)
	}
}
