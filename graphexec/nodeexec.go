package graphexec

import (
	"context"
	"time"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/execerr"
	"github.com/corewave/agentflow/hook"
	"github.com/corewave/agentflow/obs"
	"github.com/corewave/agentflow/pctx"
	"github.com/corewave/agentflow/pipeline"
)

// runExecutableNode runs one Agent/Function/Conditional/PipelineRef node
// through beforeStep/retry/afterStep per spec.md §4.3's step-body
// semantics (reused at node granularity) and §4.4's "fire beforeStep
// (skip/abort honored)" addendum. skipped is true when a beforeStep
// handler set Skip: the node produced no output and afterStep does not
// fire, but graph traversal still continues past it.
func (e *Executor) runExecutableNode(ctx context.Context, st *runState, node Node, corr obs.Correlation, cfg Config) (output any, abortedBy string, pause *pipeline.PauseSignal, skipped bool, err error) {
	stepCorr := obs.Merge(corr, obs.Correlation{StepName: node.ID})
	stepEvData := hook.StepEventData{PipelineID: cfg.ID, StepName: node.ID}

	beforeMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.BeforeStep, Data: stepEvData, Correlation: stepCorr})
	st.mgr.MergeMetadata(beforeMerged.Metadata)
	if beforeMerged.Abort {
		return nil, "beforeStep:" + node.ID, nil, false, nil
	}
	if beforeMerged.Skip {
		return nil, "", nil, true, nil
	}

	ctx, span := e.tracer.Start(ctx, "graph.node")
	span.SetAttribute("node_id", node.ID)
	defer span.End()

	out, nodeErr := e.executeNodeWithRetry(ctx, cfg, node, st.mgr)
	if nodeErr != nil {
		span.RecordError(nodeErr)
		span.SetStatusError(nodeErr.Error())
		onErrMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{
			Type:        hook.OnStepError,
			Data:        hook.StepEventData{PipelineID: cfg.ID, StepName: node.ID, Err: nodeErr},
			Correlation: stepCorr,
		})
		if onErrMerged.Abort {
			return nil, "onStepError:" + node.ID, nil, false, nil
		}
		return nil, "", nil, false, execerr.Execution("node failed: "+node.ID, nodeErr)
	}

	if ps, ok := detectPause(out); ok {
		return nil, "", &ps, false, nil
	}

	afterMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{
		Type:        hook.AfterStep,
		Data:        hook.StepEventData{PipelineID: cfg.ID, StepName: node.ID, Output: out},
		Correlation: stepCorr,
	})
	st.mgr.MergeMetadata(afterMerged.Metadata)
	if afterMerged.Abort {
		return nil, "afterStep:" + node.ID, nil, false, nil
	}

	return out, "", nil, false, nil
}

func detectPause(output any) (pipeline.PauseSignal, bool) {
	if ps, ok := output.(pipeline.PauseSignal); ok {
		return ps, true
	}
	if ps, ok := output.(*pipeline.PauseSignal); ok && ps != nil {
		return *ps, true
	}
	return pipeline.PauseSignal{}, false
}

func (e *Executor) executeNodeWithRetry(ctx context.Context, cfg Config, node Node, mgr *pctx.Manager) (any, error) {
	policy := pipeline.RetryPolicy{}
	if node.Retry != nil {
		policy = *node.Retry
	}
	for attempt := 0; ; attempt++ {
		out, err := e.executeNodeBody(ctx, cfg, node, mgr)
		if err == nil {
			return out, nil
		}
		if attempt >= policy.MaxRetries {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.IncRetry(cfg.ID, node.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

func (e *Executor) executeNodeBody(ctx context.Context, cfg Config, node Node, mgr *pctx.Manager) (any, error) {
	view := node.View
	if view == "" {
		view = pctx.ViewAccumulated
	}
	stepCtx := mgr.GetStepContext(view)

	switch node.Kind {
	case NodeAgent:
		a, ok := e.agents.Agent(node.AgentID)
		if !ok {
			return nil, execerr.NotFound("agent not registered: " + node.AgentID)
		}
		resp, err := a.Process(ctx, stepCtx.Input, stepCtx.History)
		if err != nil {
			return nil, execerr.Provider("agent invocation failed", err)
		}
		mgr.AppendHistory(agent.Message{Role: agent.RoleAssistant, Content: resp.Content})

		if resp.Handoff != nil {
			return e.performHandoff(ctx, cfg, mgr, node.AgentID, *resp.Handoff, []string{node.AgentID})
		}
		return resp, nil

	case NodeFunction:
		if node.Fn == nil {
			return nil, execerr.Validation("function node has no body: " + node.ID)
		}
		return node.Fn(ctx, stepCtx)

	case NodeConditional:
		if node.Cond == nil {
			return nil, execerr.Validation("conditional node has no predicate: " + node.ID)
		}
		result, err := node.Cond(ctx, stepCtx)
		if err != nil {
			return nil, err
		}
		branch := node.WhenFalse
		takenPath, notTakenPath := "whenFalse", "whenTrue"
		if result {
			branch = node.WhenTrue
			takenPath, notTakenPath = "whenTrue", "whenFalse"
		}
		branchResult, err := e.executeInlineBranch(ctx, cfg, branch, mgr)
		if err != nil {
			return nil, err
		}
		return ConditionalOutput{ConditionResult: result, Result: branchResult, TakenPath: takenPath, NotTakenPath: notTakenPath}, nil

	case NodePipelineRef:
		if e.pipelines == nil {
			return nil, execerr.Validation("no pipeline executor configured for pipelineRef node: " + node.ID)
		}
		res := e.pipelines.Execute(ctx, node.PipelineID, stepCtx.Input, pipeline.Options{})
		if !res.Success {
			return nil, execerr.Execution("referenced pipeline failed: "+node.PipelineID, res.Error)
		}
		return res.FinalOutput, nil

	default:
		return nil, execerr.Validation("unsupported executable node kind: " + string(node.Kind))
	}
}

// executeInlineBranch runs a nested Node list inline (no retry loop of
// its own), mirroring pipeline.Executor.executeBranch for Conditional's
// WhenTrue/WhenFalse lists.
func (e *Executor) executeInlineBranch(ctx context.Context, cfg Config, nodes []Node, mgr *pctx.Manager) (any, error) {
	var last any
	for _, n := range nodes {
		out, err := e.executeNodeBody(ctx, cfg, n, mgr)
		if err != nil {
			return nil, err
		}
		mgr.RecordOutput(n.ID, out)
		last = out
	}
	return last, nil
}

// ConditionalOutput mirrors pipeline.ConditionalOutput for graph nodes.
type ConditionalOutput struct {
	ConditionResult bool
	Result          any
	TakenPath       string
	NotTakenPath    string
}
