package graphexec

import (
	"context"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/execerr"
	"github.com/corewave/agentflow/hook"
	"github.com/corewave/agentflow/obs"
	"github.com/corewave/agentflow/pctx"
)

// HandoffError is the node output produced when an agent requests a
// handoff to a target its workflow doesn't allow (spec.md §4.5 step 1).
// No transfer occurs when this is returned.
type HandoffError struct {
	Error            string
	AvailableTargets []string
}

// performHandoff implements the Agent Handoff procedure of spec.md §4.5.
// It returns either a final agent.Response (the last non-handoff reply
// in the chain) or a HandoffError (the chain hit a disallowed target) as
// its any result — never both, never an execution error for a disallowed
// target, since that is a valid node outcome, not a failure.
// sourceAgentID is the agent that just returned signal; chain
// accumulates every agent id visited so far (including sourceAgentID)
// for the handoffChain telemetry field. Recursion has no depth limit by
// design (spec.md §9).
func (e *Executor) performHandoff(ctx context.Context, cfg Config, mgr *pctx.Manager, sourceAgentID string, signal agent.HandoffSignal, chain []string) (any, error) {
	if !cfg.Handoffs.allows(sourceAgentID, signal.TargetAgent) {
		return HandoffError{
			Error:            "handoff target not allowed: " + signal.TargetAgent,
			AvailableTargets: cfg.Handoffs.targetsOf(sourceAgentID),
		}, nil
	}

	target, ok := e.agents.Agent(signal.TargetAgent)
	if !ok {
		return nil, execerr.NotFound("handoff target agent not registered: " + signal.TargetAgent)
	}

	// Build the HandoffContext and fold it into the shared context: a
	// handoff does not fork the run, so "update the current context"
	// (step 3) is a direct mutation of mgr rather than a merge of a
	// separately built context.
	nextChain := append(append([]string{}, chain...), signal.TargetAgent)
	mgr.MergeMetadata(map[string]any{
		"handoffFrom":  sourceAgentID,
		"handoffChain": chain,
	})
	if signal.Reason != "" {
		mgr.AddMetadata("handoffReason", signal.Reason)
	}

	snap := mgr.GetFull()
	resp, err := target.Process(ctx, snap.Input, snap.History)
	if err != nil {
		return nil, execerr.Provider("handoff target invocation failed", err)
	}
	mgr.AppendHistory(agent.Message{Role: agent.RoleAssistant, Content: resp.Content})

	stepCorr := obs.Correlation{StepName: "handoff:" + sourceAgentID + "->" + signal.TargetAgent}
	e.hooks.ExecuteAndMerge(ctx, hook.Event{
		Type:        hook.AfterStep,
		Data:        hook.StepEventData{PipelineID: cfg.ID, StepName: stepCorr.StepName, Output: resp},
		Correlation: stepCorr,
	})

	if resp.Handoff != nil {
		return e.performHandoff(ctx, cfg, mgr, signal.TargetAgent, *resp.Handoff, nextChain)
	}
	return resp, nil
}
