package hook

import (
	"context"

	"github.com/corewave/agentflow/provider/pricing"
)

// CostRecorder adapts a pricing.Tracker into AfterStep/AfterPipeline
// handlers, mirroring how the teacher wires its CostTracker into the node
// lifecycle: running cost/token totals ride along on hook metadata instead
// of callers having to poll the tracker out of band. It does not record
// calls itself — the agent or tool code that knows a given invocation's
// model and token counts calls tracker.RecordCall directly; CostRecorder
// only surfaces the running tally at each lifecycle point.
type CostRecorder struct {
	tracker *pricing.Tracker
}

// NewCostRecorder wraps tracker. Register AfterStep and AfterPipeline with
// a Manager to have every step and every completed run carry the running
// cost/token totals in its hook metadata.
func NewCostRecorder(tracker *pricing.Tracker) *CostRecorder {
	return &CostRecorder{tracker: tracker}
}

// AfterStep attaches the running cost/token totals after each step.
func (c *CostRecorder) AfterStep(ctx context.Context, event Event) Result {
	return Result{Metadata: c.snapshot()}
}

// AfterPipeline attaches the final cost/token totals once a run finishes.
func (c *CostRecorder) AfterPipeline(ctx context.Context, event Event) Result {
	return Result{Metadata: c.snapshot()}
}

func (c *CostRecorder) snapshot() map[string]any {
	input, output := c.tracker.TokenUsage()
	return map[string]any{
		"cost.total_usd":     c.tracker.TotalCost(),
		"cost.input_tokens":  input,
		"cost.output_tokens": output,
		"cost.by_model":      c.tracker.CostByModel(),
	}
}
