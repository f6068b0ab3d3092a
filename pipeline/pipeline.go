// Package pipeline implements the sequential Pipeline Executor of
// spec.md §4.3: a step loop with hooks, retries, pause/abort/skip control
// flow, and best-effort checkpointing, built the way the teacher's
// graph/engine.go Run loop walks its node list — generalized here from a
// single generic reducer state to the spec's tagged Step union.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/checkpoint"
	"github.com/corewave/agentflow/execerr"
	"github.com/corewave/agentflow/hook"
	"github.com/corewave/agentflow/obs"
	"github.com/corewave/agentflow/obs/promstats"
	"github.com/corewave/agentflow/pctx"
)

// NewRunID mints a fresh run identifier, used whenever the caller does
// not supply one; checkpoint.Storage offers no run id generator.
func NewRunID() string { return uuid.NewString() }

// RetryPolicy is the per-step retry configuration of spec.md §3.
type RetryPolicy struct {
	MaxRetries   int
	BackoffMs    int64
	MaxBackoffMs int64 // 0 means spec's default of 10_000ms
}

func (r RetryPolicy) maxBackoff() time.Duration {
	if r.MaxBackoffMs > 0 {
		return time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	return 10 * time.Second
}

// Backoff computes min(backoffMs * 2^attempt, maxBackoffMs), per spec.md
// testable property 9. Exported so graphexec's node retry loop can reuse
// the same policy type instead of duplicating the formula.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	d := time.Duration(r.BackoffMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if max := r.maxBackoff(); d > max {
		d = max
	}
	return d
}

// StepKind tags which Step variant is populated.
type StepKind string

const (
	StepAgent       StepKind = "agent"
	StepFunction    StepKind = "function"
	StepConditional StepKind = "conditional"
	StepPipelineRef StepKind = "pipelineRef"
)

// FuncStep is the body of a Function step: computes an output from the
// step-scoped context snapshot.
type FuncStep func(ctx context.Context, stepCtx pctx.Context) (any, error)

// CondFunc is the predicate of a Conditional step.
type CondFunc func(ctx context.Context, stepCtx pctx.Context) (bool, error)

// Step is the tagged union of spec.md §3: exactly the fields for Kind
// are meaningful; the others are zero.
type Step struct {
	Name  string
	Kind  StepKind
	View  pctx.View // default ViewAccumulated when empty

	// StepAgent
	AgentID string

	// StepFunction
	Fn FuncStep

	// StepConditional
	Cond      CondFunc
	WhenTrue  []Step
	WhenFalse []Step

	// StepPipelineRef
	PipelineID string

	Retry *RetryPolicy
}

// CheckpointConfig controls per-step in_progress persistence.
type CheckpointConfig struct {
	Enabled bool
	TTL     time.Duration // 0 -> checkpoint.DefaultTTL
}

// Config is a registered pipeline definition (spec.md §3 PipelineConfig).
type Config struct {
	ID         string
	Steps      []Step
	FailFast   bool // default true; callers build via NewConfig to get the default
	Checkpoint CheckpointConfig
}

// NewConfig builds a Config with FailFast defaulted to true, matching
// spec.md's stated default.
func NewConfig(id string, steps []Step) Config {
	return Config{ID: id, Steps: steps, FailFast: true}
}

// Status is a run's terminal or paused state (spec.md §3/§7).
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusPaused    Status = "paused"
)

// PauseSignal is what a step body returns (as part of its output, or
// detected by the caller's pause predicate — see Options.PauseDetector)
// to suspend the pipeline.
type PauseSignal struct {
	Prompt   string
	Choices  []string
	Schema   map[string]any
	Resume   checkpoint.ResumeBehavior
	Metadata map[string]any
}

// PauseRequest is returned to the caller when a run pauses.
type PauseRequest struct {
	Prompt   string
	Choices  []string
	Schema   map[string]any
	Metadata map[string]any
}

// Result is the terminal outcome of Execute, carrying every field
// spec.md §7's "user-visible failure" paragraph requires.
type Result struct {
	Success      bool
	Status       Status
	FinalOutput  any
	Context      pctx.Context
	RunID        string
	Error        error
	AbortedBy    string
	PauseRequest *PauseRequest
}

// Options customizes one Execute call.
type Options struct {
	RunID           string
	RestoredContext *pctx.Context
	StartStep       int
	// PauseDetector inspects a successful step output and decides whether
	// it is a pause signal. The default detector recognizes *PauseSignal.
	PauseDetector func(output any) (PauseSignal, bool)
}

func defaultPauseDetector(output any) (PauseSignal, bool) {
	if ps, ok := output.(PauseSignal); ok {
		return ps, true
	}
	if ps, ok := output.(*PauseSignal); ok && ps != nil {
		return *ps, true
	}
	return PauseSignal{}, false
}

// Executor runs registered Configs against an agent.Registry, dispatching
// hooks and (optionally) persisting checkpoints and emitting telemetry.
type Executor struct {
	agents    agent.Registry
	hooks     *hook.Manager
	storage   checkpoint.Storage
	tracer    obs.Tracer
	logger    obs.Logger
	metrics   *promstats.Metrics
	pipelines map[string]Config
}

// New builds an Executor. storage/tracer/metrics may be nil (no
// checkpointing / no-op tracing / no metrics respectively); hooks may be
// nil (an empty Manager is created).
func New(agents agent.Registry, hooks *hook.Manager, storage checkpoint.Storage, tracer obs.Tracer, logger obs.Logger, metrics *promstats.Metrics) *Executor {
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
		hooks:     hooks,
		storage:   storage,
		tracer:    tracer,
		logger:    logger,
		metrics:   metrics,
		pipelines: make(map[string]Config),
	}
}

// Register validates cfg (unique step names, spec.md testable property
// 2) and adds it to the executor's pipeline registry so PipelineRef
// steps elsewhere can resolve it by id.
func (e *Executor) Register(cfg Config) error {
	if err := validateStepNames(cfg.Steps); err != nil {
		return err
	}
	e.pipelines[cfg.ID] = cfg
	return nil
}

func validateStepNames(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.Name] {
			return execerr.Validation("duplicate step name: " + s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Execute runs the pipeline registered under pipelineID, following the
// algorithm of spec.md §4.3.
func (e *Executor) Execute(ctx context.Context, pipelineID string, input string, opts Options) Result {
	cfg, ok := e.pipelines[pipelineID]
	if !ok {
		return Result{Success: false, Status: StatusFailed, Error: execerr.NotFound("pipeline not registered: " + pipelineID)}
	}
	return e.run(ctx, cfg, input, opts)
}

func (e *Executor) run(ctx context.Context, cfg Config, input string, opts Options) Result {
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
		e.logger.Warn(ctx, "duplicate step output overwritten", "pipeline_id", cfg.ID, "step", name)
	})

	corr := obs.Correlation{RunID: runID, PipelineID: cfg.ID, Timestamp: time.Now()}
	ctx = obs.WithCorrelation(ctx, corr)
	defer obs.Forget(runID)

	if e.metrics != nil {
		e.metrics.IncInflight()
		defer e.metrics.DecInflight()
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run")
	span.SetAttribute("pipeline_id", cfg.ID)
	span.SetAttribute("run_id", runID)
	defer span.End()

	pauseDetector := opts.PauseDetector
	if pauseDetector == nil {
		pauseDetector = defaultPauseDetector
	}

	beforeEvent := hook.Event{
		Type:        hook.BeforePipeline,
		Data:        hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: "starting"},
		Correlation: corr,
	}
	merged, _ := e.hooks.ExecuteAndMerge(ctx, beforeEvent)
	mgr.MergeMetadata(merged.Metadata)
	if merged.Abort {
		span.SetStatusError("aborted by beforePipeline hook")
		return Result{Success: false, Status: StatusAborted, RunID: runID, Context: mgr.GetFull(), AbortedBy: "beforePipeline"}
	}

	startStep := opts.StartStep
	var finalOutput any
	var runErr error
	var aborted string
	var pauseReq *PauseRequest

stepLoop:
	for i := startStep; i < len(cfg.Steps); i++ {
		step := cfg.Steps[i]
		select {
		case <-ctx.Done():
			runErr = execerr.New(execerr.TagExecution, execerr.ClassInfrastructure, "context canceled", ctx.Err())
			break stepLoop
		default:
		}

		stepCorr := obs.Merge(corr, obs.Correlation{StepName: step.Name})
		stepEvData := hook.StepEventData{PipelineID: cfg.ID, StepName: step.Name}

		beforeStepMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.BeforeStep, Data: stepEvData, Correlation: stepCorr})
		mgr.MergeMetadata(beforeStepMerged.Metadata)
		if beforeStepMerged.Abort {
			aborted = "beforeStep:" + step.Name
			break stepLoop
		}
		if beforeStepMerged.Skip {
			continue
		}

		stepCtx, stepSpan := e.tracer.Start(ctx, "pipeline.step")
		stepSpan.SetAttribute("step_name", step.Name)
		start := time.Now()

		output, paused, stepErr := e.executeStepWithRetry(stepCtx, cfg, step, mgr, pauseDetector, stepSpan)

		if stepErr != nil {
			stepSpan.RecordError(stepErr)
			stepSpan.SetStatusError(stepErr.Error())
			stepSpan.End()
			if e.metrics != nil {
				e.metrics.RecordStepLatency(cfg.ID, step.Name, time.Since(start), "error")
			}
			onErrMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{
				Type:        hook.OnStepError,
				Data:        hook.StepEventData{PipelineID: cfg.ID, StepName: step.Name, Err: stepErr},
				Correlation: stepCorr,
			})
			if onErrMerged.Abort {
				aborted = "onStepError:" + step.Name
				break stepLoop
			}
			runErr = execerr.Execution("step failed: "+step.Name, stepErr)
			break stepLoop
		}

		if paused != nil {
			stepSpan.End()
			if e.storage != nil {
				e.savePausedCheckpoint(ctx, cfg, runID, i, step.Name, mgr, *paused)
			}
			if e.metrics != nil {
				e.metrics.IncPause(cfg.ID)
			}
			pauseReq = &PauseRequest{Prompt: paused.Prompt, Choices: paused.Choices, Schema: paused.Schema, Metadata: paused.Metadata}
			return Result{Success: true, Status: StatusPaused, RunID: runID, Context: mgr.GetFull(), PauseRequest: pauseReq}
		}

		mgr.RecordOutput(step.Name, output)
		finalOutput = output
		if e.metrics != nil {
			e.metrics.RecordStepLatency(cfg.ID, step.Name, time.Since(start), "ok")
		}
		stepSpan.End()

		afterStepMerged, _ := e.hooks.ExecuteAndMerge(ctx, hook.Event{
			Type:        hook.AfterStep,
			Data:        hook.StepEventData{PipelineID: cfg.ID, StepName: step.Name, Output: output},
			Correlation: stepCorr,
		})
		mgr.MergeMetadata(afterStepMerged.Metadata)
		if afterStepMerged.Abort {
			aborted = "afterStep:" + step.Name
			break stepLoop
		}

		if cfg.Checkpoint.Enabled && e.storage != nil {
			e.saveInProgressCheckpoint(ctx, cfg, runID, i, step.Name, mgr)
		}
	}

	if aborted != "" {
		span.SetStatusError("aborted")
		e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterPipeline, Data: hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusAborted)}, Correlation: corr})
		return Result{Success: false, Status: StatusAborted, RunID: runID, Context: mgr.GetFull(), AbortedBy: aborted}
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatusError(runErr.Error())
		e.hooks.ExecuteAndMerge(ctx, hook.Event{
			Type:        hook.OnPipelineError,
			Data:        hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusFailed), Err: runErr},
			Correlation: corr,
		})
		return Result{Success: false, Status: StatusFailed, RunID: runID, Context: mgr.GetFull(), Error: runErr}
	}

	e.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterPipeline, Data: hook.PipelineEventData{PipelineID: cfg.ID, RunID: runID, Status: string(StatusCompleted)}, Correlation: corr})
	return Result{Success: true, Status: StatusCompleted, FinalOutput: finalOutput, RunID: runID, Context: mgr.GetFull()}
}

// executeStepWithRetry runs the step body under the retry loop of
// spec.md §4.3 item 5, honoring cancellation between attempts and
// annotating span with a retry.attempt.N attribute per attempt plus
// retry.success once a retried attempt succeeds (spec.md scenario S2).
func (e *Executor) executeStepWithRetry(ctx context.Context, cfg Config, step Step, mgr *pctx.Manager, pauseDetector func(any) (PauseSignal, bool), span obs.Span) (output any, pause *PauseSignal, err error) {
	policy := RetryPolicy{}
	if step.Retry != nil {
		policy = *step.Retry
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			span.SetAttribute(fmt.Sprintf("retry.attempt.%d", attempt), true)
		}
		out, bodyErr := e.executeStepBody(ctx, cfg, step, mgr)
		if bodyErr == nil {
			if attempt > 0 {
				span.SetAttribute("retry.success", true)
			}
			if ps, ok := pauseDetector(out); ok {
				return nil, &ps, nil
			}
			return out, nil, nil
		}
		if attempt >= policy.MaxRetries {
			return nil, nil, bodyErr
		}
		if e.metrics != nil {
			e.metrics.IncRetry(cfg.ID, step.Name)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

// executeStepBody dispatches on Step.Kind per spec.md §4.3's "Step body
// semantics" table.
func (e *Executor) executeStepBody(ctx context.Context, cfg Config, step Step, mgr *pctx.Manager) (any, error) {
	view := step.View
	if view == "" {
		view = pctx.ViewAccumulated
	}
	stepCtx := mgr.GetStepContext(view)

	switch step.Kind {
	case StepAgent:
		a, ok := e.agents.Agent(step.AgentID)
		if !ok {
			return nil, execerr.NotFound("agent not registered: " + step.AgentID)
		}
		resp, err := a.Process(ctx, stepCtx.Input, stepCtx.History)
		if err != nil {
			return nil, execerr.Provider("agent invocation failed", err)
		}
		mgr.AppendHistory(agent.Message{Role: agent.RoleAssistant, Content: resp.Content})
		return resp, nil

	case StepFunction:
		if step.Fn == nil {
			return nil, execerr.Validation("function step has no body: " + step.Name)
		}
		return step.Fn(ctx, stepCtx)

	case StepConditional:
		if step.Cond == nil {
			return nil, execerr.Validation("conditional step has no predicate: " + step.Name)
		}
		result, err := step.Cond(ctx, stepCtx)
		if err != nil {
			return nil, err
		}
		branch := step.WhenFalse
		takenPath, notTakenPath := "whenFalse", "whenTrue"
		if result {
			branch = step.WhenTrue
			takenPath, notTakenPath = "whenTrue", "whenFalse"
		}
		branchResult, err := e.executeBranch(ctx, cfg, branch, mgr)
		if err != nil {
			return nil, err
		}
		return ConditionalOutput{
			ConditionResult: result,
			Result:          branchResult,
			TakenPath:       takenPath,
			NotTakenPath:    notTakenPath,
		}, nil

	case StepPipelineRef:
		sub, ok := e.pipelines[step.PipelineID]
		if !ok {
			return nil, execerr.NotFound("referenced pipeline not registered: " + step.PipelineID)
		}
		res := e.run(ctx, sub, stepCtx.Input, Options{})
		if !res.Success {
			return nil, execerr.Execution("nested pipeline failed: "+step.PipelineID, res.Error)
		}
		return res.FinalOutput, nil

	default:
		return nil, execerr.Validation("unknown step kind: " + string(step.Kind))
	}
}

// executeBranch runs a nested step list without its own retry loop (the
// "retry-less inner execution" of spec.md §4.3), returning the last
// step's output.
func (e *Executor) executeBranch(ctx context.Context, cfg Config, steps []Step, mgr *pctx.Manager) (any, error) {
	var last any
	for _, s := range steps {
		out, err := e.executeStepBody(ctx, cfg, s, mgr)
		if err != nil {
			return nil, err
		}
		mgr.RecordOutput(s.Name, out)
		last = out
	}
	return last, nil
}

// ConditionalOutput is what a Conditional step records as its output.
type ConditionalOutput struct {
	ConditionResult bool
	Result          any
	TakenPath       string
	NotTakenPath    string
}

func (e *Executor) savePausedCheckpoint(ctx context.Context, cfg Config, runID string, step int, stepName string, mgr *pctx.Manager, ps PauseSignal) {
	ttl := cfg.Checkpoint.TTL
	if ttl <= 0 {
		ttl = checkpoint.DefaultTTL
	}
	expires := time.Now().Add(ttl)
	full := mgr.GetFull()
	idemKey, err := checkpoint.ComputeIdempotencyKey(runID, step, full)
	if err != nil {
		e.logger.Warn(ctx, "failed to compute idempotency key for paused checkpoint", "run_id", runID, "step", step, "error", err)
	}
	cp := checkpoint.Checkpoint{
		RunID:          runID,
		PipelineID:     cfg.ID,
		Step:           step,
		StepName:       stepName,
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
		e.logger.Error(ctx, "failed to save paused checkpoint", "run_id", runID, "step", step, "error", err)
	}
}

func (e *Executor) saveInProgressCheckpoint(ctx context.Context, cfg Config, runID string, step int, stepName string, mgr *pctx.Manager) {
	full := mgr.GetFull()
	idemKey, err := checkpoint.ComputeIdempotencyKey(runID, step, full)
	if err != nil {
		e.logger.Warn(ctx, "failed to compute idempotency key for in_progress checkpoint", "run_id", runID, "step", step, "error", err)
	}
	cp := checkpoint.Checkpoint{
		RunID:          runID,
		PipelineID:     cfg.ID,
		Step:           step,
		StepName:       stepName,
		Status:         checkpoint.StatusInProgress,
		Context:        full,
		IdempotencyKey: idemKey,
	}
	// Best-effort per spec.md §4.3 item 5 / §7: a failing checkpoint save
	// is logged and swallowed, never fails the pipeline.
	if err := e.storage.Save(ctx, cp); err != nil {
		e.logger.Warn(ctx, "failed to save in_progress checkpoint", "run_id", runID, "step", step, "error", err)
	}
}
