package pipeline

import (
	"context"
	"fmt"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/checkpoint"
	"github.com/corewave/agentflow/execerr"
)

// ResumeWithHumanInput implements the pause/resume round-trip of spec.md
// §4.6 end to end: it loads the paused checkpoint, validates the supplied
// human input against its PauseMetadata, honors the pause's
// ResumeBehavior to pick a checkpoint.ResumeMode, restarts execution via
// Execute with the resulting Options, and settles the checkpoint row with
// checkpoint.Complete or checkpoint.Fail once the resumed run terminates.
// A run that pauses again mid-resume is left as-is — its own
// savePausedCheckpoint call already recorded the new pause.
func (e *Executor) ResumeWithHumanInput(ctx context.Context, pipelineID, runID string, humanInput any) (Result, error) {
	if e.storage == nil {
		return Result{}, execerr.Validation("pipeline executor has no checkpoint storage configured")
	}

	latest, err := e.storage.GetLatest(ctx, runID)
	if err != nil {
		return Result{}, checkpoint.ErrPauseNotFound
	}
	if latest.Status != checkpoint.StatusPaused {
		return Result{}, execerr.Validation("run is not paused: " + runID)
	}

	if latest.PauseMeta != nil {
		if err := checkpoint.ValidateHumanInput(*latest.PauseMeta, humanInput); err != nil {
			return Result{}, err
		}
	}

	mode := checkpoint.ResumeSkip
	if latest.PauseMeta != nil && latest.PauseMeta.ResumeBehavior == checkpoint.ResumeRerun {
		mode = checkpoint.ResumeRetry
	}

	plan, err := checkpoint.BeginResume(ctx, e.storage, runID, mode)
	if err != nil {
		return Result{}, err
	}

	restored := plan.RestoredCtx
	if restored.Metadata == nil {
		restored.Metadata = map[string]any{}
	}
	restored.Metadata["humanInput"] = humanInput
	restored.History = append(restored.History, agent.Message{Role: agent.RoleUser, Content: fmt.Sprint(humanInput)})

	res := e.Execute(ctx, pipelineID, restored.Input, Options{
		RunID:           runID,
		RestoredContext: &restored,
		StartStep:       plan.StartStep,
	})

	// latest.Step is the row BeginResume just flipped to in_progress; that
	// same row is the one whose lifecycle this resume settles, regardless
	// of how many further steps the resumed run went on to execute.
	switch res.Status {
	case StatusPaused:
		// already recorded by the run itself.
	case StatusCompleted:
		_ = checkpoint.Complete(ctx, e.storage, runID, latest.Step)
	default:
		_ = checkpoint.Fail(ctx, e.storage, runID, latest.Step)
	}

	return res, nil
}
