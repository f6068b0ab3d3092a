package checkpoint

import (
	"context"
	"time"

	"github.com/corewave/agentflow/pctx"
)

// ResumeMode selects where execution restarts relative to the latest
// checkpoint (spec.md §4.6).
type ResumeMode string

const (
	// ResumeSkip starts at checkpoint.step + 1. Default.
	ResumeSkip ResumeMode = "skip"
	// ResumeRetry starts at checkpoint.step, re-executing that step.
	ResumeRetry ResumeMode = "retry"
	// ResumeRestart starts at 0 with the restored context.
	ResumeRestart ResumeMode = "restart"
)

// Plan is what BeginResume hands back once the CAS transition to
// in_progress succeeds: the step to restart from and the context to
// seed the executor with.
type Plan struct {
	RunID          string
	StartStep      int
	RestoredCtx    pctx.Context
	ConversationID string
}

// BeginResume implements the concurrency guard of spec.md §4.6: load the
// latest checkpoint, reject if it's in_progress (another resume is live),
// otherwise atomically transition it to in_progress and return a Plan
// describing where the caller should restart execution. The caller is
// responsible for calling Complete or Fail once execution finishes.
func BeginResume(ctx context.Context, storage Storage, runID string, mode ResumeMode) (Plan, error) {
	latest, err := storage.GetLatest(ctx, runID)
	if err != nil {
		return Plan{}, ErrPauseNotFound
	}
	if latest.Status == StatusInProgress {
		return Plan{}, ErrConcurrency
	}
	if latest.Status == StatusPaused && latest.ExpiresAt != nil && time.Now().After(*latest.ExpiresAt) {
		_ = storage.UpdateStatus(ctx, runID, latest.Step, StatusExpired)
		return Plan{}, ErrPauseExpired
	}

	startStep := resumeStartStep(latest.Step, mode)

	if err := storage.UpdateStatus(ctx, runID, latest.Step, StatusInProgress); err != nil {
		return Plan{}, err
	}

	return Plan{
		RunID:          runID,
		StartStep:      startStep,
		RestoredCtx:    latest.Context,
		ConversationID: latest.Context.ConversationID,
	}, nil
}

func resumeStartStep(checkpointStep int, mode ResumeMode) int {
	switch mode {
	case ResumeRetry:
		return checkpointStep
	case ResumeRestart:
		return 0
	default: // ResumeSkip
		return checkpointStep + 1
	}
}

// Complete marks the run's final executed step completed — called by the
// executor after a successful resumed run, per spec.md §4.6 step 5.
func Complete(ctx context.Context, storage Storage, runID string, finalStep int) error {
	return storage.UpdateStatus(ctx, runID, finalStep, StatusCompleted)
}

// Fail marks the run's final executed step failed — called even when the
// failure originated inside executor code, per spec.md §4.6 step 5.
func Fail(ctx context.Context, storage Storage, runID string, finalStep int) error {
	return storage.UpdateStatus(ctx, runID, finalStep, StatusFailed)
}

// ValidateHumanInput checks a supplied humanInput against PauseMetadata
// per spec.md §4.6: when Schema is present, required object-type keys
// must be present and string-type values non-empty (the deliberately
// shallow JSON-Schema subset noted in spec.md §9's open questions); when
// Choices is present, input must equal one of them case-sensitively.
func ValidateHumanInput(meta PauseMetadata, humanInput any) error {
	if len(meta.Choices) > 0 {
		s, ok := humanInput.(string)
		if !ok {
			return ErrValidation
		}
		for _, choice := range meta.Choices {
			if choice == s {
				return nil
			}
		}
		return ErrValidation
	}
	if meta.Schema != nil {
		return validateAgainstShallowSchema(meta.Schema, humanInput)
	}
	return nil
}

func validateAgainstShallowSchema(schema map[string]any, value any) error {
	required, _ := schema["required"].([]any)
	obj, isObj := value.(map[string]any)
	if len(required) > 0 {
		if !isObj {
			return ErrValidation
		}
		for _, r := range required {
			key, _ := r.(string)
			v, ok := obj[key]
			if !ok {
				return ErrValidation
			}
			if s, isStr := v.(string); isStr && s == "" {
				return ErrValidation
			}
		}
		return nil
	}
	if s, ok := value.(string); ok && schemaTypeIsString(schema) && s == "" {
		return ErrValidation
	}
	return nil
}

func schemaTypeIsString(schema map[string]any) bool {
	t, _ := schema["type"].(string)
	return t == "string"
}
