package obs

import "context"

// Span is the minimal handle a Tracer hands back for one traced unit of
// work (a pipeline run, a step, a hook dispatch). It mirrors the subset of
// go.opentelemetry.io/otel/trace.Span the engine actually needs, so a
// Tracer can be backed by OpenTelemetry (obs/oteltrace), a test double, or
// nothing at all (NoopTracer).
type Span interface {
	SetAttribute(key string, value any)
	RecordError(err error)
	SetStatusError(msg string)
	End()
}

// Tracer starts spans for named units of work. It is the out-of-core
// collaborator named in spec.md §1; the engine only ever calls this
// interface, never a concrete tracing SDK.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// NoopTracer discards every span; the zero-value-safe default so Tracer
// is never nil inside the executors.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) SetStatusError(string)    {}
func (noopSpan) End()                     {}
