// Package oteltrace adapts obs.Tracer to OpenTelemetry, the same way the
// teacher's graph/emit/otel.go adapts its Emitter to OpenTelemetry spans —
// one real span per unit of work, with run/pipeline/step ids attached as
// attributes and errors recorded on the span rather than swallowed.
package oteltrace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corewave/agentflow/obs"
)

// Tracer implements obs.Tracer over an OpenTelemetry trace.Tracer. When a
// SamplingPolicy is set, a span that the head sample misses in Start is not
// materialized until End, so the policy's "errors always, slow always" rules (spec.md §4.8) can be
// applied against the run's actual outcome rather than guessed up front.
type Tracer struct {
	tracer trace.Tracer
	policy *obs.SamplingPolicy
}

// New wraps an OpenTelemetry tracer (e.g. otel.Tracer("agentflow")) with no
// sampling: every span is recorded, matching the pre-sampling behavior.
func New(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// NewWithSampling wraps tracer and applies policy to every span created
// through Start.
func NewWithSampling(tracer trace.Tracer, policy obs.SamplingPolicy) *Tracer {
	return &Tracer{tracer: tracer, policy: &policy}
}

func (t *Tracer) Start(ctx context.Context, name string) (context.Context, obs.Span) {
	corr, _ := obs.FromContext(ctx, "")
	if t.policy == nil {
		spanCtx, span := t.tracer.Start(ctx, name)
		setCorrelationAttrs(span, corr)
		return spanCtx, &otelSpan{span: span}
	}

	// Head sampling alone can't honor "errors always" or "slow always" —
	// the outcome isn't known yet — so an undecided span is buffered and
	// the policy is re-evaluated at End with the real error/duration.
	if t.policy.ShouldSample(corr.RunID, false, 0) {
		spanCtx, span := t.tracer.Start(ctx, name)
		setCorrelationAttrs(span, corr)
		return spanCtx, &otelSpan{span: span}
	}

	return ctx, &deferredSpan{
		tracer:    t.tracer,
		ctx:       ctx,
		name:      name,
		policy:    t.policy,
		corr:      corr,
		startedAt: time.Now(),
	}
}

func setCorrelationAttrs(span trace.Span, c obs.Correlation) {
	span.SetAttributes(
		attribute.String("agentflow.run_id", c.RunID),
		attribute.String("agentflow.pipeline_id", c.PipelineID),
		attribute.String("agentflow.step_name", c.StepName),
	)
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func (s *otelSpan) SetStatusError(msg string) {
	s.span.SetStatus(codes.Error, msg)
}

func (s *otelSpan) End() {
	s.span.End()
}

// deferredSpan buffers attributes/errors for a span whose sampling decision
// couldn't be made at Start. End re-runs the policy with the real error and
// duration and only then, if sampled, opens and immediately closes a real
// OTel span stamped with the original start/end timestamps.
type deferredSpan struct {
	tracer    trace.Tracer
	ctx       context.Context
	name      string
	policy    *obs.SamplingPolicy
	corr      obs.Correlation
	startedAt time.Time

	mu        sync.Mutex
	attrs     []attribute.KeyValue
	err       error
	statusMsg string
}

func (s *deferredSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, toAttribute(key, value))
}

func (s *deferredSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *deferredSpan) SetStatusError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusMsg = msg
}

func (s *deferredSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	duration := time.Since(s.startedAt)
	if !s.policy.ShouldSample(s.corr.RunID, s.err != nil, duration) {
		return
	}

	_, span := s.tracer.Start(s.ctx, s.name, trace.WithTimestamp(s.startedAt))
	setCorrelationAttrs(span, s.corr)
	span.SetAttributes(s.attrs...)
	if s.err != nil {
		span.RecordError(s.err)
	}
	if s.statusMsg != "" {
		span.SetStatus(codes.Error, s.statusMsg)
	}
	span.End(trace.WithTimestamp(s.startedAt.Add(duration)))
}
