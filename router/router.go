// Package router implements the Message Router of spec.md §4.7: rules
// are matched against an inbound message plus metadata, scored by
// specificity, and folded into a routing Decision carrying a calibrated
// confidence and an explanation a caller (or a human) can act on. It
// adapts the teacher's Edge[S]/Predicate[S] "score candidates, pick a
// winner" shape (graph/edge.go) to string rules instead of state
// predicates, since routing happens before any pipeline context exists.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/corewave/agentflow/agent"
	"github.com/corewave/agentflow/execerr"
	"github.com/corewave/agentflow/hook"
	"github.com/corewave/agentflow/obs"
	"github.com/corewave/agentflow/obs/promstats"
)

// Alternative is one non-winning match surfaced in an Explanation.
type Alternative struct {
	Agent       string
	RuleID      string
	MatchType   MatchType
	Confidence  float64
	Specificity int
}

// ClarificationRequest is the pause signal a Decision carries when its
// concerns warrant asking the caller to disambiguate (spec.md §4.7).
type ClarificationRequest struct {
	Prompt   string
	Choices  []string
	Metadata map[string]any
}

// Explanation is always attached to a Decision (spec.md §3 RoutingDecision).
type Explanation struct {
	Winner       string
	Alternatives []Alternative
	Concerns     []string
	Narrative    string
}

// Decision is the result of routing one message (spec.md §3 RoutingDecision).
type Decision struct {
	Agent               string
	RuleID              string
	MatchType           MatchType
	Fallback            bool
	Specificity         int
	Confidence          float64
	Explanation         Explanation
	ClarificationNeeded *ClarificationRequest
}

// listableRegistry is the optional agent.Registry extension the fallback
// cascade uses to pick "the first registered agent" when no default is
// configured. agent.MapRegistry satisfies it.
type listableRegistry interface {
	IDs() []string
}

// Options configures a Router at construction.
type Options struct {
	DefaultAgent string
	Debug        bool
}

// Router matches inbound messages against registered Rules and resolves
// a Decision per spec.md §4.7.
type Router struct {
	mu    sync.RWMutex
	rules []compiledRule

	agents       agent.Registry
	defaultAgent string
	debug        bool

	hooks   *hook.Manager
	tracer  obs.Tracer
	logger  obs.Logger
	metrics *promstats.Metrics

	ruleCalibrator   *Calibrator
	intentCalibrator *Calibrator
	accuracy         *AccuracyTracker
}

// New builds a Router. hooks/tracer/logger/metrics may be nil; agents
// must not be.
func New(agents agent.Registry, hooks *hook.Manager, tracer obs.Tracer, logger obs.Logger, metrics *promstats.Metrics, opts Options) *Router {
	if hooks == nil {
		hooks = hook.New(nil)
	}
	if tracer == nil {
		tracer = obs.NoopTracer{}
	}
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Router{
		agents:           agents,
		defaultAgent:     opts.DefaultAgent,
		debug:            opts.Debug,
		hooks:            hooks,
		tracer:           tracer,
		logger:           logger,
		metrics:          metrics,
		ruleCalibrator:   NewCalibrator(),
		intentCalibrator: NewCalibrator(),
		accuracy:         NewAccuracyTracker(),
	}
}

// IntentCalibrator exposes the calibrator for the "intent" routing
// source, for hook handlers that classify intent ahead of rule matching
// and want their own confidence calibrated the same way rule matches are.
func (r *Router) IntentCalibrator() *Calibrator { return r.intentCalibrator }

// Accuracy exposes the router's accuracy tracker so callers can record
// ground truth once a routed run's outcome is known.
func (r *Router) Accuracy() *AccuracyTracker { return r.accuracy }

// RegisterRule validates and adds a rule. Rules may be added concurrently
// with routing; the read path (Route) never blocks on a writer holding a
// suspension point, matching spec.md §5's "registries are read-mostly
// maps; mutation must be serialized, read paths may be lock-free" note
// (approximated here with an RWMutex since Go has no true lock-free map).
func (r *Router) RegisterRule(rule Rule) error {
	if rule.ID == "" {
		return execerr.Validation("routing rule id must not be empty")
	}
	if rule.Agent == "" {
		return execerr.Validation("routing rule " + rule.ID + " must name an agent")
	}
	cr, err := compileRule(rule)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.rule.ID == rule.ID {
			return execerr.New(execerr.TagAlreadyExists, execerr.ClassUser, "routing rule already registered: "+rule.ID, nil)
		}
	}
	r.rules = append(r.rules, cr)
	return nil
}

// RoutingEventData is the hook payload for beforeRouting/afterRouting/
// afterRoutingDecision.
type RoutingEventData struct {
	Message  string
	Metadata map[string]string
	Decision *Decision
}

// Route resolves a Decision for message/metadata, firing beforeRouting,
// afterRouting (always), and afterRoutingDecision (only when the
// decision carries concerns) per spec.md §4.7.
func (r *Router) Route(ctx context.Context, message string, metadata map[string]string) (Decision, error) {
	return r.route(ctx, message, metadata, true)
}

// TestRoute is Route's side-effect-free variant for introspection: no
// hooks fire, no calibrator observations are recorded, no metrics emit.
func (r *Router) TestRoute(ctx context.Context, message string, metadata map[string]string) (Decision, error) {
	return r.route(ctx, message, metadata, false)
}

func (r *Router) route(ctx context.Context, message string, metadata map[string]string, live bool) (Decision, error) {
	corr, _ := obs.FromContext(ctx, "")

	if live {
		r.hooks.ExecuteAndMerge(ctx, hook.Event{
			Type:        hook.BeforeRouting,
			Data:        RoutingEventData{Message: message, Metadata: metadata},
			Correlation: corr,
		})
	}

	ctx, span := r.tracer.Start(ctx, "router.route")
	defer span.End()

	matches := r.collectMatches(message, metadata)
	decision, err := r.resolve(ctx, matches)
	if err != nil {
		span.SetStatusError(err.Error())
		return Decision{}, err
	}

	if live {
		if r.metrics != nil {
			r.metrics.IncRouterDecision(string(decision.MatchType), decision.Fallback)
		}
		if r.debug {
			r.logger.Debug(ctx, "routing decision", "agent", decision.Agent, "rule_id", decision.RuleID, "match_type", decision.MatchType, "confidence", decision.Confidence, "fallback", decision.Fallback)
		}

		data := RoutingEventData{Message: message, Metadata: metadata, Decision: &decision}
		r.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterRouting, Data: data, Correlation: corr})
		if len(decision.Explanation.Concerns) > 0 {
			r.hooks.ExecuteAndMerge(ctx, hook.Event{Type: hook.AfterRoutingDecision, Data: data, Correlation: corr})
		}
	}

	return decision, nil
}

func (r *Router) collectMatches(message string, metadata map[string]string) []ruleMatch {
	r.mu.RLock()
	rules := make([]compiledRule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority > rules[j].rule.Priority
	})

	matches := make([]ruleMatch, 0, len(rules))
	for i := range rules {
		if m, ok := rules[i].tryMatch(message, metadata); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// resolve picks a winner from matches by specificity, falls back per
// spec.md §4.7's cascade when there is no match, and attaches the
// explanation.
func (r *Router) resolve(ctx context.Context, matches []ruleMatch) (Decision, error) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].specificity > matches[j].specificity
	})

	if len(matches) == 0 {
		return r.fallback(ctx)
	}

	winner := matches[0]
	confidence := r.calibrate("rule", winner.rawConfidence)

	alternatives := buildAlternatives(matches[1:], r)
	concerns := detectConcerns(confidence, alternatives)

	decision := Decision{
		Agent:       winner.rule.rule.Agent,
		RuleID:      winner.rule.rule.ID,
		MatchType:   winner.matchType,
		Fallback:    false,
		Specificity: winner.specificity,
		Confidence:  confidence,
		Explanation: Explanation{
			Winner:       winner.rule.rule.Agent,
			Alternatives: alternatives,
			Concerns:     concerns,
		},
	}
	decision.Explanation.Narrative = r.narrative(decision)
	if len(concerns) > 0 {
		decision.ClarificationNeeded = &ClarificationRequest{
			Prompt:  fmt.Sprintf("Routing to %q is uncertain; which agent should handle this?", decision.Agent),
			Choices: clarificationChoices(decision.Agent, alternatives),
		}
	}
	return decision, nil
}

func buildAlternatives(rest []ruleMatch, r *Router) []Alternative {
	alts := make([]Alternative, 0, len(rest))
	for _, m := range rest {
		if m.specificity <= 0 {
			continue
		}
		alts = append(alts, Alternative{
			Agent:       m.rule.rule.Agent,
			RuleID:      m.rule.rule.ID,
			MatchType:   m.matchType,
			Confidence:  r.calibrate("rule", m.rawConfidence),
			Specificity: m.specificity,
		})
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	if len(alts) > 3 {
		alts = alts[:3]
	}
	return alts
}

func detectConcerns(confidence float64, alternatives []Alternative) []string {
	var concerns []string
	if confidence < 0.6 {
		concerns = append(concerns, "low-confidence")
	}
	if len(alternatives) > 0 {
		gap := confidence - alternatives[0].Confidence
		if gap < 0.10 {
			concerns = append(concerns, "close-alternatives")
		}
	}
	return concerns
}

func clarificationChoices(winner string, alternatives []Alternative) []string {
	choices := []string{winner}
	for _, a := range alternatives {
		choices = append(choices, a.Agent)
	}
	return choices
}

// fallback implements spec.md §4.7's cascade: the configured default
// agent if registered, else the first registered agent with a warning,
// else NoAgentsAvailable.
func (r *Router) fallback(ctx context.Context) (Decision, error) {
	if r.defaultAgent != "" {
		if _, ok := r.agents.Agent(r.defaultAgent); ok {
			return r.fallbackDecision(r.defaultAgent), nil
		}
	}
	if lr, ok := r.agents.(listableRegistry); ok {
		ids := lr.IDs()
		if len(ids) > 0 {
			r.logger.Warn(ctx, "routing fallback to first registered agent, no rule matched and no default configured", "agent", ids[0])
			return r.fallbackDecision(ids[0]), nil
		}
	}
	return Decision{}, execerr.New(execerr.TagRouting, execerr.ClassUser, "NoAgentsAvailable", nil)
}

func (r *Router) fallbackDecision(agentID string) Decision {
	d := Decision{
		Agent:      agentID,
		Fallback:   true,
		Confidence: r.calibrate("rule", rawConfidence[MatchMetadataOnly]),
		Explanation: Explanation{
			Winner:   agentID,
			Concerns: []string{"low-confidence"},
		},
	}
	d.Explanation.Narrative = r.narrative(d)
	return d
}

func (r *Router) calibrate(source string, raw float64) float64 {
	switch source {
	case "intent":
		return r.intentCalibrator.Calibrate(raw)
	default:
		return r.ruleCalibrator.Calibrate(raw)
	}
}

// narrative builds the one-sentence summary spec.md §4.7 requires:
// agent, confidence, match type, calibration state, historical accuracy
// (if available), and alternatives.
func (r *Router) narrative(d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Routed to %q with confidence %.2f via %s match", d.Agent, d.Confidence, matchTypeOrFallback(d))
	if acc, ok := r.accuracy.GetAccuracy(d.Agent); ok {
		fmt.Fprintf(&b, ", historical accuracy %.0f%%", acc*100)
	}
	cal := r.ruleCalibrator
	if cal.Observations() >= calibratorMinForECE {
		fmt.Fprintf(&b, ", calibrated over %d observations (temperature %.2f)", cal.Observations(), cal.Temperature())
	} else {
		b.WriteString(", calibration not yet active")
	}
	if len(d.Explanation.Alternatives) > 0 {
		b.WriteString(", alternatives: ")
		names := make([]string, len(d.Explanation.Alternatives))
		for i, a := range d.Explanation.Alternatives {
			names[i] = fmt.Sprintf("%s (%.2f)", a.Agent, a.Confidence)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	b.WriteString(".")
	return b.String()
}

func matchTypeOrFallback(d Decision) string {
	if d.Fallback {
		return "fallback"
	}
	return string(d.MatchType)
}
