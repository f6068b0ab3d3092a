package router

import (
	"regexp"
	"strings"

	"github.com/corewave/agentflow/execerr"
)

// MatchType names which matching strategy produced a rule match (spec.md §3).
type MatchType string

const (
	MatchExact        MatchType = "exact"
	MatchRegex        MatchType = "regex"
	MatchKeyword      MatchType = "keyword"
	MatchFunction     MatchType = "function"
	MatchMetadataOnly MatchType = "metadata-only"
)

// baseSpecificity is the base[matchType] term of spec.md §4.7's
// specificity formula.
var baseSpecificity = map[MatchType]int{
	MatchExact:        1000,
	MatchRegex:        800,
	MatchKeyword:      700,
	MatchFunction:     600,
	MatchMetadataOnly: 500,
}

// rawConfidence is the uncalibrated confidence per match type.
var rawConfidence = map[MatchType]float64{
	MatchExact:        1.0,
	MatchRegex:        0.8,
	MatchKeyword:      0.7,
	MatchFunction:     0.8,
	MatchMetadataOnly: 0.6,
}

// MatcherFunc is a rule's optional custom predicate, tried after metadata
// filters and before regex patterns.
type MatcherFunc func(message string, metadata map[string]string) bool

// Rule is a registered routing rule (spec.md §3 RoutingRule).
type Rule struct {
	ID       string
	Agent    string
	Priority int
	Patterns []string
	Keywords []string
	Metadata map[string]string
	Matcher  MatcherFunc
}

// compiledRule precompiles a Rule's regex patterns and keyword matchers
// once at registration time rather than per routed message.
type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
	anchored []bool // parallel to patterns: true when the source pattern was ^...$
	keywords []*regexp.Regexp
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{rule: r}
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return compiledRule{}, execerr.Validation("invalid routing rule pattern in rule " + r.ID + ": " + p)
		}
		cr.patterns = append(cr.patterns, re)
		cr.anchored = append(cr.anchored, strings.HasPrefix(p, "^") && strings.HasSuffix(p, "$"))
	}
	for _, kw := range r.Keywords {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			return compiledRule{}, execerr.Validation("invalid routing rule keyword in rule " + r.ID + ": " + kw)
		}
		cr.keywords = append(cr.keywords, re)
	}
	return cr, nil
}

// ruleMatch is one rule's successful match against a message.
type ruleMatch struct {
	rule           *compiledRule
	matchType      MatchType
	matchedPattern string
	specificity    int
	rawConfidence  float64
}

// tryMatch applies spec.md §4.7's in-rule matching order: metadata
// filters, then matcher function, then regex patterns (anchored ones
// count as exact), then keywords, then metadata-only (when the rule
// specified nothing but metadata).
func (cr *compiledRule) tryMatch(message string, metadata map[string]string) (ruleMatch, bool) {
	for k, v := range cr.rule.Metadata {
		if metadata[k] != v {
			return ruleMatch{}, false
		}
	}

	if cr.rule.Matcher != nil && cr.rule.Matcher(message, metadata) {
		return cr.build(MatchFunction, ""), true
	}

	for i, re := range cr.patterns {
		if loc := re.FindStringIndex(message); loc != nil {
			matchType := MatchRegex
			if cr.anchored[i] {
				matchType = MatchExact
			}
			return cr.build(matchType, message[loc[0]:loc[1]]), true
		}
	}

	for i, re := range cr.keywords {
		if re.MatchString(message) {
			return cr.build(MatchKeyword, cr.rule.Keywords[i]), true
		}
	}

	if cr.rule.Matcher == nil && len(cr.rule.Patterns) == 0 && len(cr.rule.Keywords) == 0 && len(cr.rule.Metadata) > 0 {
		return cr.build(MatchMetadataOnly, ""), true
	}

	return ruleMatch{}, false
}

func (cr *compiledRule) build(matchType MatchType, matchedPattern string) ruleMatch {
	spec := baseSpecificity[matchType] + len(matchedPattern) + 100*len(cr.rule.Metadata) + cr.rule.Priority
	return ruleMatch{
		rule:           cr,
		matchType:      matchType,
		matchedPattern: matchedPattern,
		specificity:    spec,
		rawConfidence:  rawConfidence[matchType],
	}
}
