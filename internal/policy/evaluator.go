package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Input is the prompt context a policy is evaluated against.
type Input struct {
	Tool         string
	SessionLabel string
	Type         prompt.Type
	Confidence   prompt.Confidence
	Excerpt      string
}

// Decision is the deterministic result of one evaluation.
type Decision struct {
	MatchedRuleID string `json:"matched_rule_id,omitempty"`
	Action        Action `json:"action"`
	ReplyValue    string `json:"reply_value,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	RiskLevel     string `json:"risk_level,omitempty"`
	AllowLow      bool   `json:"allow_low,omitempty"`
	PolicyHash    string `json:"policy_hash"`

	// Explanation holds the per-criterion match trace for `policy test`.
	Explanation []string `json:"explanation,omitempty"`
}

// regexBudget bounds one text_regex evaluation. A rule whose regex blows
// the budget is skipped, never matched.
const regexBudget = 100 * time.Millisecond

var regexCache sync.Map // pattern string -> *regexp.Regexp

// Evaluate runs the policy against in. Rules are tried in order; the first
// full match wins. No match falls through to the defaults, with the
// low-confidence default taking precedence for low-confidence prompts.
// Identical (policy, input) pairs always yield identical decisions.
func Evaluate(p *Policy, in Input) Decision {
	hash := p.ContentHash()

	for _, rule := range p.Rules {
		matched, reasons := evalRule(&rule, in)
		if !matched {
			continue
		}
		return Decision{
			MatchedRuleID: rule.ID,
			Action:        rule.Action,
			ReplyValue:    rule.Reply,
			Reason:        rule.Reason,
			Message:       rule.Message,
			RiskLevel:     rule.RiskLevel,
			AllowLow:      rule.AllowLow,
			PolicyHash:    hash,
			Explanation:   reasons,
		}
	}

	fallback := p.Defaults.NoMatch
	explanation := "no rule matched"
	if in.Confidence == prompt.ConfidenceLow && p.Defaults.LowConfidence != "" {
		fallback = p.Defaults.LowConfidence
		explanation = "no rule matched and confidence is low"
	}
	if fallback == "" {
		fallback = ActionRequireHuman
	}
	return Decision{
		Action:      fallback,
		PolicyHash:  hash,
		Explanation: []string{explanation + ", applying default: " + string(fallback)},
	}
}

// Explain evaluates every rule and returns the full per-rule trace,
// matched or not. Used by `policy test`.
func Explain(p *Policy, in Input) []string {
	var out []string
	winner := ""
	for _, rule := range p.Rules {
		matched, reasons := evalRule(&rule, in)
		mark := "miss"
		if matched && winner == "" {
			winner = rule.ID
			mark = "MATCH"
		} else if matched {
			mark = "shadowed"
		}
		out = append(out, fmt.Sprintf("rule %s [%s]", rule.ID, mark))
		for _, r := range reasons {
			out = append(out, "  "+r)
		}
	}
	if winner == "" {
		out = append(out, fmt.Sprintf("no match: default %s", p.Defaults.NoMatch))
	}
	return out
}

// evalRule checks every criterion, short-circuiting on the first miss.
func evalRule(rule *Rule, in Input) (bool, []string) {
	var reasons []string
	check := func(ok bool, desc string) bool {
		mark := "✗ "
		if ok {
			mark = "✓ "
		}
		reasons = append(reasons, mark+desc)
		return ok
	}

	m := &rule.Match
	if !check(matchTool(m.Tool, in.Tool), fmt.Sprintf("tool: %q vs %q", m.Tool, in.Tool)) {
		return false, reasons
	}
	if !check(matchLabel(m.SessionLabel, in.SessionLabel),
		fmt.Sprintf("session_label: %q vs %q", m.SessionLabel, in.SessionLabel)) {
		return false, reasons
	}
	if !check(matchTypes(m.PromptTypes, in.Type),
		fmt.Sprintf("prompt_types: %v vs %q", m.PromptTypes, in.Type)) {
		return false, reasons
	}
	if !check(matchConfidence(m.MinConfidence, m.MaxConfidence, in.Confidence),
		fmt.Sprintf("confidence: %q in [%q, %q]", in.Confidence, m.MinConfidence, m.MaxConfidence)) {
		return false, reasons
	}
	if !check(matchContains(m.TextContains, in.Excerpt),
		fmt.Sprintf("text_contains: %q", m.TextContains)) {
		return false, reasons
	}
	if !check(matchRegex(m.TextRegex, in.Excerpt),
		fmt.Sprintf("text_regex: %q", m.TextRegex)) {
		return false, reasons
	}
	if !check(matchAnyOf(m.AnyOf, in.Excerpt), fmt.Sprintf("any_of: %v", m.AnyOf)) {
		return false, reasons
	}
	if !check(matchNoneOf(m.NoneOf, in.Excerpt), fmt.Sprintf("none_of: %v", m.NoneOf)) {
		return false, reasons
	}
	return true, reasons
}

func matchTool(criterion, tool string) bool {
	return criterion == "" || criterion == "*" || criterion == tool
}

func matchLabel(criterion, label string) bool {
	return criterion == "" || criterion == label
}

func matchTypes(criteria []string, typ prompt.Type) bool {
	if len(criteria) == 0 {
		return true
	}
	for _, c := range criteria {
		if c == "*" || c == string(typ) {
			return true
		}
	}
	return false
}

func matchConfidence(min, max string, confidence prompt.Confidence) bool {
	rank := confidence.Rank()
	if min != "" && rank < prompt.Confidence(min).Rank() {
		return false
	}
	if max != "" && rank > prompt.Confidence(max).Rank() {
		return false
	}
	return true
}

func matchContains(criterion, excerpt string) bool {
	if criterion == "" {
		return true
	}
	return strings.Contains(strings.ToLower(excerpt), strings.ToLower(criterion))
}

func matchRegex(pattern, excerpt string) bool {
	if pattern == "" {
		return true
	}
	re, err := compileCached(pattern)
	if err != nil {
		return false
	}
	done := make(chan bool, 1)
	go func() { done <- re.MatchString(excerpt) }()
	select {
	case matched := <-done:
		return matched
	case <-time.After(regexBudget):
		return false
	}
}

func matchAnyOf(terms []string, excerpt string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(excerpt)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func matchNoneOf(terms []string, excerpt string) bool {
	lower := strings.ToLower(excerpt)
	for _, term := range terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

func compileCached(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?is)" + pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
