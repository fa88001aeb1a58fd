// Package policy implements the user-supplied rule DSL: parsing,
// validation, deterministic first-match-wins evaluation, and the v0 → v1
// schema migration.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Action is what a matched rule instructs the engine to do.
type Action string

const (
	ActionAutoReply    Action = "auto_reply"
	ActionDeny         Action = "deny"
	ActionRequireHuman Action = "require_human"
	ActionNotifyOnly   Action = "notify_only"
)

// CurrentVersion is the schema version this package writes.
const CurrentVersion = "1"

// Match is the predicate of one rule. Empty criteria always match.
type Match struct {
	Tool          string   `yaml:"tool,omitempty" json:"tool,omitempty"`
	SessionLabel  string   `yaml:"session_label,omitempty" json:"session_label,omitempty"`
	PromptTypes   []string `yaml:"prompt_types,omitempty" json:"prompt_types,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	MaxConfidence string   `yaml:"max_confidence,omitempty" json:"max_confidence,omitempty"`
	TextContains  string   `yaml:"text_contains,omitempty" json:"text_contains,omitempty"`
	TextRegex     string   `yaml:"text_regex,omitempty" json:"text_regex,omitempty"`
	AnyOf         []string `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf        []string `yaml:"none_of,omitempty" json:"none_of,omitempty"`
}

// Rule is one ordered policy entry.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Match       Match  `yaml:"match" json:"match"`
	Action      Action `yaml:"action" json:"action"`

	// Reply is the value injected on auto_reply.
	Reply string `yaml:"reply,omitempty" json:"reply,omitempty"`
	// Reason annotates deny decisions in notices and the trace.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	// Message annotates notify_only and require_human decisions.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// AllowLow lets an auto_reply rule fire on low-confidence prompts.
	// Without it, low confidence always goes to the human.
	AllowLow bool `yaml:"allow_low_confidence,omitempty" json:"allow_low_confidence,omitempty"`

	// RiskLevel is a free-form annotation carried into the decision
	// trace. It never gates anything.
	RiskLevel string `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
}

// Defaults selects the fallback action when no rule matches.
type Defaults struct {
	NoMatch       Action `yaml:"no_match" json:"no_match"`
	LowConfidence Action `yaml:"low_confidence" json:"low_confidence"`
}

// Policy is a validated rule set.
type Policy struct {
	Version  string   `yaml:"policy_version" json:"policy_version"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Rules    []Rule   `yaml:"rules" json:"rules"`
	Defaults Defaults `yaml:"defaults" json:"defaults"`
}

// ContentHash returns the policy version hash pinned on prompts at routing
// time and recorded in every decision trace entry.
func (p *Policy) ContentHash() string {
	canonical, err := audit.CanonicalJSON(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

var validConfidence = map[string]bool{"": true, "low": true, "medium": true, "high": true}

// Validate checks structural invariants beyond what YAML decoding gives.
func (p *Policy) Validate() error {
	if p.Version != CurrentVersion && p.Version != "0" {
		return fmt.Errorf("unsupported policy_version %q", p.Version)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		seen[rule.ID] = true
		switch rule.Action {
		case ActionAutoReply:
			if rule.Reply == "" && !typeListIsConfirmOnly(rule.Match.PromptTypes) {
				return fmt.Errorf("rule %q: auto_reply requires a reply value", rule.ID)
			}
		case ActionDeny, ActionRequireHuman, ActionNotifyOnly:
		default:
			return fmt.Errorf("rule %q: unknown action %q", rule.ID, rule.Action)
		}
		if !validConfidence[rule.Match.MinConfidence] {
			return fmt.Errorf("rule %q: invalid min_confidence %q", rule.ID, rule.Match.MinConfidence)
		}
		if !validConfidence[rule.Match.MaxConfidence] {
			return fmt.Errorf("rule %q: invalid max_confidence %q", rule.ID, rule.Match.MaxConfidence)
		}
		if rule.Match.TextRegex != "" {
			if _, err := regexp.Compile("(?is)" + rule.Match.TextRegex); err != nil {
				return fmt.Errorf("rule %q: bad text_regex: %v", rule.ID, err)
			}
		}
	}
	switch p.Defaults.NoMatch {
	case "", ActionRequireHuman, ActionDeny:
	default:
		return fmt.Errorf("defaults.no_match must be require_human or deny, got %q", p.Defaults.NoMatch)
	}
	switch p.Defaults.LowConfidence {
	case "", ActionRequireHuman, ActionDeny:
	default:
		return fmt.Errorf("defaults.low_confidence must be require_human or deny, got %q", p.Defaults.LowConfidence)
	}
	return nil
}

// confirm_enter auto-replies legitimately carry no value.
func typeListIsConfirmOnly(types []string) bool {
	if len(types) == 0 {
		return false
	}
	for _, t := range types {
		if t != string(prompt.TypeConfirmEnter) {
			return false
		}
	}
	return true
}

// Default returns the built-in safe policy: every prompt goes to the human.
func Default() *Policy {
	return &Policy{
		Version: CurrentVersion,
		Name:    "safe-default",
		Rules: []Rule{{
			ID:          "default-require-human",
			Description: "Catch-all: route every prompt to the human operator.",
			Match:       Match{},
			Action:      ActionRequireHuman,
			Message:     "No policy file configured; all prompts require human input.",
		}},
		Defaults: Defaults{NoMatch: ActionRequireHuman, LowConfidence: ActionRequireHuman},
	}
}
