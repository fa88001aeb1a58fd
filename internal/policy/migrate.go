package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// v0 was the original flat schema: one action object nested per rule,
// tool_id instead of tool, and a contains/contains_is_regex pair instead
// of separate text criteria. Loading still accepts it; Migrate rewrites
// the file in the v1 schema.

type v0Policy struct {
	Version  string     `yaml:"policy_version"`
	Name     string     `yaml:"name"`
	Rules    []v0Rule   `yaml:"rules"`
	Defaults v0Defaults `yaml:"defaults"`
}

type v0Rule struct {
	ID    string   `yaml:"id"`
	Match v0Match  `yaml:"match"`
	Do    v0Action `yaml:"action"`
}

type v0Match struct {
	ToolID          string   `yaml:"tool_id"`
	PromptType      []string `yaml:"prompt_type"`
	MinConfidence   string   `yaml:"min_confidence"`
	Contains        string   `yaml:"contains"`
	ContainsIsRegex bool     `yaml:"contains_is_regex"`
}

type v0Action struct {
	Kind    string `yaml:"kind"`
	Value   string `yaml:"value"`
	Reason  string `yaml:"reason"`
	Message string `yaml:"message"`
}

// parseV0 decodes a v0 document and lifts it to the current schema.
func parseV0(raw []byte) (*Policy, error) {
	var old v0Policy
	if err := yaml.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	p, err := liftV0(&old)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: migrated v0 policy invalid: %v", ErrParse, err)
	}
	return p, nil
}

func liftV0(old *v0Policy) (*Policy, error) {
	p := &Policy{
		Version: CurrentVersion,
		Name:    old.Name,
		Rules:   make([]Rule, 0, len(old.Rules)),
	}
	for _, or := range old.Rules {
		rule := Rule{
			ID: or.ID,
			Match: Match{
				Tool:          or.Match.ToolID,
				PromptTypes:   or.Match.PromptType,
				MinConfidence: or.Match.MinConfidence,
			},
			Reply:   or.Do.Value,
			Reason:  or.Do.Reason,
			Message: or.Do.Message,
		}
		if or.Match.Contains != "" {
			if or.Match.ContainsIsRegex {
				rule.Match.TextRegex = or.Match.Contains
			} else {
				rule.Match.TextContains = or.Match.Contains
			}
		}
		switch or.Do.Kind {
		case "reply":
			rule.Action = ActionAutoReply
		case "deny", "block":
			rule.Action = ActionDeny
		case "escalate", "ask":
			rule.Action = ActionRequireHuman
		case "notify":
			rule.Action = ActionNotifyOnly
		default:
			return nil, fmt.Errorf("rule %q: unknown v0 action kind %q", or.ID, or.Do.Kind)
		}
		p.Rules = append(p.Rules, rule)
	}

	p.Defaults = Defaults{
		NoMatch:       liftV0Default(old.Defaults.NoMatch),
		LowConfidence: liftV0Default(old.Defaults.LowConfidence),
	}
	return p, nil
}

type v0Defaults struct {
	NoMatch       string `yaml:"no_match"`
	LowConfidence string `yaml:"low_confidence"`
}

func liftV0Default(kind string) Action {
	switch kind {
	case "deny", "block":
		return ActionDeny
	default:
		return ActionRequireHuman
	}
}

// Migrate rewrites the policy at path in the v1 schema. A v1 file is left
// untouched. The original is preserved at path+".v0.bak".
func Migrate(path string) (migrated bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	version, err := sniffVersion(raw)
	if err != nil {
		return false, err
	}
	if version != "0" {
		// Still validate so `policy migrate` doubles as a check.
		_, err := Parse(raw)
		return false, err
	}

	p, err := parseV0(raw)
	if err != nil {
		return false, err
	}
	out, err := yaml.Marshal(p)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path+".v0.bak", raw, 0o600); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return false, err
	}
	return true, nil
}
