package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

func cmdPolicy(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: atlasbridge policy <validate|test|migrate> [flags] [file]")
		return constants.ExitError
	}
	switch args[0] {
	case "validate":
		return cmdPolicyValidate(args[1:])
	case "test":
		return cmdPolicyTest(args[1:])
	case "migrate":
		return cmdPolicyMigrate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown policy subcommand %q\n", args[0])
		return constants.ExitError
	}
}

// policyPath resolves the policy file: explicit argument, configured path,
// or the state directory default.
func policyPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Autopilot.PolicyPath != "" {
		return cfg.Autopilot.PolicyPath, nil
	}
	return filepath.Join(cfg.StateDir, constants.PolicyFilename), nil
}

func cmdPolicyValidate(args []string) int {
	path, err := policyPath(args)
	if err != nil {
		return fail(err)
	}
	pol, err := policy.Load(path)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%s: valid, %d rules, hash %s\n", path, len(pol.Rules), pol.ContentHash())
	return constants.ExitSuccess
}

// cmdPolicyTest evaluates a policy against a synthetic prompt and prints
// the per-criterion match trace for every rule.
func cmdPolicyTest(args []string) int {
	fs := flag.NewFlagSet("policy test", flag.ContinueOnError)
	tool := fs.String("tool", "generic", "tool name")
	label := fs.String("label", "", "session label")
	typ := fs.String("type", "yes_no", "prompt type")
	confidence := fs.String("confidence", "high", "detector confidence")
	excerpt := fs.String("excerpt", "", "prompt excerpt text")
	if err := fs.Parse(args); err != nil {
		return constants.ExitConfig
	}

	path, err := policyPath(fs.Args())
	if err != nil {
		return fail(err)
	}
	pol, err := policy.LoadOrDefault(path)
	if err != nil {
		return fail(err)
	}

	in := policy.Input{
		Tool:         *tool,
		SessionLabel: *label,
		Type:         prompt.Type(*typ),
		Confidence:   prompt.Confidence(*confidence),
		Excerpt:      *excerpt,
	}
	decision := policy.Evaluate(pol, in)

	fmt.Printf("decision: %s", decision.Action)
	if decision.MatchedRuleID != "" {
		fmt.Printf(" (rule %s)", decision.MatchedRuleID)
	}
	if decision.ReplyValue != "" {
		fmt.Printf(" reply=%q", decision.ReplyValue)
	}
	fmt.Println()
	fmt.Println()
	for _, line := range policy.Explain(pol, in) {
		fmt.Println(line)
	}
	return constants.ExitSuccess
}

func cmdPolicyMigrate(args []string) int {
	path, err := policyPath(args)
	if err != nil {
		return fail(err)
	}
	migrated, err := policy.Migrate(path)
	if err != nil {
		return fail(err)
	}
	if migrated {
		fmt.Printf("%s: migrated to policy_version 1 (backup at %s.v0.bak)\n", path, path)
	} else {
		fmt.Printf("%s: already current\n", path)
	}
	return constants.ExitSuccess
}
