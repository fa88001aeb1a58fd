package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Patterns for the Claude Code CLI. The tool runs a full-screen TUI, so the
// adapter matches against the vt10x-rendered screen. Ordered most-specific
// first; the detector takes the first match.
var claudePatterns = []detect.Pattern{
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?im)^[^\n]*\[y/n\][^\n]*$`)},
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?im)^[^\n]*do you want to proceed\?[^\n]*$`)},
	{Type: prompt.TypeMultipleChoice, Regex: regexp.MustCompile(`(?im)^[^\n]*enter to select[^\n]*$`)},
	{Type: prompt.TypeMultipleChoice, Regex: regexp.MustCompile(`(?im)^\s*[❯>]\s*\d+\.[^\n]*$`)},
	{Type: prompt.TypeConfirmEnter, Regex: regexp.MustCompile(`(?im)^[^\n]*press enter to continue[^\n]*$`)},
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?im)^[^\n]*do you want to [^\n]*\?[^\n]*$`)},
}

type claudeAdapter struct{}

func init() {
	Register("claude", func() Adapter { return &claudeAdapter{} })
}

func (a *claudeAdapter) Name() string { return "claude" }

func (a *claudeAdapter) Command(args []string) []string {
	return append([]string{"claude"}, args...)
}

func (a *claudeAdapter) PromptPatterns() []detect.Pattern { return claudePatterns }

func (a *claudeAdapter) TailWindow() int { return 1024 }

func (a *claudeAdapter) UsesScreen() bool { return true }

func (a *claudeAdapter) Encode(typ prompt.Type, value string) ([]byte, error) {
	return encodeReply(typ, value)
}
