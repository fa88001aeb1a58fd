package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Generic pattern library for any interactive CLI that prints plain text
// prompts. No screen reconstruction, no tool-specific tuning; the
// blocked-read and silence layers carry most of the weight.
var genericPatterns = []detect.Pattern{
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?i)[^\n]*\[y(es)?/no?\][^\n]*\s*$`)},
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?i)[^\n]*\(y(es)?/no?\)[^\n]*\s*$`)},
	{Type: prompt.TypeConfirmEnter, Regex: regexp.MustCompile(`(?i)[^\n]*press enter[^\n]*\s*$`)},
	{Type: prompt.TypeFreeText, Regex: regexp.MustCompile(`(?i)[^\n]*(\?|:)\s*$`)},
}

type genericAdapter struct {
	tool string
}

func init() {
	Register("generic", func() Adapter { return &genericAdapter{tool: "sh"} })
}

// NewGeneric wraps an arbitrary tool with the generic pattern library.
func NewGeneric(tool string) Adapter {
	return &genericAdapter{tool: tool}
}

func (a *genericAdapter) Name() string { return "generic" }

func (a *genericAdapter) Command(args []string) []string {
	return append([]string{a.tool}, args...)
}

func (a *genericAdapter) PromptPatterns() []detect.Pattern { return genericPatterns }

func (a *genericAdapter) TailWindow() int { return 512 }

func (a *genericAdapter) UsesScreen() bool { return false }

func (a *genericAdapter) Encode(typ prompt.Type, value string) ([]byte, error) {
	return encodeReply(typ, value)
}
