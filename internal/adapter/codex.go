package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Patterns for the Codex CLI.
var codexPatterns = []detect.Pattern{
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?im)^[^\n]*(approve|allow|confirm|proceed)\s*\?[^\n]*$`)},
	{Type: prompt.TypeYesNo, Regex: regexp.MustCompile(`(?im)^[^\n]*\[y/n\][^\n]*$`)},
	{Type: prompt.TypeMultipleChoice, Regex: regexp.MustCompile(`(?im)^\s*[›❯]\s*\d+\.\s+[^\n]*$`)},
	{Type: prompt.TypeConfirmEnter, Regex: regexp.MustCompile(`(?im)^[^\n]*press\s+enter\s+to\s+confirm[^\n]*$`)},
}

type codexAdapter struct{}

func init() {
	Register("codex", func() Adapter { return &codexAdapter{} })
}

func (a *codexAdapter) Name() string { return "codex" }

func (a *codexAdapter) Command(args []string) []string {
	return append([]string{"codex"}, args...)
}

func (a *codexAdapter) PromptPatterns() []detect.Pattern { return codexPatterns }

func (a *codexAdapter) TailWindow() int { return 1024 }

func (a *codexAdapter) UsesScreen() bool { return true }

func (a *codexAdapter) Encode(typ prompt.Type, value string) ([]byte, error) {
	return encodeReply(typ, value)
}
