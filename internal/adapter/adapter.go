// Package adapter defines the per-tool contract: which prompt patterns a
// child program produces and how a reply value becomes the exact bytes
// written to its stdin.
package adapter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Adapter is the capability set a tool integration exposes to the core.
type Adapter interface {
	// Name is the registry key ("claude", "codex", "generic", ...).
	Name() string

	// Command builds the argv to exec, given user-supplied extra args.
	Command(args []string) []string

	// PromptPatterns returns the ordered, pre-compiled pattern list.
	// Order matters: the detector takes the first match.
	PromptPatterns() []detect.Pattern

	// TailWindow is how many cleaned bytes the pattern layer inspects.
	TailWindow() int

	// UsesScreen selects vt10x screen reconstruction for full-screen TUIs.
	UsesScreen() bool

	// Encode turns a reply value into the bytes injected into the PTY.
	Encode(typ prompt.Type, value string) ([]byte, error)
}

// encodeReply implements the shared reply-byte encoding. Auto-defaulting a
// yes_no prompt is not permitted here: an empty yes_no value is an error,
// only an explicit policy rule may synthesise one.
func encodeReply(typ prompt.Type, value string) ([]byte, error) {
	switch typ {
	case prompt.TypeYesNo:
		v := strings.ToLower(strings.TrimSpace(value))
		switch v {
		case "y", "yes":
			return []byte("y\r"), nil
		case "n", "no":
			return []byte("n\r"), nil
		case "":
			return nil, fmt.Errorf("yes_no reply must be explicit, got empty value")
		default:
			return nil, fmt.Errorf("yes_no reply must be y or n, got %q", value)
		}
	case prompt.TypeConfirmEnter:
		if strings.TrimSpace(value) != "" {
			return nil, fmt.Errorf("confirm_enter reply takes no value, got %q", value)
		}
		return []byte("\r"), nil
	case prompt.TypeMultipleChoice:
		idx, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("multiple_choice reply must be a 1-based index, got %q", value)
		}
		return []byte(strconv.Itoa(idx) + "\r"), nil
	case prompt.TypeFreeText:
		return []byte(value + "\r"), nil
	default:
		return nil, fmt.Errorf("unknown prompt type %q", typ)
	}
}
