package lab

import (
	"time"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/state"
)

// Chunk is one scripted burst of child output.
type Chunk struct {
	Text  string
	Delay time.Duration // pause before emitting
}

// Scenario is one deterministic end-to-end exercise: scripted child output
// in, scripted human reply back, expectations checked against the store and
// the injected bytes.
type Scenario struct {
	ID      string
	Name    string
	Adapter string // registry key, "" selects the generic adapter
	TTL     time.Duration

	Chunks []Chunk

	Reply     string // value the scripted human sends
	NoReply   bool   // nobody answers
	Duplicate bool   // the same callback arrives twice
	EchoAfter string // child output emitted right after injection
	Sweep     bool   // run a TTL sweep instead of waiting wall-clock time

	WantType    prompt.Type
	WantSignals []prompt.Signal // acceptable signals, empty means pattern only
	WantState   state.PromptState
	WantInject  string // exact bytes expected at the pty, "" means none
	WantOptions int    // minimum extracted menu options
}

// Scenarios returns the built-in scenario set, ordered by ID.
func Scenarios() []Scenario {
	return []Scenario{
		{
			ID:   "qa001",
			Name: "bracketed yes/no answered yes",
			Chunks: []Chunk{
				{Text: "Working...\n"},
				{Text: "Apply these changes? [y/N] "},
			},
			Reply:      "y",
			WantType:   prompt.TypeYesNo,
			WantState:  state.Resolved,
			WantInject: "y\r",
		},
		{
			ID:   "qa002",
			Name: "press-enter confirmation",
			Chunks: []Chunk{
				{Text: "Build finished.\n"},
				{Text: "Press enter to continue "},
			},
			Reply:      "",
			WantType:   prompt.TypeConfirmEnter,
			WantState:  state.Resolved,
			WantInject: "\r",
		},
		{
			ID:      "qa003",
			Name:    "numbered menu on a rendered screen",
			Adapter: "claude",
			Chunks: []Chunk{
				{Text: "Select an option:\r\n  1. apply\r\n  2. skip\r\n❯ 3. abort\r\nEnter to select "},
			},
			Reply:       "2",
			WantType:    prompt.TypeMultipleChoice,
			WantState:   state.Resolved,
			WantInject:  "2\r",
			WantOptions: 3,
		},
		{
			ID:   "qa004",
			Name: "prompt split across output chunks",
			Chunks: []Chunk{
				{Text: "Apply these chan"},
				{Text: "ges? [y/N] ", Delay: 20 * time.Millisecond},
			},
			Reply:      "y",
			WantType:   prompt.TypeYesNo,
			WantState:  state.Resolved,
			WantInject: "y\r",
		},
		{
			ID:   "qa005",
			Name: "ansi escapes stripped before matching",
			Chunks: []Chunk{
				{Text: "\x1b[2J\x1b[1;32mApply these changes?\x1b[0m [y/N] "},
			},
			Reply:      "y",
			WantType:   prompt.TypeYesNo,
			WantState:  state.Resolved,
			WantInject: "y\r",
		},
		{
			ID:   "qa006",
			Name: "unpatterned stall caught by fallback signals",
			Chunks: []Chunk{
				{Text: "enter deployment target "},
			},
			Reply:       "prod",
			WantType:    prompt.TypeFreeText,
			WantSignals: []prompt.Signal{prompt.SignalBlockedRead, prompt.SignalSilence},
			WantState:   state.Resolved,
			WantInject:  "prod\r",
		},
		{
			ID:   "qa007",
			Name: "reply echo does not re-trigger detection",
			Chunks: []Chunk{
				{Text: "Continue? [y/N] "},
			},
			Reply:      "y",
			EchoAfter:  "y\nContinue? [y/N] ",
			WantType:   prompt.TypeYesNo,
			WantState:  state.Resolved,
			WantInject: "y\r",
		},
		{
			ID:   "qa008",
			Name: "unanswered prompt expires at ttl",
			TTL:  time.Second,
			Chunks: []Chunk{
				{Text: "Proceed? [y/N] "},
			},
			NoReply:   true,
			Sweep:     true,
			WantType:  prompt.TypeYesNo,
			WantState: state.Expired,
		},
		{
			ID:   "qa009",
			Name: "duplicate callback commits exactly once",
			Chunks: []Chunk{
				{Text: "Proceed? [y/N] "},
			},
			Reply:      "y",
			Duplicate:  true,
			WantType:   prompt.TypeYesNo,
			WantState:  state.Resolved,
			WantInject: "y\r",
		},
		{
			ID:   "qa010",
			Name: "free text prompt answered verbatim",
			Chunks: []Chunk{
				{Text: "Project name: "},
			},
			Reply:      "atlas",
			WantType:   prompt.TypeFreeText,
			WantState:  state.Resolved,
			WantInject: "atlas\r",
		},
	}
}

// Lookup finds a scenario by ID.
func Lookup(id string) (Scenario, bool) {
	for _, sc := range Scenarios() {
		if sc.ID == id {
			return sc, true
		}
	}
	return Scenario{}, false
}
