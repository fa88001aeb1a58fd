// Package prompt defines the core data model shared by the detector,
// router, channels, and autopilot engine: prompt events, replies, and
// their enumerated attributes.
package prompt

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of input the child program is waiting for.
type Type string

const (
	TypeYesNo          Type = "yes_no"
	TypeConfirmEnter   Type = "confirm_enter"
	TypeMultipleChoice Type = "multiple_choice"
	TypeFreeText       Type = "free_text"
)

// Confidence grades how certain the detector is that a prompt exists.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels for policy threshold comparisons.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Signal names which of the detector's three layers produced the event.
type Signal string

const (
	SignalPattern     Signal = "pattern"
	SignalBlockedRead Signal = "blocked_read"
	SignalSilence     Signal = "silence"
)

// Source identifies who authored a reply.
type Source string

const (
	SourceHuman     Source = "human"
	SourceAutopilot Source = "autopilot"
	SourceSynthetic Source = "synthetic"
)

// Event is one detected request for human input.
type Event struct {
	PromptID   string     `json:"prompt_id"`
	SessionID  string     `json:"session_id"`
	Type       Type       `json:"type"`
	Excerpt    string     `json:"excerpt"`
	Options    []string   `json:"options,omitempty"`
	Confidence Confidence `json:"confidence"`
	Signal     Signal     `json:"signal"`
	Nonce      string     `json:"nonce"`
	CreatedAt  time.Time  `json:"created_at"`
	TTLSeconds int        `json:"ttl_seconds"`
}

// NewEvent builds an Event with a fresh prompt ID and nonce.
func NewEvent(sessionID string, typ Type, excerpt string, confidence Confidence, signal Signal, ttl time.Duration) *Event {
	return &Event{
		PromptID:   uuid.New().String(),
		SessionID:  sessionID,
		Type:       typ,
		Excerpt:    excerpt,
		Confidence: confidence,
		Signal:     signal,
		Nonce:      uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int(ttl / time.Second),
	}
}

// ExpiresAt returns the instant after which the prompt can no longer be decided.
func (e *Event) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Reply is a response intended for one specific prompt.
type Reply struct {
	PromptID   string    `json:"prompt_id"`
	SessionID  string    `json:"session_id"`
	Value      string    `json:"value"`
	Source     Source    `json:"source"`
	Identity   string    `json:"identity,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
