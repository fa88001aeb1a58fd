// Package bus fans session and prompt lifecycle events out to live
// consumers: the daemon's websocket stream and, when configured, an
// external NATS deployment. The bus is advisory — the audit log, not the
// bus, is the correctness record.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// Subjects published by the core. Subscribers may use NATS-style wildcards
// ("prompt.*", "atlasbridge.>").
const (
	SubjectSessionStarted = "atlasbridge.session.started"
	SubjectSessionEnded   = "atlasbridge.session.ended"
	SubjectPromptDetected = "atlasbridge.prompt.detected"
	SubjectPromptDecided  = "atlasbridge.prompt.decided"
	SubjectPromptResolved = "atlasbridge.prompt.resolved"
	SubjectPromptExpired  = "atlasbridge.prompt.expired"
	SubjectAutopilot      = "atlasbridge.autopilot.decision"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and current timestamp.
func NewEvent(eventType, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. Returning an error only logs it; the bus
// never redelivers.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the fan-out contract.
type Bus interface {
	// Publish sends an event to a subject. Best-effort: a full or
	// disconnected bus drops, it never blocks the publisher.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}

// New selects the backend from configuration: an empty URL means the
// in-process bus, anything else is dialled as NATS.
func New(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
