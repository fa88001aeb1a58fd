package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Memory is an in-process channel used by the prompt lab, the integration
// tests, and `run --no-channel` dry runs. Deliveries and notices are
// recorded; test code feeds callbacks in with InjectCallback or a scripted
// AutoReply.
type Memory struct {
	mu         sync.Mutex
	name       string
	delivered  []prompt.Event
	notices    []string
	replies    chan Callback
	closed     bool
	failNext   bool
	autoReply  func(e *prompt.Event) (string, bool)
	identities []string
}

func init() {
	Register("memory", func(name string, cfg config.Channel, log *logger.Logger) (Channel, error) {
		return NewMemory(name), nil
	})
}

// NewMemory creates an unstarted memory channel.
func NewMemory(name string) *Memory {
	return &Memory{
		name:    name,
		replies: make(chan Callback, 64),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Start(ctx context.Context) error { return nil }

// Deliver records the event and, when an auto-reply script is installed,
// immediately feeds the scripted callback back in.
func (m *Memory) Deliver(ctx context.Context, event *prompt.Event, allowlist []string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: channel closed", ErrDeliveryFailed)
	}
	if m.failNext {
		m.failNext = false
		m.mu.Unlock()
		return "", fmt.Errorf("%w: scripted failure", ErrDeliveryFailed)
	}
	m.delivered = append(m.delivered, *event)
	script := m.autoReply
	identity := ""
	if len(allowlist) > 0 {
		identity = allowlist[0]
	}
	m.mu.Unlock()

	if script != nil {
		if value, ok := script(event); ok {
			m.InjectCallback(Callback{
				PromptID: event.PromptID,
				Nonce:    event.Nonce,
				Identity: identity,
				Value:    value,
			})
		}
	}
	return "memory:" + event.PromptID, nil
}

func (m *Memory) Notify(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, text)
	return nil
}

func (m *Memory) Replies() <-chan Callback { return m.replies }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.replies)
	}
	return nil
}

// InjectCallback simulates an inbound reply from the transport.
func (m *Memory) InjectCallback(cb Callback) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.replies <- cb
	}
}

// AutoReply installs a script that answers every delivery immediately.
func (m *Memory) AutoReply(fn func(e *prompt.Event) (string, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReply = fn
}

// FailNextDelivery makes the next Deliver return a permanent failure.
func (m *Memory) FailNextDelivery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// Delivered returns a copy of everything delivered so far.
func (m *Memory) Delivered() []prompt.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]prompt.Event, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// Notices returns a copy of all one-way notices sent so far.
func (m *Memory) Notices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.notices))
	copy(out, m.notices)
	return out
}
