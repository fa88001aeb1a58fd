// Package channel defines the external messaging contract. The core never
// talks to a transport directly: it hands prompt events to a Channel and
// consumes replies from the channel-receive task. Transports own their own
// retry, backoff, and rate limiting; only permanent failure surfaces here.
package channel

import (
	"context"
	"errors"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// ErrDeliveryFailed reports permanent delivery failure after the channel
// exhausted its own retries. The router transitions the prompt to FAILED.
var ErrDeliveryFailed = errors.New("delivery failed")

// Callback is one inbound reply as the transport saw it. The router owns
// nonce and allowlist verification; the channel only reports what arrived.
type Callback struct {
	PromptID string `json:"prompt_id"`
	Nonce    string `json:"nonce"`
	Identity string `json:"identity"`
	Value    string `json:"value"`
}

// Channel is the capability set a messaging transport exposes to the core.
type Channel interface {
	// Name is the registry key ("telegram", "slack", "memory", ...).
	Name() string

	// Start launches the transport's receive loop. It returns once the
	// transport is ready; inbound callbacks then flow from Replies.
	Start(ctx context.Context) error

	// Deliver sends one prompt to the humans on the allowlist and returns
	// an opaque delivery token. Implementations must be able to
	// reconstruct the token from (prompt_id, nonce) after a restart, or
	// tolerate re-delivery; the decision guard absorbs duplicates.
	Deliver(ctx context.Context, event *prompt.Event, allowlist []string) (string, error)

	// Notify sends a one-way message (expiry notices, autopilot notices).
	Notify(ctx context.Context, sessionID, text string) error

	// Replies is the stream of inbound callbacks.
	Replies() <-chan Callback

	// Close stops the transport and closes the reply stream.
	Close() error
}

// Allowed reports whether identity is on the allowlist. An empty allowlist
// admits nobody: replies must be explicitly authorised.
func Allowed(identity string, allowlist []string) bool {
	for _, entry := range allowlist {
		if entry == identity {
			return true
		}
	}
	return false
}
