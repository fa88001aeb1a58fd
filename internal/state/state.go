// Package state defines the prompt lifecycle state machine.
// The happy path is CREATED → ROUTED → AWAITING_REPLY → REPLY_RECEIVED →
// INJECTED → RESOLVED. Any non-terminal state may move to EXPIRED,
// CANCELED, or FAILED. The store enforces legality on every transition.
package state

// PromptState is the lifecycle state of a prompt.
type PromptState string

const (
	Created       PromptState = "CREATED"
	Routed        PromptState = "ROUTED"
	AwaitingReply PromptState = "AWAITING_REPLY"
	ReplyReceived PromptState = "REPLY_RECEIVED"
	Injected      PromptState = "INJECTED"
	Resolved      PromptState = "RESOLVED"
	Expired       PromptState = "EXPIRED"
	Canceled      PromptState = "CANCELED"
	Failed        PromptState = "FAILED"
)

// forward holds the single legal forward successor of each state.
var forward = map[PromptState]PromptState{
	Created:       Routed,
	Routed:        AwaitingReply,
	AwaitingReply: ReplyReceived,
	ReplyReceived: Injected,
	Injected:      Resolved,
}

// IsTerminal reports whether s admits no further transitions.
func (s PromptState) IsTerminal() bool {
	switch s {
	case Resolved, Expired, Canceled, Failed:
		return true
	}
	return false
}

// IsLegal reports whether the transition from → to is permitted.
func IsLegal(from, to PromptState) bool {
	if from.IsTerminal() {
		return false
	}
	if next, ok := forward[from]; ok && next == to {
		return true
	}
	// Any non-terminal state may abort.
	switch to {
	case Expired, Canceled, Failed:
		return true
	}
	// ROUTED may skip AWAITING_REPLY when the autopilot engine decides
	// before delivery completes.
	if from == Routed && to == ReplyReceived {
		return true
	}
	return false
}

// All returns every defined state, happy path first.
func All() []PromptState {
	return []PromptState{
		Created, Routed, AwaitingReply, ReplyReceived,
		Injected, Resolved, Expired, Canceled, Failed,
	}
}
