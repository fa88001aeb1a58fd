package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHappyPathTransitions(t *testing.T) {
	path := []PromptState{Created, Routed, AwaitingReply, ReplyReceived, Injected, Resolved}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, IsLegal(path[i], path[i+1]),
			"expected %s -> %s to be legal", path[i], path[i+1])
	}
}

func TestRoutedMayShortCircuitToReplyReceived(t *testing.T) {
	assert.True(t, IsLegal(Routed, ReplyReceived))
}

func TestNonTerminalStatesMayAbort(t *testing.T) {
	for _, from := range []PromptState{Created, Routed, AwaitingReply, ReplyReceived, Injected} {
		for _, to := range []PromptState{Expired, Canceled, Failed} {
			assert.True(t, IsLegal(from, to), "expected %s -> %s to be legal", from, to)
		}
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	for _, from := range []PromptState{Resolved, Expired, Canceled, Failed} {
		for _, to := range All() {
			assert.False(t, IsLegal(from, to), "expected %s -> %s to be illegal", from, to)
		}
	}
}

func TestBackwardAndSkippingTransitionsAreIllegal(t *testing.T) {
	cases := []struct{ from, to PromptState }{
		{Routed, Created},
		{AwaitingReply, Routed},
		{Created, AwaitingReply},
		{Created, Injected},
		{AwaitingReply, Injected},
		{ReplyReceived, Resolved},
		{Injected, ReplyReceived},
	}
	for _, tc := range cases {
		assert.False(t, IsLegal(tc.from, tc.to), "expected %s -> %s to be illegal", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, Resolved.IsTerminal())
	assert.True(t, Expired.IsTerminal())
	assert.True(t, Canceled.IsTerminal())
	assert.True(t, Failed.IsTerminal())
	assert.False(t, Created.IsTerminal())
	assert.False(t, Injected.IsTerminal())
}
