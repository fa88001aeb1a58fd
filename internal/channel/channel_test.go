package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

func testEvent(sessionID string) *prompt.Event {
	return prompt.NewEvent(sessionID, prompt.TypeYesNo, "Continue? [y/N]",
		prompt.ConfidenceHigh, prompt.SignalPattern, time.Minute)
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed("alice", []string{"alice", "bob"}))
	assert.False(t, Allowed("mallory", []string{"alice", "bob"}))
	// Empty allowlist admits nobody.
	assert.False(t, Allowed("alice", nil))
}

func TestRegistryBuildsMemoryChannel(t *testing.T) {
	ch, err := New("lab", config.Channel{Kind: "memory"}, logger.Default())
	require.NoError(t, err)
	assert.Equal(t, "lab", ch.Name())
	assert.Contains(t, Kinds(), "memory")

	_, err = New("x", config.Channel{Kind: "carrier-pigeon"}, logger.Default())
	assert.Error(t, err)
}

func TestMemoryDeliverAndCallback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test")
	require.NoError(t, m.Start(ctx))

	e := testEvent("s1")
	token, err := m.Deliver(ctx, e, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "memory:"+e.PromptID, token)
	require.Len(t, m.Delivered(), 1)

	m.InjectCallback(Callback{PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y"})
	cb := <-m.Replies()
	assert.Equal(t, e.PromptID, cb.PromptID)
	assert.Equal(t, e.Nonce, cb.Nonce)
	assert.Equal(t, "y", cb.Value)
}

func TestMemoryAutoReply(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test")
	m.AutoReply(func(e *prompt.Event) (string, bool) { return "n", true })

	e := testEvent("s1")
	_, err := m.Deliver(ctx, e, []string{"alice"})
	require.NoError(t, err)

	select {
	case cb := <-m.Replies():
		assert.Equal(t, "n", cb.Value)
		assert.Equal(t, "alice", cb.Identity)
	case <-time.After(time.Second):
		t.Fatal("expected scripted callback")
	}
}

func TestMemoryFailNextDelivery(t *testing.T) {
	m := NewMemory("test")
	m.FailNextDelivery()
	_, err := m.Deliver(context.Background(), testEvent("s1"), nil)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// Only the next delivery fails.
	_, err = m.Deliver(context.Background(), testEvent("s1"), nil)
	assert.NoError(t, err)
}

func TestFanoutDeliversToAll(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory("a"), NewMemory("b")
	f := NewFanout(a, b)
	require.NoError(t, f.Start(ctx))

	e := testEvent("s1")
	_, err := f.Deliver(ctx, e, []string{"alice"})
	require.NoError(t, err)
	assert.Len(t, a.Delivered(), 1)
	assert.Len(t, b.Delivered(), 1)
}

func TestFanoutSucceedsWhenOneMemberFails(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory("a"), NewMemory("b")
	a.FailNextDelivery()
	f := NewFanout(a, b)
	require.NoError(t, f.Start(ctx))

	_, err := f.Deliver(ctx, testEvent("s1"), nil)
	assert.NoError(t, err)
	assert.Empty(t, a.Delivered())
	assert.Len(t, b.Delivered(), 1)
}

// slowChannel honours ctx cancellation before delivering, standing in for a
// real network transport.
type slowChannel struct {
	*Memory
	delay time.Duration
}

func (s *slowChannel) Deliver(ctx context.Context, e *prompt.Event, allow []string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Memory.Deliver(ctx, e, allow)
}

func TestFanoutFastFailureDoesNotCancelSiblings(t *testing.T) {
	ctx := context.Background()
	a := NewMemory("a")
	a.FailNextDelivery()
	slow := &slowChannel{Memory: NewMemory("b"), delay: 100 * time.Millisecond}
	f := NewFanout(a, slow)
	require.NoError(t, f.Start(ctx))

	// Member a fails immediately; the in-flight delivery to b must still
	// complete and carry the fanout.
	_, err := f.Deliver(ctx, testEvent("s1"), nil)
	assert.NoError(t, err)
	assert.Empty(t, a.Delivered())
	assert.Len(t, slow.Delivered(), 1)
}

func TestFanoutFailsWhenAllMembersFail(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory("a"), NewMemory("b")
	a.FailNextDelivery()
	b.FailNextDelivery()
	f := NewFanout(a, b)
	require.NoError(t, f.Start(ctx))

	_, err := f.Deliver(ctx, testEvent("s1"), nil)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestFanoutMergesReplies(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemory("a"), NewMemory("b")
	f := NewFanout(a, b)
	require.NoError(t, f.Start(ctx))

	a.InjectCallback(Callback{PromptID: "p1", Value: "y"})
	b.InjectCallback(Callback{PromptID: "p2", Value: "n"})

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case cb := <-f.Replies():
			seen[cb.PromptID] = cb.Value
		case <-time.After(time.Second):
			t.Fatal("merged reply missing")
		}
	}
	assert.Equal(t, map[string]string{"p1": "y", "p2": "n"}, seen)
}
