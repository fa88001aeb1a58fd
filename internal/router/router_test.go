package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/state"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

type injection struct {
	promptID string
	value    string
	source   prompt.Source
}

// recordingInjector captures dispatched replies without touching a PTY.
type recordingInjector struct {
	mu   sync.Mutex
	got  []injection
	done chan struct{}
}

func newRecordingInjector() *recordingInjector {
	return &recordingInjector{done: make(chan struct{}, 16)}
}

func (ri *recordingInjector) Inject(ctx context.Context, row *store.Prompt, value string, source prompt.Source) error {
	ri.mu.Lock()
	ri.got = append(ri.got, injection{promptID: row.PromptID, value: value, source: source})
	ri.mu.Unlock()
	ri.done <- struct{}{}
	return nil
}

func (ri *recordingInjector) wait(t *testing.T) injection {
	t.Helper()
	select {
	case <-ri.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no injection arrived")
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.got[len(ri.got)-1]
}

func (ri *recordingInjector) count() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return len(ri.got)
}

type fixture struct {
	router   *Router
	store    *store.Store
	mem      *channel.Memory
	injector *recordingInjector
	rec      *audit.Recorder
	audit    string
}

func newFixture(t *testing.T, engine *autopilot.Engine) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "prompts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditPath := filepath.Join(dir, "audit.log")
	w, err := audit.Open(auditPath)
	require.NoError(t, err)
	rec := audit.NewRecorder(w, logger.Default())
	t.Cleanup(func() { rec.Close() })

	mem := channel.NewMemory("test")
	require.NoError(t, mem.Start(context.Background()))

	r := New(st, rec, mem, engine, []string{"alice"}, 5*time.Second, logger.Default())

	inj := newRecordingInjector()
	require.NoError(t, st.CreateSession(context.Background(), &store.Session{
		SessionID: "s1", Tool: "claude", StartedAt: time.Now().UnixMilli(),
	}))
	r.RegisterSession("s1", "claude", "", inj)

	return &fixture{router: r, store: st, mem: mem, injector: inj, rec: rec, audit: auditPath}
}

func fullEngine(t *testing.T, yaml string) *autopilot.Engine {
	t.Helper()
	p, err := policy.Parse([]byte(yaml))
	require.NoError(t, err)
	return autopilot.New(autopilot.ModeFull, p, t.TempDir(), nil, 0, logger.Default())
}

func newEvent(sessionID string) *prompt.Event {
	return prompt.NewEvent(sessionID, prompt.TypeYesNo, "Apply changes? [y/N]",
		prompt.ConfidenceHigh, prompt.SignalPattern, time.Minute)
}

func TestForwardDeliversToChannel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	require.Len(t, f.mem.Delivered(), 1)
	row, err := f.store.GetPrompt(ctx, e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, state.AwaitingReply, row.State)
}

func TestForwardUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	err := f.router.Forward(context.Background(), newEvent("ghost"))
	assert.Error(t, err)
}

func TestForwardDuplicateNonceDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))
	// Same event again (detector echo): silently dropped, no second delivery.
	require.NoError(t, f.router.Forward(ctx, e))
	assert.Len(t, f.mem.Delivered(), 1)
}

func TestForwardDeliveryFailureMovesToFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mem.FailNextDelivery()

	e := newEvent("s1")
	err := f.router.Forward(ctx, e)
	require.Error(t, err)

	row, err := f.store.GetPrompt(ctx, e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, state.Failed, row.State)
}

func TestCallbackHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})

	got := f.injector.wait(t)
	assert.Equal(t, e.PromptID, got.promptID)
	assert.Equal(t, "y", got.value)
	assert.Equal(t, prompt.SourceHuman, got.source)

	row, err := f.store.GetPrompt(context.Background(), e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, state.ReplyReceived, row.State)
	assert.Equal(t, "y", row.Decision.String)
}

func TestCallbackNonceMismatchDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: "forged", Identity: "alice", Value: "y",
	})

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.injector.count())
	row, err := f.store.GetPrompt(context.Background(), e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, state.AwaitingReply, row.State)
}

func TestCallbackUnauthorisedIdentityDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "mallory", Value: "y",
	})

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.injector.count())
}

func TestDuplicateCallbackFirstWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	cb := channel.Callback{PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y"}
	f.mem.InjectCallback(cb)
	cb.Value = "n"
	f.mem.InjectCallback(cb)

	got := f.injector.wait(t)
	assert.Equal(t, "y", got.value)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.injector.count())

	row, err := f.store.GetPrompt(context.Background(), e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, "y", row.Decision.String)
}

func TestAutopilotFullAutoReplySkipsChannel(t *testing.T) {
	engine := fullEngine(t, `
policy_version: "1"
rules:
  - id: approve-all
    match: {prompt_types: [yes_no], min_confidence: high}
    action: auto_reply
    reply: "y"
defaults: {no_match: require_human}
`)
	f := newFixture(t, engine)
	ctx := context.Background()

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	got := f.injector.wait(t)
	assert.Equal(t, "y", got.value)
	assert.Equal(t, prompt.SourceAutopilot, got.source)
	// The prompt never went out; the human only gets a notice.
	assert.Empty(t, f.mem.Delivered())
	require.NotEmpty(t, f.mem.Notices())
	assert.Contains(t, f.mem.Notices()[0], "autopilot replied")

	row, err := f.store.GetPrompt(ctx, e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, engine.Policy().ContentHash(), row.PolicyHash)
}

func TestAutopilotDenyInjectsRefusal(t *testing.T) {
	engine := fullEngine(t, `
policy_version: "1"
rules:
  - id: deny-all
    match: {prompt_types: [yes_no]}
    action: deny
    reason: nothing is approved here
defaults: {no_match: require_human}
`)
	f := newFixture(t, engine)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(context.Background(), e))

	got := f.injector.wait(t)
	assert.Equal(t, "n", got.value)
	assert.Equal(t, prompt.SourceAutopilot, got.source)
}

func TestAssistHoldHumanOverrideWins(t *testing.T) {
	p, err := policy.Parse([]byte(`
policy_version: "1"
rules:
  - id: approve-all
    match: {prompt_types: [yes_no], min_confidence: high}
    action: auto_reply
    reply: "y"
defaults: {no_match: require_human}
`))
	require.NoError(t, err)
	engine := autopilot.New(autopilot.ModeAssist, p, t.TempDir(), nil,
		300*time.Millisecond, logger.Default())
	f := newFixture(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))
	// Delivered for visibility during the hold.
	require.Len(t, f.mem.Delivered(), 1)

	// Human answers "n" before the window lapses.
	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "n",
	})
	got := f.injector.wait(t)
	assert.Equal(t, "n", got.value)
	assert.Equal(t, prompt.SourceHuman, got.source)

	// The held autopilot commit fires and loses.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, f.injector.count())
	row, err := f.store.GetPrompt(context.Background(), e.PromptID)
	require.NoError(t, err)
	assert.Equal(t, "n", row.Decision.String)
	assert.Equal(t, string(prompt.SourceHuman), row.ReplySource.String)
}

func TestAssistHoldAppliesAfterWindow(t *testing.T) {
	p, err := policy.Parse([]byte(`
policy_version: "1"
rules:
  - id: approve-all
    match: {prompt_types: [yes_no], min_confidence: high}
    action: auto_reply
    reply: "y"
defaults: {no_match: require_human}
`))
	require.NoError(t, err)
	engine := autopilot.New(autopilot.ModeAssist, p, t.TempDir(), nil,
		100*time.Millisecond, logger.Default())
	f := newFixture(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))

	got := f.injector.wait(t)
	assert.Equal(t, "y", got.value)
	assert.Equal(t, prompt.SourceAutopilot, got.source)
}

func TestRecoverRedeliversAndRedispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A ROUTED prompt that never reached the channel.
	routed := newEvent("s1")
	require.NoError(t, f.store.InsertPrompt(ctx, routed, ""))
	_, err := f.store.Transition(ctx, routed.PromptID, state.Created, state.Routed)
	require.NoError(t, err)

	// A committed decision that was never injected.
	decided := newEvent("s1")
	require.NoError(t, f.store.InsertPrompt(ctx, decided, ""))
	_, err = f.store.Transition(ctx, decided.PromptID, state.Created, state.Routed)
	require.NoError(t, err)
	result, err := f.store.DecidePrompt(ctx, decided.PromptID, "s1", "y", prompt.SourceHuman, time.Now())
	require.NoError(t, err)
	require.Equal(t, store.Accepted, result)

	require.NoError(t, f.router.Recover(ctx))

	// The routed prompt was re-delivered.
	require.Len(t, f.mem.Delivered(), 1)
	row, err := f.store.GetPrompt(ctx, routed.PromptID)
	require.NoError(t, err)
	assert.Equal(t, state.AwaitingReply, row.State)

	// The decided prompt reached the injector.
	got := f.injector.wait(t)
	assert.Equal(t, decided.PromptID, got.promptID)
	assert.Equal(t, "y", got.value)
}

func TestRecoverResolvesInterruptedInjection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Crash happened between the INJECTED and RESOLVED transitions: the
	// bytes reached the child but the final state change was lost.
	walkToInjected := func(sessionID string) string {
		e := newEvent(sessionID)
		require.NoError(t, f.store.InsertPrompt(ctx, e, ""))
		_, err := f.store.Transition(ctx, e.PromptID, state.Created, state.Routed)
		require.NoError(t, err)
		result, err := f.store.DecidePrompt(ctx, e.PromptID, sessionID, "y", prompt.SourceHuman, time.Now())
		require.NoError(t, err)
		require.Equal(t, store.Accepted, result)
		_, err = f.store.Transition(ctx, e.PromptID, state.ReplyReceived, state.Injected)
		require.NoError(t, err)
		return e.PromptID
	}

	live := walkToInjected("s1")

	require.NoError(t, f.store.CreateSession(ctx, &store.Session{
		SessionID: "gone", Tool: "claude", StartedAt: time.Now().UnixMilli(),
	}))
	orphaned := walkToInjected("gone")

	require.NoError(t, f.router.Recover(ctx))

	for _, id := range []string{live, orphaned} {
		row, err := f.store.GetPrompt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, state.Resolved, row.State)
	}
	// Nothing is re-injected: the write already happened before the crash.
	assert.Zero(t, f.injector.count())
}

func TestRecoverSkipsUnregisteredSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.CreateSession(ctx, &store.Session{
		SessionID: "gone", Tool: "claude", StartedAt: time.Now().UnixMilli(),
	}))
	e := newEvent("gone")
	require.NoError(t, f.store.InsertPrompt(ctx, e, ""))

	require.NoError(t, f.router.Recover(ctx))
	assert.Empty(t, f.mem.Delivered())
}

func TestBusReceivesPromptLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	b := bus.NewMemoryBus(logger.Default())
	t.Cleanup(b.Close)
	f.router.SetBus(b)

	var (
		mu    sync.Mutex
		types []string
	)
	_, err := b.Subscribe("atlasbridge.prompt.>", func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))
	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})
	f.injector.wait(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) >= 3
	}, 2*time.Second, 20*time.Millisecond)

	// Handlers run on their own goroutines, so only the set is guaranteed.
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"prompt.detected", "prompt.decided", "prompt.resolved"}, types)
}

func TestDispatchAfterSessionUnregisteredFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	e := newEvent("s1")
	require.NoError(t, f.router.Forward(ctx, e))
	f.router.UnregisterSession("s1")

	f.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})

	require.Eventually(t, func() bool {
		row, err := f.store.GetPrompt(context.Background(), e.PromptID)
		return err == nil && row.State == state.Failed
	}, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, f.injector.count())
}
