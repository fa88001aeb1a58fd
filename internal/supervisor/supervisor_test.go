package supervisor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/state"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// fakePty is a scripted child: the test feeds output chunks in and reads
// injected bytes out.
type fakePty struct {
	mu      sync.Mutex
	out     chan []byte
	written []byte
	writes  chan []byte
	exit    chan int
	failW   bool
	closed  bool
}

func newFakePty() *fakePty {
	return &fakePty{
		out:    make(chan []byte, 16),
		writes: make(chan []byte, 16),
		exit:   make(chan int, 1),
	}
}

func (f *fakePty) emit(s string) { f.out <- []byte(s) }

func (f *fakePty) exitWith(code int) { f.exit <- code }

func (f *fakePty) Read(b []byte) (int, error) {
	chunk, ok := <-f.out
	if !ok {
		return 0, io.EOF
	}
	return copy(b, chunk), nil
}

func (f *fakePty) Write(b []byte) (int, error) {
	f.mu.Lock()
	if f.failW {
		f.mu.Unlock()
		return 0, fmt.Errorf("scripted write failure")
	}
	f.written = append(f.written, b...)
	f.mu.Unlock()
	f.writes <- append([]byte(nil), b...)
	return len(b), nil
}

func (f *fakePty) Resize(cols, rows uint16) error { return nil }

func (f *fakePty) Wait() (int, error) { return <-f.exit, nil }

func (f *fakePty) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func (f *fakePty) failWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failW = true
}

type harness struct {
	sup    *Supervisor
	pty    *fakePty
	store  *store.Store
	mem    *channel.Memory
	router *router.Router
	runErr chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Immediate stdin EOF: no terminal relay.
	return newHarnessWithStdin(t, strings.NewReader(""))
}

func newHarnessWithStdin(t *testing.T, stdin io.Reader) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "prompts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w, err := audit.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	rec := audit.NewRecorder(w, logger.Default())
	t.Cleanup(func() { rec.Close() })

	mem := channel.NewMemory("test")
	require.NoError(t, mem.Start(context.Background()))

	rt := router.New(st, rec, mem, nil, []string{"alice"}, 5*time.Second, logger.Default())

	sup := New(adapter.NewGeneric("fake-tool"), st, rec, rt, Options{
		SessionID: "s1",
		TTL:       time.Minute,
		Silence:   200 * time.Millisecond,
		Suppress:  300 * time.Millisecond,
		Stdin:     stdin,
		Stdout:    io.Discard,
	}, logger.Default())

	fp := newFakePty()
	sup.startPty = func(argv []string, cols, rows uint16) (PtyHandle, error) {
		return fp, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)

	h := &harness{sup: sup, pty: fp, store: st, mem: mem, router: rt,
		runErr: make(chan error, 1), cancel: cancel}
	go func() { h.runErr <- sup.Run(ctx) }()
	return h
}

func (h *harness) waitDelivered(t *testing.T, n int) []prompt.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.mem.Delivered()) >= n
	}, 3*time.Second, 20*time.Millisecond)
	return h.mem.Delivered()
}

func (h *harness) finish(t *testing.T, code int) {
	t.Helper()
	h.pty.exitWith(code)
	h.pty.Close()
	select {
	case err := <-h.runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestPromptDetectedAndReplied(t *testing.T) {
	h := newHarness(t)

	h.pty.emit("Working...\n")
	h.pty.emit("Apply these changes? [y/N] ")

	delivered := h.waitDelivered(t, 1)
	e := delivered[0]
	assert.Equal(t, prompt.TypeYesNo, e.Type)
	assert.Equal(t, "s1", e.SessionID)

	h.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})

	select {
	case payload := <-h.pty.writes:
		assert.Equal(t, "y\r", string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("no injection reached the pty")
	}

	require.Eventually(t, func() bool {
		row, err := h.store.GetPrompt(context.Background(), e.PromptID)
		return err == nil && row.State == state.Resolved
	}, 3*time.Second, 20*time.Millisecond)

	h.finish(t, 0)
	assert.Equal(t, 0, h.sup.ExitCode())
}

func TestSilenceFallbackDetection(t *testing.T) {
	h := newHarness(t)

	// No recognisable pattern, just a partial line going quiet.
	h.pty.emit("enter deployment target ")

	delivered := h.waitDelivered(t, 1)
	e := delivered[0]
	// Blocked-read fires from the watchdog before the full silence window.
	assert.Contains(t, []prompt.Signal{prompt.SignalBlockedRead, prompt.SignalSilence}, e.Signal)
	assert.Equal(t, prompt.TypeFreeText, e.Type)

	h.finish(t, 0)
}

func TestEchoSuppressedAfterInjection(t *testing.T) {
	h := newHarness(t)

	h.pty.emit("Continue? [y/N] ")
	delivered := h.waitDelivered(t, 1)
	e := delivered[0]

	h.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})
	<-h.pty.writes

	// The child echoes the injected reply plus the prompt tail. Inside the
	// suppression window this must not create a second prompt.
	h.pty.emit("y\nContinue? [y/N] ")
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, h.mem.Delivered(), 1)

	h.finish(t, 0)
}

func TestInputRelayMutedDuringSuppressionWindow(t *testing.T) {
	pr, pw := io.Pipe()
	h := newHarnessWithStdin(t, pr)

	h.pty.emit("Continue? [y/N] ")
	e := h.waitDelivered(t, 1)[0]

	h.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})
	payload := <-h.pty.writes
	require.Equal(t, "y\r", string(payload))
	time.Sleep(20 * time.Millisecond)

	// Typed inside the 300 ms suppression window: must not reach the child.
	_, err := pw.Write([]byte("zzz"))
	require.NoError(t, err)
	select {
	case got := <-h.pty.writes:
		t.Fatalf("suppressed keystrokes reached the pty: %q", got)
	case <-time.After(150 * time.Millisecond):
	}

	// After the window lapses the relay passes input through again.
	time.Sleep(200 * time.Millisecond)
	_, err = pw.Write([]byte("ok"))
	require.NoError(t, err)
	select {
	case got := <-h.pty.writes:
		assert.Equal(t, "ok", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("input relay did not resume after the suppression window")
	}

	pw.Close()
	h.finish(t, 0)
}

func TestInjectionWriteFailureMarksFailed(t *testing.T) {
	h := newHarness(t)

	h.pty.emit("Proceed? [y/N] ")
	e := h.waitDelivered(t, 1)[0]

	h.pty.failWrites()
	h.mem.InjectCallback(channel.Callback{
		PromptID: e.PromptID, Nonce: e.Nonce, Identity: "alice", Value: "y",
	})

	require.Eventually(t, func() bool {
		row, err := h.store.GetPrompt(context.Background(), e.PromptID)
		return err == nil && row.State == state.Failed
	}, 3*time.Second, 20*time.Millisecond)

	h.finish(t, 0)
}

func TestChildExitCodePropagates(t *testing.T) {
	h := newHarness(t)
	h.pty.emit("done\n")
	h.finish(t, 3)
	assert.Equal(t, 3, h.sup.ExitCode())

	sessions, err := h.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Active())
}

func TestSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "prompts.db"))
	require.NoError(t, err)
	defer st.Close()

	w, err := audit.Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	rec := audit.NewRecorder(w, logger.Default())
	defer rec.Close()

	mem := channel.NewMemory("test")
	rt := router.New(st, rec, mem, nil, nil, time.Second, logger.Default())

	sup := New(adapter.NewGeneric("missing-tool"), st, rec, rt, Options{
		SessionID: "s1", Stdin: strings.NewReader(""), Stdout: io.Discard,
	}, logger.Default())
	sup.startPty = func(argv []string, cols, rows uint16) (PtyHandle, error) {
		return nil, fmt.Errorf("exec: not found")
	}

	err = sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrSpawn)
}
