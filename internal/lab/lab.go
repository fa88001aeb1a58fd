// Package lab runs deterministic end-to-end scenarios through the real
// pipeline: detector, store, router, and injection, with a scripted child
// standing in for the PTY and the in-process memory channel standing in for
// a messaging transport. `atlasbridge lab run` executes them as a smoke
// check of a build.
package lab

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/store"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
)

const (
	labIdentity = "lab"
	labSilence  = 200 * time.Millisecond
	labSuppress = 300 * time.Millisecond
	labDeadline = 5 * time.Second
)

// Outcome is the result of one scenario run.
type Outcome struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Failures []string      `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// scriptedPty stands in for the child process: the scenario feeds output
// chunks in and observes injected bytes coming back.
type scriptedPty struct {
	mu     sync.Mutex
	out    chan []byte
	writes [][]byte
	exit   chan int
	closed bool
}

func newScriptedPty() *scriptedPty {
	return &scriptedPty{
		out:  make(chan []byte, 16),
		exit: make(chan int, 1),
	}
}

func (p *scriptedPty) emit(s string) { p.out <- []byte(s) }

func (p *scriptedPty) Read(b []byte) (int, error) {
	chunk, ok := <-p.out
	if !ok {
		return 0, io.EOF
	}
	return copy(b, chunk), nil
}

func (p *scriptedPty) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *scriptedPty) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *scriptedPty) Resize(cols, rows uint16) error { return nil }

func (p *scriptedPty) Wait() (int, error) { return <-p.exit, nil }

func (p *scriptedPty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

// Run executes one scenario in an isolated temporary state directory.
// Infrastructure failures return an error; expectation misses land in the
// outcome's failure list.
func Run(ctx context.Context, sc Scenario, dir string, log *logger.Logger) (*Outcome, error) {
	started := time.Now()
	out := &Outcome{ID: sc.ID, Name: sc.Name}
	fail := func(format string, args ...any) {
		out.Failures = append(out.Failures, fmt.Sprintf(format, args...))
	}

	st, err := store.Open(filepath.Join(dir, constants.DBFilename))
	if err != nil {
		return nil, err
	}
	defer st.Close()

	w, err := audit.Open(filepath.Join(dir, constants.AuditFilename))
	if err != nil {
		return nil, err
	}
	rec := audit.NewRecorder(w, log)
	defer rec.Close()

	mem := channel.NewMemory(labIdentity)
	if err := mem.Start(ctx); err != nil {
		return nil, err
	}
	defer mem.Close()

	rt := router.New(st, rec, mem, nil, []string{labIdentity}, labDeadline, log)

	var ad adapter.Adapter
	if sc.Adapter != "" {
		ad, err = adapter.New(sc.Adapter)
		if err != nil {
			return nil, err
		}
	} else {
		ad = adapter.NewGeneric("lab-child")
	}

	ttl := sc.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	pty := newScriptedPty()
	sup := supervisor.New(ad, st, rec, rt, supervisor.Options{
		SessionID: "lab-" + sc.ID,
		TTL:       ttl,
		Silence:   labSilence,
		Suppress:  labSuppress,
		Stdin:     strings.NewReader(""),
		Stdout:    io.Discard,
		StartPty: func(argv []string, cols, rows uint16) (supervisor.PtyHandle, error) {
			return pty, nil
		},
	}, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go rt.Run(runCtx)
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(runCtx) }()

	for _, chunk := range sc.Chunks {
		if chunk.Delay > 0 {
			time.Sleep(chunk.Delay)
		}
		pty.emit(chunk.Text)
	}

	if !await(labDeadline, func() bool { return len(mem.Delivered()) >= 1 }) {
		fail("no prompt was delivered")
		return finish(out, started, pty, runDone)
	}
	event := mem.Delivered()[0]

	if event.Type != sc.WantType {
		fail("prompt type %q, want %q", event.Type, sc.WantType)
	}
	if len(sc.WantSignals) > 0 {
		if !slices.Contains(sc.WantSignals, event.Signal) {
			fail("signal %q not in %v", event.Signal, sc.WantSignals)
		}
	} else if event.Signal != prompt.SignalPattern {
		fail("signal %q, want %q", event.Signal, prompt.SignalPattern)
	}
	if sc.WantOptions > 0 && len(event.Options) < sc.WantOptions {
		fail("extracted %d options, want at least %d", len(event.Options), sc.WantOptions)
	}

	if sc.Sweep {
		// Move the clock past the TTL instead of waiting it out.
		if _, err := st.SweepExpired(ctx, time.Now().Add(ttl+time.Second)); err != nil {
			fail("ttl sweep: %v", err)
		}
	}

	if !sc.NoReply {
		cb := channel.Callback{
			PromptID: event.PromptID,
			Nonce:    event.Nonce,
			Identity: labIdentity,
			Value:    sc.Reply,
		}
		mem.InjectCallback(cb)
		if sc.Duplicate {
			mem.InjectCallback(cb)
		}
	}

	if sc.WantInject != "" {
		if !await(labDeadline, func() bool { return len(pty.Writes()) >= 1 }) {
			fail("no bytes were injected")
		} else if got := string(pty.Writes()[0]); got != sc.WantInject {
			fail("injected %q, want %q", got, sc.WantInject)
		}
	}

	if sc.EchoAfter != "" {
		pty.emit(sc.EchoAfter)
		time.Sleep(labSuppress / 2)
		if n := len(mem.Delivered()); n != 1 {
			fail("echo re-triggered detection: %d deliveries", n)
		}
	}

	if sc.Duplicate {
		// The second callback must be absorbed by the decision guard.
		time.Sleep(100 * time.Millisecond)
		if n := len(pty.Writes()); n != 1 {
			fail("duplicate callback caused %d injections", n)
		}
	}

	if !await(labDeadline, func() bool {
		row, err := st.GetPrompt(ctx, event.PromptID)
		return err == nil && row.State == sc.WantState
	}) {
		row, err := st.GetPrompt(ctx, event.PromptID)
		if err != nil {
			fail("final state unavailable: %v", err)
		} else {
			fail("final state %q, want %q", row.State, sc.WantState)
		}
	}

	return finish(out, started, pty, runDone)
}

func finish(out *Outcome, started time.Time, pty *scriptedPty, runDone chan error) (*Outcome, error) {
	pty.exit <- 0
	pty.Close()
	select {
	case err := <-runDone:
		if err != nil {
			out.Failures = append(out.Failures, fmt.Sprintf("supervisor: %v", err))
		}
	case <-time.After(labDeadline):
		out.Failures = append(out.Failures, "supervisor did not stop")
	}
	out.Passed = len(out.Failures) == 0
	out.Duration = time.Since(started)
	return out, nil
}

// RunAll executes the named scenarios, or every built-in scenario when ids
// is empty. Each scenario gets a fresh state directory under baseDir.
func RunAll(ctx context.Context, ids []string, baseDir string, log *logger.Logger) ([]*Outcome, error) {
	var scenarios []Scenario
	if len(ids) == 0 {
		scenarios = Scenarios()
	} else {
		for _, id := range ids {
			sc, ok := Lookup(id)
			if !ok {
				return nil, fmt.Errorf("unknown scenario %q", id)
			}
			scenarios = append(scenarios, sc)
		}
	}

	outcomes := make([]*Outcome, 0, len(scenarios))
	for _, sc := range scenarios {
		dir := filepath.Join(baseDir, sc.ID)
		if err := mkdir(dir); err != nil {
			return nil, err
		}
		out, err := Run(ctx, sc, dir, log)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.ID, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func mkdir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

func await(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
