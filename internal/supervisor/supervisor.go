// Package supervisor runs one child program under a PTY: it relays the
// user's terminal, feeds output to the detector, forwards detected prompts
// to the router, and injects committed replies back into the child's stdin.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/state"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// ErrSpawn reports that the child process could not be started at all.
// The CLI maps it to the environment exit code.
var ErrSpawn = errors.New("failed to spawn child")

// Options configures one supervised run.
type Options struct {
	SessionID string // generated when empty
	Label     string
	Args      []string // extra argv passed to the adapter's command
	TTL       time.Duration

	Silence  time.Duration
	Suppress time.Duration

	Cols, Rows uint16

	// Stdin/Stdout default to the process's own terminal. Tests and the
	// prompt lab substitute pipes.
	Stdin  io.Reader
	Stdout io.Writer

	// RawMode puts the controlling terminal into raw mode for the duration
	// of the run. Only honoured when stdin is a real terminal.
	RawMode bool

	// StartPty overrides how the child is spawned. The prompt lab uses it
	// to substitute a scripted handle for a real child process.
	StartPty func(argv []string, cols, rows uint16) (PtyHandle, error)
}

func (o *Options) applyDefaults() {
	if o.SessionID == "" {
		o.SessionID = uuid.New().String()
	}
	if o.TTL <= 0 {
		o.TTL = constants.DefaultPromptTTL
	}
	if o.Cols == 0 {
		o.Cols = 120
	}
	if o.Rows == 0 {
		o.Rows = 40
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
}

// Supervisor owns one session end to end. It implements router.Injector:
// committed replies come back through Inject and are written to the PTY.
type Supervisor struct {
	opts     Options
	adapter  adapter.Adapter
	store    *store.Store
	rec      *audit.Recorder
	router   *router.Router
	detector *detect.Detector
	log      *logger.Logger

	// startPty is swapped for a fake in tests.
	startPty func(argv []string, cols, rows uint16) (PtyHandle, error)

	mu       sync.Mutex // guards pty writes: user relay vs injection
	pty      PtyHandle
	exitCode int
}

// New builds a supervisor for one run of the given tool.
func New(ad adapter.Adapter, st *store.Store, rec *audit.Recorder, rt *router.Router,
	opts Options, log *logger.Logger) *Supervisor {
	opts.applyDefaults()
	det := detect.New(ad.PromptPatterns(), detect.Config{
		Silence:    opts.Silence,
		Suppress:   opts.Suppress,
		TailWindow: ad.TailWindow(),
		Screen:     ad.UsesScreen(),
		Cols:       int(opts.Cols),
		Rows:       int(opts.Rows),
	}, log)
	start := opts.StartPty
	if start == nil {
		start = startPty
	}
	return &Supervisor{
		opts:     opts,
		adapter:  ad,
		store:    st,
		rec:      rec,
		router:   rt,
		detector: det,
		log:      log.WithSession(opts.SessionID),
		startPty: start,
	}
}

// SessionID returns the session identifier of this run.
func (s *Supervisor) SessionID() string { return s.opts.SessionID }

// ExitCode returns the child's exit code after Run has returned.
func (s *Supervisor) ExitCode() int { return s.exitCode }

// Run spawns the child and supervises it until it exits or ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.store.CreateSession(ctx, &store.Session{
		SessionID: s.opts.SessionID,
		Tool:      s.adapter.Name(),
		StartedAt: time.Now().UnixMilli(),
		Label:     s.opts.Label,
	}); err != nil {
		return err
	}
	s.rec.Submit(audit.KindSessionStarted, map[string]any{
		"session_id": s.opts.SessionID,
		"tool":       s.adapter.Name(),
		"label":      s.opts.Label,
	})

	argv := s.adapter.Command(s.opts.Args)
	handle, err := s.startPty(argv, s.opts.Cols, s.opts.Rows)
	if err != nil {
		s.endSession(-1, err.Error())
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	s.mu.Lock()
	s.pty = handle
	s.mu.Unlock()

	restore := s.enterRawMode()
	defer restore()

	g, gctx := errgroup.WithContext(ctx)
	s.watchResize(gctx)

	s.router.RegisterSession(s.opts.SessionID, s.adapter.Name(), s.opts.Label, s)
	defer s.router.UnregisterSession(s.opts.SessionID)

	// Child exit ends the run; closing the PTY unblocks the reader.
	waitDone := make(chan struct{})
	g.Go(func() error {
		defer close(waitDone)
		code, werr := handle.Wait()
		s.exitCode = code
		return werr
	})

	// Closing the handle is what unblocks the output reader on cancel.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-waitDone:
		}
		return handle.Close()
	})

	g.Go(func() error { return s.readOutput(gctx, handle) })

	g.Go(func() error { return s.watchStalls(gctx, waitDone) })
	g.Go(func() error { return s.relayInput(gctx, handle, waitDone) })

	runErr := g.Wait()
	s.endSession(s.exitCode, "")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (s *Supervisor) endSession(exitCode int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
	defer cancel()
	if err := s.store.EndSession(ctx, s.opts.SessionID, time.Now()); err != nil {
		s.log.Error("failed to mark session ended", zap.Error(err))
	}
	data := map[string]any{
		"session_id": s.opts.SessionID,
		"exit_code":  exitCode,
	}
	if reason != "" {
		data["reason"] = reason
	}
	s.rec.Submit(audit.KindSessionEnded, data)
}

// readOutput pumps child output to the user's terminal and the detector,
// running the pattern layer after every chunk.
func (s *Supervisor) readOutput(ctx context.Context, handle PtyHandle) error {
	buf := make([]byte, 4096)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := s.opts.Stdout.Write(chunk); werr != nil {
				s.log.Warn("terminal write failed", zap.Error(werr))
			}
			now := time.Now()
			s.detector.Feed(chunk, now)
			if res := s.detector.Analyze(now, false); res != nil {
				s.emit(ctx, res)
			}
		}
		if err != nil {
			// EOF or EIO when the child exits and the slave side closes.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// watchStalls is the stall watchdog. Every quarter of the silence threshold
// it re-runs analysis with the blocked-read hint and checks the silence
// signal, so a prompt with no recognisable pattern still surfaces.
func (s *Supervisor) watchStalls(ctx context.Context, done <-chan struct{}) error {
	silence := s.opts.Silence
	if silence <= 0 {
		silence = constants.SilenceTimeout
	}
	ticker := time.NewTicker(silence / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case <-ticker.C:
			now := time.Now()
			if res := s.detector.Analyze(now, true); res != nil {
				s.emit(ctx, res)
				continue
			}
			if res := s.detector.CheckSilence(now); res != nil {
				s.emit(ctx, res)
			}
		}
	}
}

// relayInput forwards the user's keystrokes to the child. Injection and
// relay serialise on the same mutex so reply bytes are never interleaved
// with typed input, and keystrokes arriving inside the post-injection
// suppression window are dropped so they cannot land between the injected
// reply and its echo.
func (s *Supervisor) relayInput(ctx context.Context, handle PtyHandle, done <-chan struct{}) error {
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		default:
		}
		n, err := s.opts.Stdin.Read(buf)
		if n > 0 && !s.detector.Suppressed(time.Now()) {
			s.mu.Lock()
			_, werr := handle.Write(buf[:n])
			s.mu.Unlock()
			if werr != nil {
				return nil
			}
		}
		if err != nil {
			// Stdin EOF: stop relaying but keep supervising.
			<-done
			return nil
		}
	}
}

// emit turns a detector result into a stored, routed prompt.
func (s *Supervisor) emit(ctx context.Context, res *detect.Result) {
	event := prompt.NewEvent(s.opts.SessionID, res.Type, res.Excerpt,
		res.Confidence, res.Signal, s.opts.TTL)
	event.Options = res.Options

	s.log.Info("prompt detected",
		zap.String("prompt_id", event.PromptID),
		zap.String("type", string(res.Type)),
		zap.String("signal", string(res.Signal)))

	if err := s.router.Forward(ctx, event); err != nil {
		s.log.Error("prompt routing failed",
			zap.String("prompt_id", event.PromptID), zap.Error(err))
	}
}

// Inject implements router.Injector: encode the committed value and write
// it to the child's stdin, then walk the prompt to RESOLVED.
func (s *Supervisor) Inject(ctx context.Context, row *store.Prompt, value string, source prompt.Source) error {
	payload, err := s.adapter.Encode(row.Type, value)
	if err != nil {
		return s.failInjection(ctx, row, fmt.Sprintf("encode reply: %v", err))
	}

	if err := s.writePty(payload); err != nil {
		return s.failInjection(ctx, row, fmt.Sprintf("pty write: %v", err))
	}
	s.detector.MarkInjection(time.Now())

	if _, err := s.store.Transition(ctx, row.PromptID, state.ReplyReceived, state.Injected); err != nil {
		return err
	}
	s.rec.PromptEvent(audit.KindInjected, row.PromptID, row.SessionID, map[string]any{
		"source": string(source),
		"bytes":  len(payload),
	})

	if _, err := s.store.Transition(ctx, row.PromptID, state.Injected, state.Resolved); err != nil {
		return err
	}
	s.rec.PromptEvent(audit.KindResolved, row.PromptID, row.SessionID, nil)
	s.log.Info("reply injected",
		zap.String("prompt_id", row.PromptID), zap.String("source", string(source)))
	return nil
}

// writePty writes reply bytes under the relay mutex, bounded by the
// injection timeout. A child that stopped draining its stdin must not hang
// the router.
func (s *Supervisor) writePty(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return fmt.Errorf("pty not started")
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.pty.Write(payload)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(constants.InjectTimeout):
		return fmt.Errorf("injection timed out after %s", constants.InjectTimeout)
	}
}

func (s *Supervisor) failInjection(ctx context.Context, row *store.Prompt, reason string) error {
	if _, err := s.store.Transition(ctx, row.PromptID, state.ReplyReceived, state.Failed); err != nil {
		s.log.Error("failed to mark prompt failed", zap.Error(err))
	}
	s.rec.PromptEvent(audit.KindFailed, row.PromptID, row.SessionID,
		map[string]any{"reason": reason})
	return fmt.Errorf("inject prompt %s: %s", row.PromptID, reason)
}

// Resize propagates new terminal dimensions to the child and the screen
// tracker.
func (s *Supervisor) Resize(cols, rows uint16) error {
	s.detector.Resize(int(cols), int(rows))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return nil
	}
	return s.pty.Resize(cols, rows)
}

// enterRawMode switches the controlling terminal to raw mode when asked and
// possible. The returned func restores the previous state and is safe to
// call on every exit path.
func (s *Supervisor) enterRawMode() func() {
	if !s.opts.RawMode {
		return func() {}
	}
	f, ok := s.opts.Stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}
	}
	prev, err := term.MakeRaw(int(f.Fd()))
	if err != nil {
		s.log.Warn("raw mode unavailable", zap.Error(err))
		return func() {}
	}
	return func() { _ = term.Restore(int(f.Fd()), prev) }
}
