// Package daemon wires the whole relay together: state directory, store,
// audit chain, decision trace, channels, autopilot engine, router, TTL
// sweeper, and the local control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/session"
	"github.com/atlasbridge/atlasbridge/internal/store"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
)

// Daemon is the long-running half of the relay.
type Daemon struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *store.Store
	rec       *audit.Recorder
	trace     *autopilot.Trace
	bus       bus.Bus
	channel   channel.Channel
	engine    *autopilot.Engine
	router    *router.Router
	sessions  *session.Manager
	startedAt time.Time

	stop context.CancelFunc
}

// New builds a fully wired daemon. The state directory is created (0700)
// and the pidfile claimed; a second daemon on the same state dir fails
// with ErrAlreadyRunning.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	// Migration checks whether the state dir exists, so it must run first.
	if err := config.MigrateLegacyDir(cfg.StateDir); err != nil {
		log.Warn("legacy state migration failed", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := WritePidfile(cfg.StateDir); err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(cfg.StateDir, constants.DBFilename))
	if err != nil {
		return nil, err
	}

	w, err := audit.Open(filepath.Join(cfg.StateDir, constants.AuditFilename))
	if err != nil {
		st.Close()
		return nil, err
	}
	rec := audit.NewRecorder(w, log)

	trace, err := autopilot.OpenTrace(filepath.Join(cfg.StateDir, constants.TraceFilename))
	if err != nil {
		rec.Close()
		st.Close()
		return nil, err
	}

	policyPath := cfg.Autopilot.PolicyPath
	if policyPath == "" {
		policyPath = filepath.Join(cfg.StateDir, constants.PolicyFilename)
	}
	pol, err := policy.LoadOrDefault(policyPath)
	if err != nil {
		return nil, err
	}
	mode, err := autopilot.ParseMode(cfg.Autopilot.Mode)
	if err != nil {
		return nil, err
	}
	engine := autopilot.New(mode, pol, cfg.StateDir, trace, cfg.Autopilot.OverrideWindow(), log)

	ch, allowlist, err := buildChannels(cfg, log)
	if err != nil {
		return nil, err
	}

	b, err := bus.New(cfg.Bus, log)
	if err != nil {
		return nil, err
	}

	rt := router.New(st, rec, ch, engine, allowlist, constants.ChannelDeliverTimeout, log)
	rt.SetBus(b)

	return &Daemon{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "daemon")),
		store:     st,
		rec:       rec,
		trace:     trace,
		bus:       b,
		channel:   ch,
		engine:    engine,
		router:    rt,
		sessions:  session.NewManager(),
		startedAt: time.Now(),
	}, nil
}

// buildChannels instantiates every configured channel and wraps them in a
// fanout. With nothing configured the in-process memory channel is used so
// dry runs still exercise the full pipeline.
func buildChannels(cfg *config.Config, log *logger.Logger) (channel.Channel, []string, error) {
	var (
		members   []channel.Channel
		allowlist []string
	)
	for name, chCfg := range cfg.Channels {
		ch, err := channel.New(name, chCfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("channel %q: %w", name, err)
		}
		members = append(members, ch)
		allowlist = append(allowlist, chCfg.Allowlist...)
	}
	if len(members) == 0 {
		members = append(members, channel.NewMemory("local"))
	}
	return channel.NewFanout(members...), allowlist, nil
}

// Run serves until ctx is canceled or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	defer cancel()

	if err := d.channel.Start(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	if err := d.router.Recover(ctx); err != nil {
		d.log.Warn("prompt recovery failed", zap.Error(err))
	}

	sw := newSweeper(d.store, d.rec, d.channel, d.bus,
		time.Duration(d.cfg.Prompt.ReminderSeconds)*time.Second, d.log)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port),
		Handler: d.apiHandler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.router.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := sw.run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		d.sessions.StopAll()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), constants.ShutdownGrace)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	d.log.Info("daemon started",
		zap.String("addr", srv.Addr), zap.String("state_dir", d.cfg.StateDir))
	err := g.Wait()
	d.teardown()
	return err
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	if d.stop != nil {
		d.stop()
	}
}

func (d *Daemon) teardown() {
	_ = d.channel.Close()
	d.bus.Close()
	if err := d.rec.Close(); err != nil {
		d.log.Error("audit close failed", zap.Error(err))
	}
	if err := d.trace.Close(); err != nil {
		d.log.Error("trace close failed", zap.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.log.Error("store close failed", zap.Error(err))
	}
	if err := RemovePidfile(d.cfg.StateDir); err != nil {
		d.log.Error("pidfile removal failed", zap.Error(err))
	}
	d.log.Info("daemon stopped")
}

// RunSession supervises one child in the foreground until it exits.
// Returns the child's exit code.
func (d *Daemon) RunSession(ctx context.Context, tool, label string, args []string, rawMode bool) (int, error) {
	ad, err := adapter.New(tool)
	if err != nil {
		// Unknown tools fall back to the generic pattern library, with the
		// tool name as the command.
		ad = adapter.NewGeneric(tool)
	}

	sup := supervisor.New(ad, d.store, d.rec, d.router, supervisor.Options{
		Label:    label,
		Args:     args,
		TTL:      d.cfg.Prompt.TTL(),
		Silence:  d.cfg.Detector.SilenceTimeout(),
		Suppress: d.cfg.Detector.SuppressWindow(),
		RawMode:  rawMode,
	}, d.log)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.sessions.Add(session.Info{
		SessionID: sup.SessionID(),
		Tool:      ad.Name(),
		Label:     label,
		StartedAt: time.Now(),
	}, cancel)
	defer d.sessions.Remove(sup.SessionID())

	_ = d.bus.Publish(ctx, bus.SubjectSessionStarted,
		bus.NewEvent("session.started", sup.SessionID(), map[string]any{"tool": ad.Name()}))
	defer func() {
		_ = d.bus.Publish(context.Background(), bus.SubjectSessionEnded,
			bus.NewEvent("session.ended", sup.SessionID(),
				map[string]any{"exit_code": sup.ExitCode()}))
	}()

	if err := sup.Run(sctx); err != nil {
		return -1, err
	}
	return sup.ExitCode(), nil
}
