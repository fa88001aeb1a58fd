// Package router owns prompt routing: the forward path from detection to
// channel delivery, the return path from channel callback to injection, and
// replay of pending prompts after a restart. All idempotency questions are
// settled by the store's decision guard; the router only classifies and
// dispatches.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/state"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// Injector receives committed replies for one session. The supervisor
// implements it: encoding the value, writing the PTY, and advancing the
// prompt through INJECTED to RESOLVED are its job.
type Injector interface {
	Inject(ctx context.Context, row *store.Prompt, value string, source prompt.Source) error
}

type sessionEntry struct {
	tool     string
	label    string
	injector Injector
}

// Router wires the store, the autopilot engine, and the channel together.
type Router struct {
	store    *store.Store
	rec      *audit.Recorder
	ch       channel.Channel
	engine   *autopilot.Engine
	allow    []string
	deadline time.Duration
	log      *logger.Logger
	bus      bus.Bus // optional live fan-out, nil outside the daemon

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	holds sync.WaitGroup
}

// New builds a router. allowlist is the merged set of identities permitted
// to answer prompts; deliverTimeout bounds one channel delivery.
func New(st *store.Store, rec *audit.Recorder, ch channel.Channel, engine *autopilot.Engine,
	allowlist []string, deliverTimeout time.Duration, log *logger.Logger) *Router {
	return &Router{
		store:    st,
		rec:      rec,
		ch:       ch,
		engine:   engine,
		allow:    allowlist,
		deadline: deliverTimeout,
		log:      log.WithFields(zap.String("component", "router")),
		sessions: make(map[string]*sessionEntry),
	}
}

// SetBus attaches a live event fan-out. Publishing is advisory; the audit
// log remains the correctness record.
func (r *Router) SetBus(b bus.Bus) { r.bus = b }

func (r *Router) publish(ctx context.Context, subject, eventType, sessionID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, subject, bus.NewEvent(eventType, sessionID, data))
}

// RegisterSession makes a session eligible for injection dispatch.
func (r *Router) RegisterSession(sessionID, tool, label string, inj Injector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &sessionEntry{tool: tool, label: label, injector: inj}
}

// UnregisterSession removes a session. Replies for its prompts are dropped
// from then on; the sweeper expires whatever is still waiting.
func (r *Router) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Router) session(sessionID string) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Forward takes a freshly detected prompt through persistence, the autopilot
// consultation, and channel delivery. The prompt must not exist yet; a
// duplicate nonce is treated as an echo and dropped silently.
func (r *Router) Forward(ctx context.Context, event *prompt.Event) error {
	sess, ok := r.session(event.SessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", event.SessionID)
	}

	policyHash := ""
	if r.engine != nil && r.engine.Mode() != autopilot.ModeOff {
		policyHash = r.engine.Policy().ContentHash()
	}

	if err := r.store.InsertPrompt(ctx, event, policyHash); err != nil {
		if errors.Is(err, store.ErrDuplicateNonce) {
			r.log.Debug("duplicate prompt dropped", zap.String("prompt_id", event.PromptID))
			return nil
		}
		return err
	}
	r.rec.PromptEvent(audit.KindPromptCreated, event.PromptID, event.SessionID, map[string]any{
		"type": string(event.Type), "signal": string(event.Signal),
		"confidence": string(event.Confidence), "excerpt": event.Excerpt,
	})

	if _, err := r.store.Transition(ctx, event.PromptID, state.Created, state.Routed); err != nil {
		return err
	}
	r.rec.PromptEvent(audit.KindRouted, event.PromptID, event.SessionID, nil)
	r.publish(ctx, bus.SubjectPromptDetected, "prompt.detected", event.SessionID, map[string]any{
		"prompt_id": event.PromptID, "type": string(event.Type), "signal": string(event.Signal),
	})

	out := autopilot.Outcome{Route: autopilot.RouteHuman}
	if r.engine != nil {
		out = r.engine.Consult(event, sess.tool, sess.label)
	}
	if r.engine != nil && out.Route != autopilot.RouteHuman {
		r.rec.PromptEvent(audit.KindAutopilot, event.PromptID, event.SessionID, map[string]any{
			"route": string(out.Route), "rule_id": out.Decision.MatchedRuleID,
			"policy_hash": out.Decision.PolicyHash,
		})
		r.publish(ctx, bus.SubjectAutopilot, "autopilot.decision", event.SessionID, map[string]any{
			"prompt_id": event.PromptID, "route": string(out.Route),
			"rule_id": out.Decision.MatchedRuleID,
		})
	}

	switch out.Route {
	case autopilot.RouteDeny:
		return r.commitAuto(ctx, event, out.ReplyValue, out.Reason)

	case autopilot.RouteAutoReply:
		if out.NeedsConfirmation {
			// Proposal only: the human must confirm through the channel.
			return r.deliverProposal(ctx, event, out.ReplyValue)
		}
		if out.HoldFor > 0 {
			return r.holdThenCommit(ctx, event, out)
		}
		return r.commitAuto(ctx, event, out.ReplyValue, "")

	case autopilot.RouteNotify:
		if err := r.deliver(ctx, event); err != nil {
			return err
		}
		note := out.Reason
		if note == "" {
			note = "prompt forwarded for visibility only"
		}
		_ = r.ch.Notify(ctx, event.SessionID, note)
		return nil

	default:
		return r.deliver(ctx, event)
	}
}

// deliver pushes the prompt to the channel and advances it to AWAITING_REPLY.
// Permanent delivery failure moves it to FAILED.
func (r *Router) deliver(ctx context.Context, event *prompt.Event) error {
	dctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	token, err := r.ch.Deliver(dctx, event, r.allow)
	if err != nil {
		r.rec.PromptEvent(audit.KindDeliveryFailed, event.PromptID, event.SessionID,
			map[string]any{"error": err.Error()})
		if _, terr := r.store.Transition(ctx, event.PromptID, state.Routed, state.Failed); terr != nil {
			return terr
		}
		r.rec.PromptEvent(audit.KindFailed, event.PromptID, event.SessionID,
			map[string]any{"reason": "delivery failed"})
		return fmt.Errorf("deliver prompt %s: %w", event.PromptID, err)
	}

	if _, err := r.store.Transition(ctx, event.PromptID, state.Routed, state.AwaitingReply); err != nil {
		return err
	}
	r.rec.PromptEvent(audit.KindAwaitingReply, event.PromptID, event.SessionID,
		map[string]any{"delivery_token": token})
	return nil
}

// deliverProposal forwards an assist-mode low-confidence auto reply as a
// proposal. No timer: only an explicit callback decides.
func (r *Router) deliverProposal(ctx context.Context, event *prompt.Event, proposed string) error {
	if err := r.deliver(ctx, event); err != nil {
		return err
	}
	_ = r.ch.Notify(ctx, event.SessionID,
		fmt.Sprintf("autopilot proposes %q for prompt %s; reply to confirm or override", proposed, event.PromptID))
	return nil
}

// holdThenCommit delivers the prompt so the human can see and override it,
// then commits the autopilot reply once the override window lapses. A human
// reply arriving first wins the decision guard; the timer's commit then
// classifies AlreadyDecided and does nothing.
func (r *Router) holdThenCommit(ctx context.Context, event *prompt.Event, out autopilot.Outcome) error {
	if err := r.deliver(ctx, event); err != nil {
		return err
	}
	_ = r.ch.Notify(ctx, event.SessionID,
		fmt.Sprintf("autopilot will reply %q to prompt %s in %s unless you answer first",
			out.ReplyValue, event.PromptID, out.HoldFor))

	r.holds.Add(1)
	go func() {
		defer r.holds.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(out.HoldFor):
		}
		if r.engine.Paused() {
			return
		}
		if err := r.commitDecision(ctx, event.PromptID, event.SessionID,
			out.ReplyValue, prompt.SourceAutopilot); err != nil {
			r.log.Error("held autopilot reply failed",
				zap.String("prompt_id", event.PromptID), zap.Error(err))
		}
	}()
	return nil
}

// commitAuto commits an immediate autopilot decision and notifies the channel.
func (r *Router) commitAuto(ctx context.Context, event *prompt.Event, value, reason string) error {
	if err := r.commitDecision(ctx, event.PromptID, event.SessionID, value, prompt.SourceAutopilot); err != nil {
		return err
	}
	note := fmt.Sprintf("autopilot replied %q to prompt %s", value, event.PromptID)
	if reason != "" {
		note += ": " + reason
	}
	_ = r.ch.Notify(ctx, event.SessionID, note)
	return nil
}

// commitDecision runs the decision guard and, on Accepted, dispatches the
// reply to the session's injector.
func (r *Router) commitDecision(ctx context.Context, promptID, sessionID, value string, source prompt.Source) error {
	result, err := r.store.DecidePrompt(ctx, promptID, sessionID, value, source, time.Now())
	if err != nil {
		return err
	}
	switch result {
	case store.Accepted:
		r.rec.PromptEvent(audit.KindReplyReceived, promptID, sessionID,
			map[string]any{"source": string(source)})
		r.publish(ctx, bus.SubjectPromptDecided, "prompt.decided", sessionID,
			map[string]any{"prompt_id": promptID, "source": string(source)})
		return r.dispatch(ctx, promptID, value, source)
	case store.AlreadyDecided:
		return nil
	case store.Expired:
		r.rec.PromptEvent(audit.KindReplyRejected, promptID, sessionID,
			map[string]any{"reason": "expired", "source": string(source)})
		return nil
	default:
		r.rec.PromptEvent(audit.KindReplyRejected, promptID, sessionID,
			map[string]any{"reason": string(result), "source": string(source)})
		return nil
	}
}

// dispatch hands a committed reply to the owning session's injector.
func (r *Router) dispatch(ctx context.Context, promptID, value string, source prompt.Source) error {
	row, err := r.store.GetPrompt(ctx, promptID)
	if err != nil {
		return err
	}
	sess, ok := r.session(row.SessionID)
	if !ok {
		// Session gone between commit and dispatch.
		if _, terr := r.store.Transition(ctx, promptID, state.ReplyReceived, state.Failed); terr != nil {
			return terr
		}
		r.rec.PromptEvent(audit.KindFailed, promptID, row.SessionID,
			map[string]any{"reason": "session ended before injection"})
		return fmt.Errorf("session %s not registered", row.SessionID)
	}
	if err := sess.injector.Inject(ctx, row, value, source); err != nil {
		return err
	}
	r.publish(ctx, bus.SubjectPromptResolved, "prompt.resolved", row.SessionID,
		map[string]any{"prompt_id": promptID, "source": string(source)})
	return nil
}

// Run consumes channel callbacks until ctx is canceled or the reply stream
// closes. It is the return path: verification here, arbitration in the store.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.holds.Wait()
			return ctx.Err()
		case cb, ok := <-r.ch.Replies():
			if !ok {
				r.holds.Wait()
				return nil
			}
			r.handleCallback(ctx, cb)
		}
	}
}

func (r *Router) handleCallback(ctx context.Context, cb channel.Callback) {
	log := r.log.WithPrompt(cb.PromptID)

	row, err := r.store.GetPrompt(ctx, cb.PromptID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("callback for unknown prompt dropped")
		return
	}
	if err != nil {
		log.Error("callback lookup failed", zap.Error(err))
		return
	}

	if cb.Nonce != row.Nonce {
		r.rec.PromptEvent(audit.KindReplyRejected, cb.PromptID, row.SessionID,
			map[string]any{"reason": "nonce mismatch", "identity": cb.Identity})
		log.Warn("callback nonce mismatch dropped", zap.String("identity", cb.Identity))
		return
	}
	if !channel.Allowed(cb.Identity, r.allow) {
		r.rec.PromptEvent(audit.KindReplyRejected, cb.PromptID, row.SessionID,
			map[string]any{"reason": "identity not allowed", "identity": cb.Identity})
		log.Warn("callback from unauthorised identity dropped", zap.String("identity", cb.Identity))
		return
	}

	result, err := r.store.DecidePrompt(ctx, cb.PromptID, row.SessionID, cb.Value, prompt.SourceHuman, time.Now())
	if err != nil {
		log.Error("decision guard failed", zap.Error(err))
		return
	}
	switch result {
	case store.Accepted:
		r.rec.PromptEvent(audit.KindReplyReceived, cb.PromptID, row.SessionID,
			map[string]any{"source": "human", "identity": cb.Identity})
		r.publish(ctx, bus.SubjectPromptDecided, "prompt.decided", row.SessionID,
			map[string]any{"prompt_id": cb.PromptID, "source": "human"})
		if err := r.dispatch(ctx, cb.PromptID, cb.Value, prompt.SourceHuman); err != nil {
			log.Error("injection dispatch failed", zap.Error(err))
		}
	case store.AlreadyDecided:
		log.Debug("late duplicate reply dropped")
	case store.Expired:
		r.rec.PromptEvent(audit.KindReplyRejected, cb.PromptID, row.SessionID,
			map[string]any{"reason": "expired", "identity": cb.Identity})
		_ = r.ch.Notify(ctx, row.SessionID,
			fmt.Sprintf("prompt %s expired before your reply arrived", cb.PromptID))
	default:
		r.rec.PromptEvent(audit.KindReplyRejected, cb.PromptID, row.SessionID,
			map[string]any{"reason": string(result), "identity": cb.Identity})
	}
}

// Recover replays prompts left pending by a previous run. CREATED rows are
// re-routed, ROUTED rows re-delivered, REPLY_RECEIVED rows re-dispatched so
// a committed decision is never lost to a crash, and INJECTED rows are
// walked to RESOLVED since their bytes were written before the crash.
func (r *Router) Recover(ctx context.Context) error {
	pending, err := r.store.LoadPending(ctx, time.Now())
	if err != nil {
		return err
	}
	for i := range pending {
		row := pending[i]
		if row.State == state.Injected {
			// The reply bytes reached the child before INJECTED was
			// recorded; only the final transition was lost. No injector
			// is needed, so this runs even for sessions that are gone.
			if _, err := r.store.Transition(ctx, row.PromptID, state.Injected, state.Resolved); err != nil {
				return err
			}
			r.rec.PromptEvent(audit.KindResolved, row.PromptID, row.SessionID,
				map[string]any{"recovered": true})
			r.publish(ctx, bus.SubjectPromptResolved, "prompt.resolved", row.SessionID,
				map[string]any{"prompt_id": row.PromptID})
			continue
		}
		if _, ok := r.session(row.SessionID); !ok {
			continue
		}
		switch row.State {
		case state.Created:
			if _, err := r.store.Transition(ctx, row.PromptID, state.Created, state.Routed); err != nil {
				return err
			}
			r.rec.PromptEvent(audit.KindRouted, row.PromptID, row.SessionID,
				map[string]any{"recovered": true})
			if err := r.deliver(ctx, row.Event()); err != nil {
				r.log.Error("recovery delivery failed",
					zap.String("prompt_id", row.PromptID), zap.Error(err))
			}
		case state.Routed:
			if err := r.deliver(ctx, row.Event()); err != nil {
				r.log.Error("recovery delivery failed",
					zap.String("prompt_id", row.PromptID), zap.Error(err))
			}
		case state.AwaitingReply:
			// Already delivered; the channel reconstructs or re-sends.
		case state.ReplyReceived:
			if !row.Decision.Valid {
				continue
			}
			source := prompt.SourceHuman
			if row.ReplySource.Valid {
				source = prompt.Source(row.ReplySource.String)
			}
			if err := r.dispatch(ctx, row.PromptID, row.Decision.String, source); err != nil {
				r.log.Error("recovery dispatch failed",
					zap.String("prompt_id", row.PromptID), zap.Error(err))
			}
		}
	}
	return nil
}
