// Package autopilot decides, per prompt, whether a policy rule answers it
// automatically or a human must. Every consultation is recorded in a
// hash-chained decision trace, and a filesystem kill switch overrides all
// modes.
package autopilot

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Mode selects how much the engine is allowed to do on its own.
type Mode string

const (
	// ModeOff never consults the policy; everything goes to the human.
	ModeOff Mode = "off"
	// ModeAssist applies policy decisions after an override window during
	// which a human reply wins. Denies apply immediately.
	ModeAssist Mode = "assist"
	// ModeFull applies policy decisions immediately.
	ModeFull Mode = "full"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeAssist, ModeFull:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid autopilot mode %q (off, assist, full)", s)
}

// RouteKind is what the router should do with the prompt.
type RouteKind string

const (
	// RouteHuman forwards the prompt to the channel and waits for a reply.
	RouteHuman RouteKind = "human"
	// RouteAutoReply injects the decision's reply value.
	RouteAutoReply RouteKind = "auto_reply"
	// RouteDeny injects a refusal immediately.
	RouteDeny RouteKind = "deny"
	// RouteNotify forwards the prompt for visibility but expects no reply
	// from the channel; the child keeps waiting for direct terminal input.
	RouteNotify RouteKind = "notify"
)

// Outcome is one consultation result.
type Outcome struct {
	Route      RouteKind
	ReplyValue string

	// HoldFor delays an auto reply so a human callback can override it.
	// Zero applies immediately.
	HoldFor time.Duration

	// NeedsConfirmation marks an assist-mode low-confidence auto reply:
	// the proposed value is sent to the channel and injected only after an
	// explicit human confirmation, never on window expiry.
	NeedsConfirmation bool

	Decision policy.Decision
	Reason   string
}

// Engine evaluates the active policy against detected prompts.
type Engine struct {
	mu       sync.RWMutex
	mode     Mode
	policy   *policy.Policy
	stateDir string
	trace    *Trace
	window   time.Duration
	log      *logger.Logger
}

// New builds an engine. trace may be nil (decisions are then untraced,
// used only in tests).
func New(mode Mode, p *policy.Policy, stateDir string, trace *Trace, overrideWindow time.Duration, log *logger.Logger) *Engine {
	if p == nil {
		p = policy.Default()
	}
	return &Engine{
		mode:     mode,
		policy:   p,
		stateDir: stateDir,
		trace:    trace,
		window:   overrideWindow,
		log:      log,
	}
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches the mode at runtime.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Info("autopilot mode changed",
		zap.String("from", string(e.mode)), zap.String("to", string(m)))
	e.mode = m
}

// SetPolicy swaps the active policy. Prompts already routed keep the
// policy version pinned on their row; only new prompts see the swap.
func (e *Engine) SetPolicy(p *policy.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Info("policy reloaded",
		zap.String("name", p.Name), zap.String("hash", p.ContentHash()))
	e.policy = p
}

// Policy returns the active policy.
func (e *Engine) Policy() *policy.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Paused reports whether the kill switch is engaged.
func (e *Engine) Paused() bool {
	return Paused(e.stateDir)
}

// Consult decides what to do with one prompt. It never blocks on I/O
// beyond the trace fsync.
func (e *Engine) Consult(event *prompt.Event, tool, sessionLabel string) Outcome {
	e.mu.RLock()
	mode := e.mode
	pol := e.policy
	window := e.window
	e.mu.RUnlock()

	if mode == ModeOff {
		return Outcome{Route: RouteHuman, Reason: "autopilot off"}
	}
	if Paused(e.stateDir) {
		out := Outcome{Route: RouteHuman, Reason: "autopilot paused"}
		e.record(event, mode, policy.Decision{}, out)
		return out
	}

	decision := policy.Evaluate(pol, policy.Input{
		Tool:         tool,
		SessionLabel: sessionLabel,
		Type:         event.Type,
		Confidence:   event.Confidence,
		Excerpt:      event.Excerpt,
	})

	out := e.apply(event, mode, window, decision)
	e.record(event, mode, decision, out)
	return out
}

func (e *Engine) apply(event *prompt.Event, mode Mode, window time.Duration, d policy.Decision) Outcome {
	switch d.Action {
	case policy.ActionAutoReply:
		if event.Confidence == prompt.ConfidenceLow && !d.AllowLow {
			return Outcome{Route: RouteHuman, Decision: d,
				Reason: "low confidence, rule does not allow it"}
		}
		out := Outcome{Route: RouteAutoReply, ReplyValue: d.ReplyValue, Decision: d}
		if mode == ModeAssist {
			out.HoldFor = window
			if event.Confidence == prompt.ConfidenceLow {
				// Low confidence in assist mode always waits for an
				// explicit confirmation, not just window expiry.
				out.NeedsConfirmation = true
				out.HoldFor = 0
			}
		}
		return out

	case policy.ActionDeny:
		// Denies apply immediately in both assist and full mode.
		value := "n"
		if event.Type != prompt.TypeYesNo {
			// Nothing safe to inject; the human gets it with the deny reason.
			return Outcome{Route: RouteHuman, Decision: d,
				Reason: "deny on non-yes/no prompt escalated: " + d.Reason}
		}
		return Outcome{Route: RouteDeny, ReplyValue: value, Decision: d, Reason: d.Reason}

	case policy.ActionNotifyOnly:
		return Outcome{Route: RouteNotify, Decision: d, Reason: d.Message}

	default: // require_human and fallbacks
		return Outcome{Route: RouteHuman, Decision: d, Reason: d.Reason}
	}
}

func (e *Engine) record(event *prompt.Event, mode Mode, d policy.Decision, out Outcome) {
	if e.trace == nil {
		return
	}
	err := e.trace.Append(TraceData{
		PromptID:   event.PromptID,
		SessionID:  event.SessionID,
		Mode:       string(mode),
		Excerpt:    event.Excerpt,
		RuleID:     d.MatchedRuleID,
		Action:     string(d.Action),
		Route:      string(out.Route),
		ReplyValue: out.ReplyValue,
		RiskLevel:  d.RiskLevel,
		PolicyHash: d.PolicyHash,
		Reason:     out.Reason,
	})
	if err != nil {
		e.log.Error("failed to record autopilot decision",
			zap.Error(err), zap.String("prompt_id", event.PromptID))
	}
}
