package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
	"github.com/atlasbridge/atlasbridge/internal/state"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// sweeper enforces prompt TTLs and sends reminder notices for prompts that
// have been waiting longer than the configured reminder interval.
type sweeper struct {
	store    *store.Store
	rec      *audit.Recorder
	ch       channel.Channel
	bus      bus.Bus
	reminder time.Duration // 0 disables reminders
	log      *logger.Logger

	mu       sync.Mutex
	reminded map[string]bool
}

func newSweeper(st *store.Store, rec *audit.Recorder, ch channel.Channel,
	b bus.Bus, reminder time.Duration, log *logger.Logger) *sweeper {
	return &sweeper{
		store:    st,
		rec:      rec,
		ch:       ch,
		bus:      b,
		reminder: reminder,
		log:      log.WithFields(zap.String("component", "sweeper")),
		reminded: make(map[string]bool),
	}
}

// run loops until ctx is canceled.
func (s *sweeper) run(ctx context.Context) error {
	ticker := time.NewTicker(constants.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	now := time.Now()

	swept, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.log.Error("ttl sweep failed", zap.Error(err))
		return
	}
	for i := range swept {
		p := swept[i]
		s.rec.PromptEvent(audit.KindExpired, p.PromptID, p.SessionID, nil)
		_ = s.ch.Notify(ctx, p.SessionID,
			fmt.Sprintf("prompt %s expired after %ds without a reply", p.PromptID, p.TTLSeconds))
		_ = s.bus.Publish(ctx, bus.SubjectPromptExpired,
			bus.NewEvent("prompt.expired", p.SessionID, map[string]any{"prompt_id": p.PromptID}))
		s.forget(p.PromptID)
	}

	if s.reminder > 0 {
		s.remind(ctx, now)
	}
}

// remind sends one nudge per prompt that has waited past the reminder
// interval but is not yet near expiry.
func (s *sweeper) remind(ctx context.Context, now time.Time) {
	pending, err := s.store.LoadPending(ctx, now)
	if err != nil {
		s.log.Error("reminder scan failed", zap.Error(err))
		return
	}
	for i := range pending {
		p := pending[i]
		if p.State != state.AwaitingReply {
			continue
		}
		age := now.Sub(time.UnixMilli(p.CreatedAt))
		if age < s.reminder {
			continue
		}
		s.mu.Lock()
		done := s.reminded[p.PromptID]
		if !done {
			s.reminded[p.PromptID] = true
		}
		s.mu.Unlock()
		if done {
			continue
		}
		remaining := time.UnixMilli(p.ExpiresAt()).Sub(now).Round(time.Second)
		_ = s.ch.Notify(ctx, p.SessionID,
			fmt.Sprintf("reminder: prompt %s is still waiting (%s until expiry)", p.PromptID, remaining))
	}
}

func (s *sweeper) forget(promptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reminded, promptID)
}
