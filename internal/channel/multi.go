package channel

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Fanout delivers every prompt to several channels at once and merges their
// reply streams. The first reply to arbitrate through the decision guard
// wins; later copies classify as AlreadyDecided and are dropped.
type Fanout struct {
	channels []Channel
	replies  chan Callback

	mergeOnce sync.Once
	closeOnce sync.Once
}

// NewFanout wraps one or more channels. A single channel passes through
// with no fanout overhead at delivery time.
func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{
		channels: channels,
		replies:  make(chan Callback, 64),
	}
}

func (f *Fanout) Name() string {
	names := make([]string, len(f.channels))
	for i, ch := range f.channels {
		names[i] = ch.Name()
	}
	return strings.Join(names, "+")
}

// Start starts every member and begins merging reply streams.
func (f *Fanout) Start(ctx context.Context) error {
	for _, ch := range f.channels {
		if err := ch.Start(ctx); err != nil {
			return err
		}
	}
	f.mergeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, ch := range f.channels {
			wg.Add(1)
			go func(in <-chan Callback) {
				defer wg.Done()
				for cb := range in {
					f.replies <- cb
				}
			}(ch.Replies())
		}
		go func() {
			wg.Wait()
			close(f.replies)
		}()
	})
	return nil
}

// Deliver sends to all members concurrently. Delivery succeeds when at
// least one member accepted; it fails only when every member failed, so a
// fast-failing member must not cancel deliveries still in flight.
func (f *Fanout) Deliver(ctx context.Context, event *prompt.Event, allowlist []string) (string, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		tokens []string
		errs   []error
	)
	for _, ch := range f.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			token, err := ch.Deliver(ctx, event, allowlist)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			tokens = append(tokens, token)
		}(ch)
	}
	wg.Wait()
	if len(tokens) > 0 {
		return strings.Join(tokens, ","), nil
	}
	return "", errors.Join(errs...)
}

func (f *Fanout) Notify(ctx context.Context, sessionID, text string) error {
	var lastErr error
	for _, ch := range f.channels {
		if err := ch.Notify(ctx, sessionID, text); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (f *Fanout) Replies() <-chan Callback { return f.replies }

func (f *Fanout) Close() error {
	var lastErr error
	f.closeOnce.Do(func() {
		for _, ch := range f.channels {
			if err := ch.Close(); err != nil {
				lastErr = err
			}
		}
	})
	return lastErr
}
