// Package detect implements tri-signal prompt recognition over a bounded
// window of child output. The three signals, in priority order:
//
//  1. pattern     — adapter-supplied regexes against the cleaned tail (high)
//  2. blocked_read — PTY reports the child blocked on stdin (medium)
//  3. silence     — no output for silence_ms after at least one byte (low)
//
// After any injection the detector goes quiet for the suppression window so
// the child's echo of the injected reply cannot re-trigger detection.
package detect

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

// Pattern pairs a prompt type with its pre-compiled recogniser.
type Pattern struct {
	Type  prompt.Type
	Regex *regexp.Regexp
}

// Result is what one analysis call produced. The caller attaches session
// identity and TTL when it turns a Result into a prompt event.
type Result struct {
	Type       prompt.Type
	Excerpt    string
	Options    []string
	Confidence prompt.Confidence
	Signal     prompt.Signal
}

// Config tunes one detector instance.
type Config struct {
	Silence    time.Duration // quiet period for the silence signal
	Suppress   time.Duration // post-injection mute window
	TailWindow int           // bytes of cleaned tail the pattern layer sees
	Screen     bool          // route pattern matching through a vt10x screen
	Cols, Rows int
}

func (c *Config) applyDefaults() {
	if c.Silence <= 0 {
		c.Silence = constants.SilenceTimeout
	}
	if c.Suppress <= 0 {
		c.Suppress = constants.PostInjectSuppress
	}
	if c.TailWindow <= 0 {
		c.TailWindow = 512
	}
}

// Detector owns the rolling output buffer for one session. The output
// reader is its only writer; analysis calls are serialised by the owner.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	patterns []Pattern
	buf      *ringBuffer
	screen   *ScreenTracker
	log      *logger.Logger

	lastOutputAt  time.Time
	suppressUntil time.Time
	turnBytes     int
	armed         bool
}

// New creates a detector with the adapter's ordered pattern list.
func New(patterns []Pattern, cfg Config, log *logger.Logger) *Detector {
	cfg.applyDefaults()
	d := &Detector{
		cfg:      cfg,
		patterns: patterns,
		buf:      newRingBuffer(constants.MaxBufferBytes),
		log:      log.WithFields(zap.String("component", "detector")),
	}
	if cfg.Screen {
		d.screen = NewScreenTracker(cfg.Cols, cfg.Rows)
	}
	return d
}

// Feed appends child output to the window and re-arms detection.
func (d *Detector) Feed(p []byte, now time.Time) {
	if len(p) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.write(p)
	if d.screen != nil {
		d.screen.Write(p)
	}
	d.lastOutputAt = now
	d.turnBytes += len(p)
	d.armed = true
}

// MarkInjection starts the suppression window and a new turn.
func (d *Detector) MarkInjection(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressUntil = now.Add(d.cfg.Suppress)
	d.turnBytes = 0
	d.armed = false
}

// Suppressed reports whether the post-injection mute window is active.
func (d *Detector) Suppressed(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Before(d.suppressUntil)
}

// Resize forwards terminal dimensions to the screen tracker, if any.
func (d *Detector) Resize(cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screen != nil {
		d.screen.Resize(cols, rows)
	}
}

// Analyze runs the pattern and blocked-read layers. At most one result per
// call; nil when nothing fired. blockedRead carries the PTY contract's
// "child is blocked on stdin" inference.
func (d *Detector) Analyze(now time.Time, blockedRead bool) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Before(d.suppressUntil) || !d.armed {
		return nil
	}

	text := d.cleanTail()
	if res := d.patternLayer(text); res != nil {
		d.armed = false
		return res
	}

	if blockedRead && !strings.HasSuffix(text, "\n") {
		if line := TrailingLine(text); line != "" {
			d.armed = false
			return &Result{
				Type:       prompt.TypeFreeText,
				Excerpt:    line,
				Confidence: prompt.ConfidenceMedium,
				Signal:     prompt.SignalBlockedRead,
			}
		}
	}
	return nil
}

// CheckSilence runs the lowest-priority signal: the stall watchdog calls it
// every silence_ms/4. It fires once per turn, after the quiet period, when
// the turn produced at least one byte.
func (d *Detector) CheckSilence(now time.Time) *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Before(d.suppressUntil) || !d.armed {
		return nil
	}
	if d.turnBytes == 0 || d.lastOutputAt.IsZero() {
		return nil
	}
	if now.Sub(d.lastOutputAt) < d.cfg.Silence {
		return nil
	}
	line := TrailingLine(d.cleanTail())
	if line == "" {
		return nil
	}
	d.armed = false
	return &Result{
		Type:       prompt.TypeFreeText,
		Excerpt:    line,
		Confidence: prompt.ConfidenceLow,
		Signal:     prompt.SignalSilence,
	}
}

// BufferLen reports how many bytes the window currently holds.
func (d *Detector) BufferLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.len()
}

// cleanTail returns the ANSI-stripped tail of the window. With a screen
// tracker the rendered screen replaces the byte tail. Caller holds d.mu.
func (d *Detector) cleanTail() string {
	if d.screen != nil {
		text := d.screen.Text()
		if len(text) > d.cfg.TailWindow {
			text = text[len(text)-d.cfg.TailWindow:]
		}
		return text
	}
	return StripANSI(d.buf.tail(d.cfg.TailWindow))
}

// patternLayer tries each adapter pattern in order, first match wins.
// A pass that exceeds the time budget is abandoned with a warning and the
// call falls through to the lower-confidence layers. Caller holds d.mu.
func (d *Detector) patternLayer(text string) *Result {
	// The budget is wall-clock: a pathological pattern set must not stall
	// the output reader, whatever logical clock the caller passed in.
	deadline := time.Now().Add(constants.PatternBudget)
	for _, pat := range d.patterns {
		if time.Now().After(deadline) {
			d.log.Warn("pattern layer exceeded time budget, skipping",
				zap.Duration("budget", constants.PatternBudget))
			return nil
		}
		loc := pat.Regex.FindStringIndex(text)
		if loc == nil {
			continue
		}
		excerpt := strings.TrimSpace(text[loc[0]:loc[1]])
		res := &Result{
			Type:       pat.Type,
			Excerpt:    excerpt,
			Confidence: prompt.ConfidenceHigh,
			Signal:     prompt.SignalPattern,
		}
		if pat.Type == prompt.TypeMultipleChoice {
			res.Options = extractOptions(text)
		}
		return res
	}
	return nil
}

var optionLine = regexp.MustCompile(`(?m)^\s*(?:[❯>]\s*)?(\d+)[.)]\s+(.+?)\s*$`)

// extractOptions pulls numbered menu entries out of the cleaned text so the
// channel can render them as buttons.
func extractOptions(text string) []string {
	matches := optionLine.FindAllStringSubmatch(text, -1)
	options := make([]string, 0, len(matches))
	for _, m := range matches {
		options = append(options, m[2])
	}
	return options
}
