package audit

import (
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// Recorder owns the chain writer on a single goroutine; other tasks submit
// events over a bounded in-memory queue so audit I/O never blocks the
// supervisor's hot paths.
type Recorder struct {
	writer *Writer
	queue  chan submission
	done   chan struct{}
	log    *logger.Logger
}

type submission struct {
	kind string
	data any
}

// NewRecorder starts the recorder goroutine over an open writer.
func NewRecorder(writer *Writer, log *logger.Logger) *Recorder {
	r := &Recorder{
		writer: writer,
		queue:  make(chan submission, 256),
		done:   make(chan struct{}),
		log:    log.WithFields(zap.String("component", "audit")),
	}
	go r.run()
	return r
}

// Submit enqueues one event. When the queue is full the caller blocks
// briefly rather than dropping the event; the audit log is the correctness
// record and must not be lossy.
func (r *Recorder) Submit(kind string, data any) {
	select {
	case r.queue <- submission{kind: kind, data: data}:
	case <-time.After(5 * time.Second):
		r.log.Error("audit queue stalled, event dropped", zap.String("kind", kind))
	}
}

// PromptEvent submits a prompt lifecycle event keyed by prompt and session.
func (r *Recorder) PromptEvent(kind, promptID, sessionID string, extra map[string]any) {
	data := map[string]any{
		"prompt_id":  promptID,
		"session_id": sessionID,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.Submit(kind, data)
}

// Close drains the queue and closes the underlying writer.
func (r *Recorder) Close() error {
	close(r.queue)
	<-r.done
	return r.writer.Close()
}

func (r *Recorder) run() {
	defer close(r.done)
	for sub := range r.queue {
		if _, err := r.writer.Append(sub.kind, sub.data); err != nil {
			r.log.Error("audit append failed", zap.String("kind", sub.kind), zap.Error(err))
		}
	}
}
