package autopilot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/audit"
)

// traceKind is the chain kind for every decision trace entry. The trace is
// its own hash chain, separate from the main audit log, stored as JSONL so
// it stays greppable.
const traceKind = "AUTOPILOT_DECISION"

// ErrTraceCorrupt reports a trace file whose hash linkage does not verify.
var ErrTraceCorrupt = errors.New("decision trace corrupt")

// TraceEntry is one recorded autopilot decision.
type TraceEntry struct {
	Seq       uint64          `json:"seq"`
	TS        int64           `json:"ts"` // unix milliseconds
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
	Data      json.RawMessage `json:"data"`
}

// TraceData is the payload of one entry.
type TraceData struct {
	PromptID   string `json:"prompt_id"`
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	Excerpt    string `json:"excerpt"`
	RuleID     string `json:"rule_id,omitempty"`
	Action     string `json:"action"`
	Route      string `json:"route"`
	ReplyValue string `json:"reply_value,omitempty"`
	RiskLevel  string `json:"risk_level,omitempty"`
	PolicyHash string `json:"policy_hash,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Trace appends hash-chained decision records to a JSONL file.
type Trace struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	prevHash string
	seq      uint64
}

// OpenTrace opens (or creates) the trace at path, scanning an existing file
// to continue its chain.
func OpenTrace(path string) (*Trace, error) {
	entries, err := ReadTrace(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open decision trace: %w", err)
	}

	t := &Trace{f: f, path: path, prevHash: audit.ZeroHash()}
	if n := len(entries); n > 0 {
		t.prevHash = entries[n-1].EntryHash
		t.seq = entries[n-1].Seq
	}
	return t, nil
}

// Append records one decision and fsyncs it.
func (t *Trace) Append(data TraceData) error {
	canonical, err := audit.CanonicalJSON(data)
	if err != nil {
		return fmt.Errorf("encode trace payload: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := TraceEntry{
		Seq:      t.seq + 1,
		TS:       time.Now().UTC().UnixMilli(),
		PrevHash: t.prevHash,
		Data:     canonical,
	}
	entry.EntryHash = audit.HashEntry(entry.PrevHash, entry.Seq, entry.TS, traceKind, entry.Data)

	line, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode trace entry: %w", err)
	}
	if _, err := t.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace entry: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("fsync decision trace: %w", err)
	}

	t.prevHash = entry.EntryHash
	t.seq = entry.Seq
	return nil
}

// Close closes the underlying file.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

// ReadTrace decodes and verifies every entry. Chain linkage is checked as
// it reads; the first broken link fails the whole read.
func ReadTrace(path string) ([]TraceEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []TraceEntry
	prev := audit.ZeroHash()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var entry TraceEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return entries, fmt.Errorf("%w: undecodable line %d", ErrTraceCorrupt, len(entries)+1)
		}
		if entry.PrevHash != prev {
			return entries, fmt.Errorf("%w: prev_hash mismatch at seq %d", ErrTraceCorrupt, entry.Seq)
		}
		want := audit.HashEntry(entry.PrevHash, entry.Seq, entry.TS, traceKind, entry.Data)
		if entry.EntryHash != want {
			return entries, fmt.Errorf("%w: entry_hash mismatch at seq %d", ErrTraceCorrupt, entry.Seq)
		}
		prev = entry.EntryHash
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return entries, fmt.Errorf("%w: %v", ErrTraceCorrupt, err)
	}
	return entries, nil
}

// VerifyTrace reports whether the chain at path holds. A missing file is fine.
func VerifyTrace(path string) error {
	_, err := ReadTrace(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// TailTrace returns the last n entries, oldest first.
func TailTrace(path string, n int) ([]TraceEntry, error) {
	entries, err := ReadTrace(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
