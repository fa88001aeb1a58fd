// Package audit implements the hash-chained append-only event log.
//
// Every record is framed on disk as
//
//	uvarint len ‖ payload_json ‖ 32-byte entry_hash
//
// where payload_json carries {seq, ts, kind, prev_hash, data} and
// entry_hash = SHA-256(prev_hash ‖ seq ‖ ts ‖ kind ‖ canonical(data)).
// The writer fsyncs before advancing its in-memory prev_hash, so after a
// crash the chain re-opens at the last durable record.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Event kinds written by the core. The set is open: callers may append
// their own kinds, the chain does not interpret them.
const (
	KindChainRoot      = "CHAIN_ROOT"
	KindSessionStarted = "SESSION_STARTED"
	KindSessionEnded   = "SESSION_ENDED"
	KindPromptCreated  = "PROMPT_CREATED"
	KindRouted         = "ROUTED"
	KindAwaitingReply  = "AWAITING_REPLY"
	KindReplyReceived  = "REPLY_RECEIVED"
	KindInjected       = "INJECTED"
	KindResolved       = "RESOLVED"
	KindExpired        = "EXPIRED"
	KindCanceled       = "CANCELED"
	KindFailed         = "FAILED"
	KindReplyRejected  = "REPLY_REJECTED"
	KindDeliveryFailed = "DELIVERY_FAILED"
	KindAutopilot      = "AUTOPILOT_DECISION"
)

// zeroHash is the prev_hash of a chain root.
var zeroHash = hex.EncodeToString(make([]byte, sha256.Size))

// ErrCorrupt reports a record whose framing or hash linkage does not verify.
// A corrupt log at startup is fatal; operators recover with Reset.
var ErrCorrupt = errors.New("audit log corrupt")

// Record is one decoded chain entry.
type Record struct {
	Seq      uint64          `json:"seq"`
	TS       int64           `json:"ts"` // unix milliseconds
	Kind     string          `json:"kind"`
	PrevHash string          `json:"prev_hash"`
	Data     json.RawMessage `json:"data"`

	// EntryHash is the stored 32-byte hash, hex-encoded. Not part of the
	// JSON payload; it trails the payload on disk.
	EntryHash string `json:"-"`
}

// Time returns the record timestamp.
func (r *Record) Time() time.Time {
	return time.UnixMilli(r.TS).UTC()
}

// Writer appends hash-chained records to a single log file.
// It is safe for concurrent use; writes serialise on an internal mutex.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	prevHash string
	seq      uint64
}

// Open opens (or creates) the chain at path. An existing log is scanned to
// the last record so the chain continues where it left off; a log that does
// not verify returns ErrCorrupt.
func Open(path string) (*Writer, error) {
	records, err := ReadAll(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	w := &Writer{f: f, path: path, prevHash: zeroHash}
	if n := len(records); n > 0 {
		last := records[n-1]
		w.prevHash = last.EntryHash
		w.seq = last.Seq
	}
	return w, nil
}

// Append writes one record and fsyncs it. It returns the new entry hash.
func (w *Writer) Append(kind string, data any) (string, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("encode audit payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := Record{
		Seq:      w.seq + 1,
		TS:       time.Now().UTC().UnixMilli(),
		Kind:     kind,
		PrevHash: w.prevHash,
		Data:     canonical,
	}
	entryHash := hashEntry(&rec)

	payload, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}

	frame := make([]byte, 0, len(payload)+binary.MaxVarintLen64+sha256.Size)
	frame = binary.AppendUvarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	raw, _ := hex.DecodeString(entryHash)
	frame = append(frame, raw...)

	if _, err := w.f.Write(frame); err != nil {
		return "", fmt.Errorf("write audit record: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return "", fmt.Errorf("fsync audit log: %w", err)
	}

	// Only after the fsync does the chain head advance.
	w.prevHash = entryHash
	w.seq = rec.Seq
	return entryHash, nil
}

// Head returns the current chain head (last entry hash) and sequence number.
func (w *Writer) Head() (string, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prevHash, w.seq
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Reset truncates the log and writes an explicit new-root marker whose
// prev_hash is zero. This is the only sanctioned recovery from corruption.
func Reset(path string, reason string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("truncate audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	w, err := Open(path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Append(KindChainRoot, map[string]any{"reason": reason})
	return err
}

// ReadAll decodes and verifies every record in the log. The chain linkage
// (prev_hash continuity and per-record hashes) is checked as it reads.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var records []Record
	prev := zeroHash
	for {
		length, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("%w: bad length prefix at record %d", ErrCorrupt, len(records)+1)
		}
		if length == 0 || length > 1<<20 {
			return records, fmt.Errorf("%w: implausible record length %d", ErrCorrupt, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return records, fmt.Errorf("%w: truncated payload at record %d", ErrCorrupt, len(records)+1)
		}
		stored := make([]byte, sha256.Size)
		if _, err := io.ReadFull(br, stored); err != nil {
			return records, fmt.Errorf("%w: truncated hash at record %d", ErrCorrupt, len(records)+1)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return records, fmt.Errorf("%w: undecodable payload at record %d", ErrCorrupt, len(records)+1)
		}
		rec.EntryHash = hex.EncodeToString(stored)

		// Chain roots restart linkage at zero.
		if rec.Kind == KindChainRoot {
			prev = zeroHash
		}
		if rec.PrevHash != prev {
			return records, fmt.Errorf("%w: prev_hash mismatch at seq %d", ErrCorrupt, rec.Seq)
		}
		if hashEntry(&rec) != rec.EntryHash {
			return records, fmt.Errorf("%w: entry_hash mismatch at seq %d", ErrCorrupt, rec.Seq)
		}
		prev = rec.EntryHash
		records = append(records, rec)
	}
	return records, nil
}

// Verify re-reads the whole log and reports whether the chain holds.
func Verify(path string) error {
	_, err := ReadAll(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Tail returns the last n records, oldest first.
func Tail(path string, n int) ([]Record, error) {
	records, err := ReadAll(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// HashEntry computes the chain hash over the given linkage fields and
// canonical payload. Exported so the decision trace can share the algorithm.
func HashEntry(prevHash string, seq uint64, ts int64, kind string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	h.Write(buf[:])
	h.Write([]byte(kind))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// ZeroHash returns the prev_hash value of a chain root.
func ZeroHash() string {
	return zeroHash
}

// CanonicalJSON re-encodes v deterministically: objects get sorted keys, so
// identical values always hash identically.
func CanonicalJSON(v any) ([]byte, error) {
	return canonicalJSON(v)
}

func hashEntry(rec *Record) string {
	return HashEntry(rec.PrevHash, rec.Seq, rec.TS, rec.Kind, rec.Data)
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through an interface{} value: encoding/json sorts map keys
	// on marshal, which yields the canonical form.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
