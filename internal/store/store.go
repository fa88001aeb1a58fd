// Package store is the durable prompt table and the sole arbiter of
// idempotency. Every mutation funnels through the single writer
// connection; the decision guard in decide.go is the linearisation point
// for the whole relay.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/atlasbridge/atlasbridge/internal/common/constants"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/state"
)

// Typed failures surfaced by store operations.
var (
	ErrDuplicateNonce    = errors.New("duplicate nonce")
	ErrNotFound          = errors.New("prompt not found")
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrStorageFatal wraps unrecoverable engine failures. The daemon halts
	// with a non-zero exit when it sees this.
	ErrStorageFatal = errors.New("storage fatal")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	tool        TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	label       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS prompts (
	prompt_id    TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(session_id),
	type         TEXT NOT NULL,
	excerpt      TEXT NOT NULL,
	confidence   TEXT NOT NULL,
	signal       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	ttl_seconds  INTEGER NOT NULL,
	state        TEXT NOT NULL,
	nonce        TEXT NOT NULL UNIQUE,
	policy_hash  TEXT NOT NULL DEFAULT '',
	decided_at   INTEGER,
	decision     TEXT,
	reply_source TEXT
);

CREATE INDEX IF NOT EXISTS idx_prompts_session_id ON prompts(session_id);
CREATE INDEX IF NOT EXISTS idx_prompts_state ON prompts(state);
`

// Store wraps the single-writer SQLite pair. Mutations serialise on the
// writer connection; reads run against the read-only pool.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens both connections at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	writer, err := db.OpenWriter(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	if _, err := writer.Exec(schema); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorageFatal, err)
	}
	reader, err := db.OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	return &Store{writer: writer, reader: reader}, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	rErr := s.reader.Close()
	wErr := s.writer.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

// writeCtx bounds every mutating call. A write that exceeds the deadline is
// treated as unrecoverable.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, constants.StoreWriteTimeout)
}

func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: write deadline exceeded: %v", ErrStorageFatal, err)
	}
	return err
}

// Session is one supervised child run.
type Session struct {
	SessionID string        `db:"session_id" json:"session_id"`
	Tool      string        `db:"tool" json:"tool"`
	StartedAt int64         `db:"started_at" json:"started_at"`
	EndedAt   sql.NullInt64 `db:"ended_at" json:"ended_at,omitempty"`
	Label     string        `db:"label" json:"label,omitempty"`
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool { return !s.EndedAt.Valid }

// Prompt is one stored prompt row.
type Prompt struct {
	PromptID    string            `db:"prompt_id" json:"prompt_id"`
	SessionID   string            `db:"session_id" json:"session_id"`
	Type        prompt.Type       `db:"type" json:"type"`
	Excerpt     string            `db:"excerpt" json:"excerpt"`
	Confidence  prompt.Confidence `db:"confidence" json:"confidence"`
	Signal      prompt.Signal     `db:"signal" json:"signal"`
	CreatedAt   int64             `db:"created_at" json:"created_at"`
	TTLSeconds  int               `db:"ttl_seconds" json:"ttl_seconds"`
	State       state.PromptState `db:"state" json:"state"`
	Nonce       string            `db:"nonce" json:"-"`
	PolicyHash  string            `db:"policy_hash" json:"policy_hash,omitempty"`
	DecidedAt   sql.NullInt64     `db:"decided_at" json:"decided_at,omitempty"`
	Decision    sql.NullString    `db:"decision" json:"decision,omitempty"`
	ReplySource sql.NullString    `db:"reply_source" json:"reply_source,omitempty"`
}

// ExpiresAt returns the unix-millisecond instant the prompt's TTL lapses.
func (p *Prompt) ExpiresAt() int64 {
	return p.CreatedAt + int64(p.TTLSeconds)*1000
}

// Expired reports whether now is at or past the TTL boundary.
func (p *Prompt) Expired(now time.Time) bool {
	return p.ExpiresAt() <= now.UnixMilli()
}

// Event rebuilds the wire-level prompt event from the stored row.
func (p *Prompt) Event() *prompt.Event {
	return &prompt.Event{
		PromptID:   p.PromptID,
		SessionID:  p.SessionID,
		Type:       p.Type,
		Excerpt:    p.Excerpt,
		Confidence: p.Confidence,
		Signal:     p.Signal,
		Nonce:      p.Nonce,
		CreatedAt:  time.UnixMilli(p.CreatedAt).UTC(),
		TTLSeconds: p.TTLSeconds,
	}
}

// CreateSession records a new supervised run.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	_, err := s.writer.ExecContext(wctx, `
		INSERT INTO sessions (session_id, tool, started_at, label)
		VALUES (?, ?, ?, ?)
	`, sess.SessionID, sess.Tool, sess.StartedAt, sess.Label)
	return wrapWriteErr(err)
}

// EndSession marks the session ended.
func (s *Store) EndSession(ctx context.Context, sessionID string, now time.Time) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	_, err := s.writer.ExecContext(wctx, `
		UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL
	`, now.UnixMilli(), sessionID)
	return wrapWriteErr(err)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.reader.SelectContext(ctx, &sessions, `
		SELECT session_id, tool, started_at, ended_at, label
		FROM sessions ORDER BY started_at DESC
	`)
	return sessions, err
}

// InsertPrompt stores a freshly detected prompt in state CREATED.
func (s *Store) InsertPrompt(ctx context.Context, e *prompt.Event, policyHash string) error {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	_, err := s.writer.ExecContext(wctx, `
		INSERT INTO prompts (prompt_id, session_id, type, excerpt, confidence, signal,
			created_at, ttl_seconds, state, nonce, policy_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.PromptID, e.SessionID, e.Type, e.Excerpt, e.Confidence, e.Signal,
		e.CreatedAt.UnixMilli(), e.TTLSeconds, state.Created, e.Nonce, policyHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateNonce
		}
		return wrapWriteErr(err)
	}
	return nil
}

// Transition performs the atomic conditional state update
// `SET state = to WHERE prompt_id = ? AND state = from`. It returns true
// when exactly one row changed. Transitions the state machine forbids are
// rejected with ErrIllegalTransition before touching the database.
func (s *Store) Transition(ctx context.Context, promptID string, from, to state.PromptState) (bool, error) {
	if !state.IsLegal(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	res, err := s.writer.ExecContext(wctx, `
		UPDATE prompts SET state = ? WHERE prompt_id = ? AND state = ?
	`, to, promptID, from)
	if err != nil {
		return false, wrapWriteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapWriteErr(err)
	}
	return n == 1, nil
}

// GetPrompt returns one prompt row.
func (s *Store) GetPrompt(ctx context.Context, promptID string) (*Prompt, error) {
	var p Prompt
	err := s.reader.GetContext(ctx, &p, `
		SELECT * FROM prompts WHERE prompt_id = ?
	`, promptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPending returns prompts whose state is non-terminal and whose TTL has
// not lapsed. The router replays these after a daemon restart.
func (s *Store) LoadPending(ctx context.Context, now time.Time) ([]Prompt, error) {
	var prompts []Prompt
	err := s.reader.SelectContext(ctx, &prompts, `
		SELECT * FROM prompts
		WHERE state IN (?, ?, ?, ?, ?)
		  AND (created_at + ttl_seconds * 1000) > ?
		ORDER BY created_at ASC
	`, state.Created, state.Routed, state.AwaitingReply, state.ReplyReceived, state.Injected,
		now.UnixMilli())
	return prompts, err
}

// SweepExpired moves waiting prompts past their TTL to EXPIRED and returns
// the swept rows so the caller can audit and notify.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]Prompt, error) {
	var candidates []Prompt
	err := s.reader.SelectContext(ctx, &candidates, `
		SELECT * FROM prompts
		WHERE state IN (?, ?, ?)
		  AND (created_at + ttl_seconds * 1000) <= ?
	`, state.Created, state.Routed, state.AwaitingReply, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	var swept []Prompt
	for i := range candidates {
		p := candidates[i]
		ok, err := s.Transition(ctx, p.PromptID, p.State, state.Expired)
		if err != nil {
			return swept, err
		}
		if ok {
			p.State = state.Expired
			swept = append(swept, p)
		}
	}
	return swept, nil
}

// CancelPrompt aborts a non-terminal prompt on explicit user action.
func (s *Store) CancelPrompt(ctx context.Context, promptID string) error {
	p, err := s.GetPrompt(ctx, promptID)
	if err != nil {
		return err
	}
	if p.State.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, p.State)
	}
	ok, err := s.Transition(ctx, promptID, p.State, state.Canceled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// CountsByState returns the number of prompts in each state.
func (s *Store) CountsByState(ctx context.Context) (map[state.PromptState]int, error) {
	rows := []struct {
		State state.PromptState `db:"state"`
		N     int               `db:"n"`
	}{}
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT state, COUNT(*) AS n FROM prompts GROUP BY state
	`)
	if err != nil {
		return nil, err
	}
	counts := make(map[state.PromptState]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}
