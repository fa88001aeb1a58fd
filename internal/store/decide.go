package store

import (
	"context"
	"errors"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
	"github.com/atlasbridge/atlasbridge/internal/state"
)

// CommitResult classifies the outcome of DecidePrompt.
type CommitResult string

const (
	// Accepted means this call committed the decision. At most one call
	// per prompt ever returns Accepted.
	Accepted CommitResult = "accepted"

	// AlreadyDecided means another reply won the race. Idempotent drop.
	AlreadyDecided CommitResult = "already_decided"

	// Expired means the prompt's TTL lapsed before the reply arrived.
	Expired CommitResult = "expired"

	// WrongSession means the reply named a session that does not own the prompt.
	WrongSession CommitResult = "wrong_session"

	// Unknown means no such prompt exists.
	Unknown CommitResult = "unknown"
)

// DecidePrompt is the atomic decision guard. A single conditional UPDATE
// commits the reply iff the prompt is still waiting, belongs to the named
// session, and its TTL has not lapsed. Zero rows affected means the guard
// refused; the current row is then inspected to classify why.
func (s *Store) DecidePrompt(ctx context.Context, promptID, sessionID, value string, source prompt.Source, now time.Time) (CommitResult, error) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()

	res, err := s.writer.ExecContext(wctx, `
		UPDATE prompts
		SET state = ?, decision = ?, decided_at = ?, reply_source = ?
		WHERE prompt_id = ?
		  AND session_id = ?
		  AND state IN (?, ?)
		  AND (created_at + ttl_seconds * 1000) > ?
	`, state.ReplyReceived, value, now.UnixMilli(), source,
		promptID, sessionID, state.Routed, state.AwaitingReply, now.UnixMilli())
	if err != nil {
		return Unknown, wrapWriteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unknown, wrapWriteErr(err)
	}
	if n == 1 {
		return Accepted, nil
	}

	p, err := s.GetPrompt(ctx, promptID)
	if errors.Is(err, ErrNotFound) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, err
	}
	switch {
	case p.SessionID != sessionID:
		return WrongSession, nil
	case p.DecidedAt.Valid || p.State == state.ReplyReceived ||
		p.State == state.Injected || p.State == state.Resolved:
		return AlreadyDecided, nil
	case p.State == state.Expired || p.Expired(now):
		return Expired, nil
	default:
		return Unknown, nil
	}
}
