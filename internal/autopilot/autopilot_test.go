package autopilot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.Parse([]byte(`
policy_version: "1"
name: test
rules:
  - id: deny-push
    match: {any_of: ["force push"]}
    action: deny
    reason: never unattended
  - id: approve-tests
    match:
      prompt_types: [yes_no]
      min_confidence: medium
      text_contains: "run tests"
    action: auto_reply
    reply: "y"
  - id: approve-low-ok
    match:
      prompt_types: [yes_no]
      text_contains: "format code"
    action: auto_reply
    reply: "y"
    allow_low_confidence: true
defaults:
  no_match: require_human
  low_confidence: require_human
`))
	require.NoError(t, err)
	return p
}

func testEvent(typ prompt.Type, excerpt string, conf prompt.Confidence) *prompt.Event {
	return prompt.NewEvent("s1", typ, excerpt, conf, prompt.SignalPattern, time.Minute)
}

func newEngine(t *testing.T, mode Mode) *Engine {
	t.Helper()
	return New(mode, testPolicy(t), t.TempDir(), nil, 10*time.Second, logger.Default())
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"off", "assist", "full"} {
		m, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(m))
	}
	_, err := ParseMode("turbo")
	assert.Error(t, err)
}

func TestOffModeSkipsPolicy(t *testing.T) {
	e := newEngine(t, ModeOff)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteHuman, out.Route)
	assert.Empty(t, out.Decision.MatchedRuleID)
}

func TestFullModeAutoReply(t *testing.T) {
	e := newEngine(t, ModeFull)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteAutoReply, out.Route)
	assert.Equal(t, "y", out.ReplyValue)
	assert.Zero(t, out.HoldFor)
	assert.False(t, out.NeedsConfirmation)
}

func TestAssistModeHoldsAutoReply(t *testing.T) {
	e := newEngine(t, ModeAssist)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteAutoReply, out.Route)
	assert.Equal(t, 10*time.Second, out.HoldFor)
	assert.False(t, out.NeedsConfirmation)
}

func TestDenyAppliesImmediatelyInAssist(t *testing.T) {
	e := newEngine(t, ModeAssist)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Force push to main? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteDeny, out.Route)
	assert.Equal(t, "n", out.ReplyValue)
	assert.Zero(t, out.HoldFor)
}

func TestDenyOnNonYesNoEscalates(t *testing.T) {
	e := newEngine(t, ModeFull)
	out := e.Consult(testEvent(prompt.TypeFreeText, "force push target branch:", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteHuman, out.Route)
	assert.Contains(t, out.Reason, "never unattended")
}

func TestLowConfidenceBlocksAutoReply(t *testing.T) {
	e := newEngine(t, ModeFull)
	// approve-tests requires medium confidence, so the rule does not match
	// at all; the low-confidence default sends it to the human.
	out := e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceLow), "claude", "")
	assert.Equal(t, RouteHuman, out.Route)
}

func TestLowConfidenceAllowedInFullMode(t *testing.T) {
	e := newEngine(t, ModeFull)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Format code now? [y/N]", prompt.ConfidenceLow), "claude", "")
	assert.Equal(t, RouteAutoReply, out.Route)
	assert.False(t, out.NeedsConfirmation)
}

func TestLowConfidenceNeedsConfirmationInAssist(t *testing.T) {
	e := newEngine(t, ModeAssist)
	out := e.Consult(testEvent(prompt.TypeYesNo, "Format code now? [y/N]", prompt.ConfidenceLow), "claude", "")
	assert.Equal(t, RouteAutoReply, out.Route)
	assert.True(t, out.NeedsConfirmation)
	assert.Zero(t, out.HoldFor)
}

func TestKillSwitchOverridesMode(t *testing.T) {
	dir := t.TempDir()
	e := New(ModeFull, testPolicy(t), dir, nil, 0, logger.Default())

	require.NoError(t, Pause(dir))
	assert.True(t, e.Paused())
	out := e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteHuman, out.Route)

	require.NoError(t, Resume(dir))
	assert.False(t, e.Paused())
	out = e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	assert.Equal(t, RouteAutoReply, out.Route)
}

func TestKillSwitchPersists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Pause(dir))
	// A fresh engine over the same state dir still sees the pause.
	e := New(ModeFull, testPolicy(t), dir, nil, 0, logger.Default())
	assert.True(t, e.Paused())
	// Resuming twice is harmless.
	require.NoError(t, Resume(dir))
	require.NoError(t, Resume(dir))
}

func TestSetModeAndPolicy(t *testing.T) {
	e := newEngine(t, ModeOff)
	e.SetMode(ModeFull)
	assert.Equal(t, ModeFull, e.Mode())

	p2 := policy.Default()
	e.SetPolicy(p2)
	assert.Equal(t, p2.ContentHash(), e.Policy().ContentHash())
}

func TestTraceChainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	tr, err := OpenTrace(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Append(TraceData{
			PromptID: "p1", SessionID: "s1", Mode: "full",
			Action: "auto_reply", Route: "auto_reply", ReplyValue: "y",
		}))
	}
	require.NoError(t, tr.Close())

	entries, err := ReadTrace(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	assert.NoError(t, VerifyTrace(path))
}

func TestTraceReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	tr, err := OpenTrace(path)
	require.NoError(t, err)
	require.NoError(t, tr.Append(TraceData{PromptID: "p1", Route: "human"}))
	require.NoError(t, tr.Close())

	tr, err = OpenTrace(path)
	require.NoError(t, err)
	require.NoError(t, tr.Append(TraceData{PromptID: "p2", Route: "human"}))
	require.NoError(t, tr.Close())

	entries, err := ReadTrace(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
}

func TestTraceDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	tr, err := OpenTrace(path)
	require.NoError(t, err)
	require.NoError(t, tr.Append(TraceData{PromptID: "p1", Route: "human", ReplyValue: "y"}))
	require.NoError(t, tr.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte(nil), raw...)
	// Flip the recorded reply value in place.
	idx := -1
	for i := 0; i < len(tampered); i++ {
		if tampered[i] == '"' && i+3 < len(tampered) && tampered[i+1] == 'y' && tampered[i+2] == '"' {
			idx = i + 1
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	tampered[idx] = 'n'
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = ReadTrace(path)
	assert.ErrorIs(t, err, ErrTraceCorrupt)
}

func TestConsultRecordsTrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decisions.jsonl")
	tr, err := OpenTrace(path)
	require.NoError(t, err)
	defer tr.Close()

	e := New(ModeFull, testPolicy(t), dir, tr, 0, logger.Default())
	e.Consult(testEvent(prompt.TypeYesNo, "Run tests? [y/N]", prompt.ConfidenceHigh), "claude", "")
	e.Consult(testEvent(prompt.TypeYesNo, "Force push? [y/N]", prompt.ConfidenceHigh), "claude", "")

	entries, err := ReadTrace(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var first TraceData
	require.NoError(t, json.Unmarshal(entries[0].Data, &first))
	assert.Equal(t, "approve-tests", first.RuleID)
	assert.Equal(t, "auto_reply", first.Route)
	assert.Equal(t, e.Policy().ContentHash(), first.PolicyHash)

	var second TraceData
	require.NoError(t, json.Unmarshal(entries[1].Data, &second))
	assert.Equal(t, "deny-push", second.RuleID)
	assert.Equal(t, "deny", second.Route)
}

func TestTailTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	tr, err := OpenTrace(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Append(TraceData{PromptID: "p", Route: "human"}))
	}
	require.NoError(t, tr.Close())

	entries, err := TailTrace(path, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)

	// Missing file tails empty.
	entries, err = TailTrace(filepath.Join(t.TempDir(), "nope.jsonl"), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
