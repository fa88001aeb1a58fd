package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

func TestAppendAndReadBack(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)

	h1, err := w.Append(KindPromptCreated, map[string]any{"prompt_id": "p1"})
	require.NoError(t, err)
	h2, err := w.Append(KindRouted, map[string]any{"prompt_id": "p1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.NotEqual(t, h1, h2)

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, KindPromptCreated, records[0].Kind)
	assert.Equal(t, ZeroHash(), records[0].PrevHash)
	assert.Equal(t, h1, records[0].EntryHash)
	assert.Equal(t, h1, records[1].PrevHash)
	assert.Equal(t, h2, records[1].EntryHash)
}

func TestReopenContinuesChain(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)
	h1, err := w.Append(KindSessionStarted, map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	head, seq := w2.Head()
	assert.Equal(t, h1, head)
	assert.Equal(t, uint64(1), seq)

	_, err = w2.Append(KindSessionEnded, map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	require.NoError(t, Verify(path))
	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), records[1].Seq)
	assert.Equal(t, h1, records[1].PrevHash)
}

func TestTamperedPayloadFailsVerify(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append(KindInjected, map[string]any{"prompt_id": "p1", "value": "y"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the JSON payload.
	for i, b := range raw {
		if b == 'y' {
			raw[i] = 'n'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	assert.ErrorIs(t, Verify(path), ErrCorrupt)
}

func TestTruncatedRecordFailsVerify(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append(KindResolved, map[string]any{"prompt_id": "p1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-10], 0o600))

	assert.ErrorIs(t, Verify(path), ErrCorrupt)
}

func TestResetWritesNewRoot(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append(KindFailed, map[string]any{"prompt_id": "p1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, Reset(path, "operator reset after corruption"))

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindChainRoot, records[0].Kind)
	assert.Equal(t, ZeroHash(), records[0].PrevHash)

	// The chain keeps growing after the reset.
	w2, err := Open(path)
	require.NoError(t, err)
	_, err = w2.Append(KindPromptCreated, map[string]any{"prompt_id": "p2"})
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	require.NoError(t, Verify(path))
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": "x", "c": []int{3, 2}})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": []int{3, 2}, "a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":"x","b":1,"c":[3,2]}`, string(a))
}

func TestTail(t *testing.T) {
	path := chainPath(t)
	w, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = w.Append(KindRouted, map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	last2, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, uint64(4), last2[0].Seq)
	assert.Equal(t, uint64(5), last2[1].Seq)

	none, err := Tail(filepath.Join(t.TempDir(), "missing.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
