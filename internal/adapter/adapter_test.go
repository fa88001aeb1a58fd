package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/prompt"
)

func TestRegistryKnowsBuiltins(t *testing.T) {
	for _, name := range []string{"claude", "codex", "generic"} {
		a, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
		assert.NotEmpty(t, a.PromptPatterns())
	}
	assert.Contains(t, Names(), "claude")

	_, err := New("no-such-tool")
	assert.Error(t, err)
}

func TestEncodeYesNo(t *testing.T) {
	a, err := New("generic")
	require.NoError(t, err)

	b, err := a.Encode(prompt.TypeYesNo, "y")
	require.NoError(t, err)
	assert.Equal(t, []byte("y\r"), b)

	b, err = a.Encode(prompt.TypeYesNo, "No")
	require.NoError(t, err)
	assert.Equal(t, []byte("n\r"), b)

	// Auto-defaulting a yes_no is refused.
	_, err = a.Encode(prompt.TypeYesNo, "")
	assert.Error(t, err)
	_, err = a.Encode(prompt.TypeYesNo, "maybe")
	assert.Error(t, err)
}

func TestEncodeConfirmEnter(t *testing.T) {
	a, err := New("claude")
	require.NoError(t, err)

	b, err := a.Encode(prompt.TypeConfirmEnter, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("\r"), b)

	_, err = a.Encode(prompt.TypeConfirmEnter, "yes")
	assert.Error(t, err)
}

func TestEncodeMultipleChoice(t *testing.T) {
	a, err := New("codex")
	require.NoError(t, err)

	b, err := a.Encode(prompt.TypeMultipleChoice, "2")
	require.NoError(t, err)
	assert.Equal(t, []byte("2\r"), b)

	_, err = a.Encode(prompt.TypeMultipleChoice, "0")
	assert.Error(t, err)
	_, err = a.Encode(prompt.TypeMultipleChoice, "abc")
	assert.Error(t, err)
}

func TestEncodeFreeText(t *testing.T) {
	a, err := New("generic")
	require.NoError(t, err)

	b, err := a.Encode(prompt.TypeFreeText, "use the staging bucket")
	require.NoError(t, err)
	assert.Equal(t, []byte("use the staging bucket\r"), b)
}

func TestClaudePatternsMatchApprovalPrompt(t *testing.T) {
	a, err := New("claude")
	require.NoError(t, err)

	text := "Do you want to proceed?\n❯ 1. Yes\n  2. No"
	matched := false
	for _, p := range a.PromptPatterns() {
		if p.Regex.MatchString(text) {
			matched = true
			break
		}
	}
	assert.True(t, matched)
}

func TestGenericCommandWrapsTool(t *testing.T) {
	a := NewGeneric("mytool")
	assert.Equal(t, []string{"mytool", "--flag"}, a.Command([]string{"--flag"}))
}
