package jsonrepair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFromFencedBlock(t *testing.T) {
	t.Parallel()

	text := "here you go:\n```json\n{\"tool\": \"fs.read\"}\n```\nthanks"
	assert.Equal(t, `{"tool": "fs.read"}`, ExtractJSON(text))
}

func TestExtractJSONFromBalancedSpanWithoutFence(t *testing.T) {
	t.Parallel()

	text := `sure, here is the call {"tool": "fs.read", "args": {"path": "a.txt"}} done`
	assert.Equal(t, `{"tool": "fs.read", "args": {"path": "a.txt"}}`, ExtractJSON(text))
}

func TestExtractJSONIgnoresBracesInsideStrings(t *testing.T) {
	t.Parallel()

	text := `{"tool": "fs.read", "args": {"path": "a{b}.txt"}}`
	assert.Equal(t, text, ExtractJSON(text))
}

func TestExtractJSONReturnsEmptyWhenNothingFound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ExtractJSON("no json here at all"))
}

func TestRepairJSONStripsTrailingComma(t *testing.T) {
	t.Parallel()

	repaired := RepairJSON(`{"a": 1, "b": 2,}`)
	_, err := tryParse(repaired)
	assert.NoError(t, err)
}

func TestRepairJSONQuotesUnquotedKeys(t *testing.T) {
	t.Parallel()

	repaired := RepairJSON(`{tool: "fs.read"}`)
	v, err := tryParse(repaired)
	require.NoError(t, err)
	assert.Equal(t, "fs.read", v["tool"])
}

func TestRepairJSONNormalizesPythonLiterals(t *testing.T) {
	t.Parallel()

	repaired := RepairJSON(`{"ok": True, "missing": None, "bad": False}`)
	v, err := tryParse(repaired)
	require.NoError(t, err)
	assert.Equal(t, true, v["ok"])
	assert.Nil(t, v["missing"])
	assert.Equal(t, false, v["bad"])
}

func TestRepairJSONStripsComments(t *testing.T) {
	t.Parallel()

	repaired := RepairJSON("{\"a\": 1 // trailing comment\n}")
	_, err := tryParse(repaired)
	assert.NoError(t, err)
}

func TestParseSafelyDirectParse(t *testing.T) {
	t.Parallel()

	v, err := ParseSafely(`{"tool": "fs.read"}`)
	require.NoError(t, err)
	assert.Equal(t, "fs.read", v["tool"])
}

func TestParseSafelyExtractsFromSurroundingText(t *testing.T) {
	t.Parallel()

	v, err := ParseSafely("I'll call: {\"tool\": \"fs.read\", \"args\": {}}")
	require.NoError(t, err)
	assert.Equal(t, "fs.read", v["tool"])
}

func TestParseSafelyRepairsThenParses(t *testing.T) {
	t.Parallel()

	v, err := ParseSafely(`{tool: 'fs.read', args: {},}`)
	require.NoError(t, err)
	assert.Equal(t, "fs.read", v["tool"])
}

func TestParseSafelyFailsOnGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseSafely("this is not json at all, sorry")
	assert.Error(t, err)
}

func TestValidateToolCallRequiresDoneOrTool(t *testing.T) {
	t.Parallel()

	ok, reason := ValidateToolCall(map[string]any{})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestValidateToolCallAcceptsDoneBool(t *testing.T) {
	t.Parallel()

	ok, _ := ValidateToolCall(map[string]any{"done": true})
	assert.True(t, ok)
}

func TestValidateToolCallRejectsNonBoolDone(t *testing.T) {
	t.Parallel()

	ok, _ := ValidateToolCall(map[string]any{"done": "yes"})
	assert.False(t, ok)
}

func TestValidateToolCallAcceptsToolWithArgs(t *testing.T) {
	t.Parallel()

	ok, _ := ValidateToolCall(map[string]any{"tool": "fs.read", "args": map[string]any{"path": "a.txt"}})
	assert.True(t, ok)
}

func TestValidateToolCallRejectsNonMapArgs(t *testing.T) {
	t.Parallel()

	ok, _ := ValidateToolCall(map[string]any{"tool": "fs.read", "args": "not a map"})
	assert.False(t, ok)
}
