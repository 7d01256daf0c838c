package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	content := "Here is the analysis:\n```json\n{\"genre\": \"fantasy\"}\n```\nDone."
	raw, err := ExtractJSON(content)
	require.NoError(t, err)
	assert.JSONEq(t, `{"genre":"fantasy"}`, string(raw))
}

func TestExtractJSONBareFence(t *testing.T) {
	raw, err := ExtractJSON("```\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	raw, err := ExtractJSON(`The model says {"a": {"b": 2}} which looks right.`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":2}}`, string(raw))
}

func TestExtractJSONRawObject(t *testing.T) {
	raw, err := ExtractJSON(`{"ok": true}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestExtractJSONRejectsGarbage(t *testing.T) {
	_, err := ExtractJSON("no structure here at all")
	assert.Error(t, err)

	_, err = ExtractJSON("")
	assert.Error(t, err)

	_, err = ExtractJSON(`{"unterminated": `)
	assert.Error(t, err)
}
