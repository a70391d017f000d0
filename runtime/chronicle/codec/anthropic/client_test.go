package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

func TestMapStopReason(t *testing.T) {
	cases := map[string]canon.FinishReason{
		"end_turn":      canon.FinishStop,
		"stop_sequence": canon.FinishStop,
		"max_tokens":    canon.FinishLength,
		"tool_use":      canon.FinishToolCalls,
		"":              canon.FinishStop,
	}
	for reason, want := range cases {
		assert.Equal(t, want, mapStopReason(reason), reason)
	}
}

func TestEncodeMessagesConsolidatesSystem(t *testing.T) {
	msgs := []canon.Message{
		{Role: canon.RoleSystem, Content: &canon.Content{Text: "be nice"}},
		{Role: canon.RoleUser, Content: &canon.Content{Text: "hi"}},
	}
	conv, system, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, "be nice", system[0].Text)
	require.Len(t, conv, 1)
}

func TestEncodeMessagesRequiresConversation(t *testing.T) {
	_, _, err := encodeMessages([]canon.Message{{Role: canon.RoleSystem, Content: &canon.Content{Text: "x"}}})
	assert.Error(t, err)
}

func TestEncodeToolChoice(t *testing.T) {
	tc, err := encodeToolChoice(canon.ToolChoice{Mode: "function", Function: "lookup"})
	require.NoError(t, err)
	require.NotNil(t, tc.OfTool)
	assert.Equal(t, "lookup", tc.OfTool.Name)

	_, err = encodeToolChoice(canon.ToolChoice{Mode: "function"})
	assert.Error(t, err)
}
