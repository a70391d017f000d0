package bedrock

import (
	"testing"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

func TestMapStopReason(t *testing.T) {
	cases := map[brtypes.StopReason]canon.FinishReason{
		brtypes.StopReasonEndTurn:    canon.FinishStop,
		brtypes.StopReasonMaxTokens:  canon.FinishLength,
		brtypes.StopReasonToolUse:    canon.FinishToolCalls,
	}
	for reason, want := range cases {
		assert.Equal(t, want, mapStopReason(reason), string(reason))
	}
}

func TestEncodeMessagesRequiresConversation(t *testing.T) {
	_, _, err := encodeMessages([]canon.Message{{Role: canon.RoleSystem, Content: &canon.Content{Text: "x"}}})
	assert.Error(t, err)
}

func TestEncodeMessagesConsolidatesSystem(t *testing.T) {
	msgs := []canon.Message{
		{Role: canon.RoleSystem, Content: &canon.Content{Text: "be nice"}},
		{Role: canon.RoleUser, Content: &canon.Content{Text: "hi"}},
	}
	conv, system, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, system, 1)
	require.Len(t, conv, 1)
}
