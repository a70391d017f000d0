package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

func TestMapFinishReason(t *testing.T) {
	cases := map[string]canon.FinishReason{
		"stop":           canon.FinishStop,
		"length":         canon.FinishLength,
		"tool_calls":     canon.FinishToolCalls,
		"function_call":  canon.FinishToolCalls,
		"content_filter": canon.FinishContentFilter,
	}
	for reason, want := range cases {
		assert.Equal(t, want, MapFinishReason(reason), reason)
	}
}

func TestEncodeRequiresMessages(t *testing.T) {
	_, err := Encode("gpt-4o-mini", canon.Request{})
	assert.Error(t, err)
}

func TestEncodeMessages(t *testing.T) {
	maxTok := 16
	req := canon.Request{
		MaxTokens: &maxTok,
		Messages: []canon.Message{
			{Role: canon.RoleUser, Content: &canon.Content{Text: "Hi"}},
		},
	}
	params, err := Encode("gpt-4o-mini", req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", string(params.Model))
	require.Len(t, params.Messages, 1)
}
