package ollama

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

func TestMapFinishReasonHandlesDoneReason(t *testing.T) {
	assert.Equal(t, canon.FinishStop, mapFinishReason("unload"))
	assert.Equal(t, canon.FinishLength, mapFinishReason("length"))
	assert.Equal(t, canon.FinishToolCalls, mapFinishReason("tool_calls"))
}

func TestArgumentsStringAcceptsObjectOrEncodedString(t *testing.T) {
	asObject := json.RawMessage(`{"city":"nyc"}`)
	assert.JSONEq(t, `{"city":"nyc"}`, argumentsString(asObject))

	asString := json.RawMessage(`"{\"city\":\"nyc\"}"`)
	assert.Equal(t, `{"city":"nyc"}`, argumentsString(asString))

	assert.Equal(t, "", argumentsString(nil))
}

func TestDecodeBuildsCanonicalResponse(t *testing.T) {
	var resp chatCompletion
	raw := `{
		"id":"chatcmpl-1","model":"llama3","choices":[
			{"index":0,"message":{"role":"assistant","content":"hi","tool_calls":[]},"done_reason":"stop"}
		],
		"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
	}`
	assert.NoError(t, json.Unmarshal([]byte(raw), &resp))
	out := decode(resp)
	assert.Equal(t, "ollama", out.Meta.Provider)
	assert.Equal(t, canon.FinishStop, out.Choices[0].FinishReason)
	assert.Equal(t, "hi", out.Choices[0].Message.Content.Text)
}
