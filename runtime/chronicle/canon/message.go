// Package canon defines the canonical OpenAI-chat-completion-shaped request and
// response types that Chronicle exposes to callers regardless of which upstream
// provider ultimately serves a call.
package canon

import "encoding/json"

// Role identifies the speaker of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the closed, provider-normalized terminal-state enum. Codecs
// must map every provider-specific stop condition into one of these values.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
	FinishError          FinishReason = "error"
)

// ContentPart is a single piece of multimodal message content. Exactly one of
// Text/ImageURL/ToolResult is populated, selected by Type.
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ImageURL carries an image reference, inline or remote.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolResult is the result of a prior tool call, attached to a tool-role message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Content is either a bare string or a slice of ContentPart. It round-trips
// through JSON in whichever shape it was given, matching the OpenAI
// chat-completions schema's permissive content field.
type Content struct {
	Text  string
	Parts []ContentPart
}

// MarshalJSON emits a bare string when the content has no multimodal parts,
// otherwise an array of parts, mirroring what OpenAI-shaped payloads expect.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts either shape.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text, c.Parts = s, nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts, c.Text = parts, ""
	return nil
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the name and JSON-encoded arguments of a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of the canonical conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    *Content   `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition is a function the model may call.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function's name, description and schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

// ToolChoice selects how the model may use tools: "auto", "none", "required",
// or a forced call on a specific named function.
type ToolChoice struct {
	Mode     string `json:"-"`
	Function string `json:"-"`
}

// MarshalJSON renders either the bare string mode or the forced-function shape.
func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Function == "" {
		return json.Marshal(t.Mode)
	}
	return json.Marshal(struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}{
		Type: "function",
		Function: struct {
			Name string `json:"name"`
		}{Name: t.Function},
	})
}

// UnmarshalJSON accepts either shape.
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		t.Mode, t.Function = mode, ""
		return nil
	}
	var forced struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &forced); err != nil {
		return err
	}
	t.Mode, t.Function = "function", forced.Function.Name
	return nil
}

// Usage carries token accounting for a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
