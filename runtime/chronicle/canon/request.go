package canon

import "time"

// AliasModel is one candidate in an ordered attempt list, either resolved from
// an alias table or supplied verbatim by the caller as models[].
type AliasModel struct {
	Sort       int    `json:"sort"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIKeyName string `json:"api_key_name,omitempty"`
}

// RetryOptions overrides the default backoff/retry policy for a single call.
// Increase selects how the delay grows between attempts on the same
// provider: "constant", "exponential" (the default, grown by Multiplier), or
// "additive" (grown by Amount each attempt).
type RetryOptions struct {
	InitialBackoff                  *time.Duration `json:"initial_backoff,omitempty"`
	Increase                        *string        `json:"increase,omitempty"`
	Multiplier                      *float64       `json:"multiplier,omitempty"`
	Amount                          *time.Duration `json:"amount,omitempty"`
	MaxBackoff                      *time.Duration `json:"max_backoff,omitempty"`
	Jitter                          *time.Duration `json:"jitter,omitempty"`
	MaxTries                        *int           `json:"max_tries,omitempty"`
	FailIfRateLimitExceedsMaxBackoff bool          `json:"fail_if_rate_limit_exceeds_max_backoff,omitempty"`
}

// RequestOptions carries routing and override knobs that travel alongside a
// canonical request. Request excludes its Options and Metadata fields from
// JSON, so they are not decoded from a request body; the HTTP API fills them
// from x-chronicle-* headers only.
type RequestOptions struct {
	Model         string         `json:"model,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	OverrideURL   string         `json:"override_url,omitempty"`
	APIKey        string         `json:"api_key,omitempty"`
	Models        []AliasModel   `json:"models,omitempty"`
	RandomChoice  bool           `json:"random_choice,omitempty"`
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
	Retry         *RetryOptions  `json:"retry,omitempty"`
	Metadata      Metadata       `json:"metadata,omitempty"`
}

// Timeout returns the per-attempt deadline, or zero if unset.
func (o RequestOptions) Timeout() time.Duration {
	if o.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

// Request is the canonical chat-completion request body.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`

	Options  RequestOptions `json:"-"`
	Metadata Metadata       `json:"-"`
}

// ResponseMeta is the internal, non-OpenAI-shaped envelope attached to every
// canonical response.
type ResponseMeta struct {
	ID             string         `json:"id"`
	Provider       string         `json:"provider"`
	ResponseMeta   map[string]any `json:"response_meta,omitempty"`
	WasRateLimited bool           `json:"was_rate_limited"`
}

// Choice is one candidate completion. Message is populated for non-streaming
// responses, Delta for streamed chunks.
type Choice struct {
	Index        int          `json:"index"`
	Message      *Message     `json:"message,omitempty"`
	Delta        *Message     `json:"delta,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// Response is the canonical chat-completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Meta    ResponseMeta `json:"meta"`
}

// Chunk is one streamed SSE event, OpenAI-style.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}
