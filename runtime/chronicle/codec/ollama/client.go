// Package ollama talks to a local or self-hosted Ollama server over its
// OpenAI-compatible /v1/chat/completions endpoint. It reuses codec/openai's
// Encode/Decode/MapFinishReason for the wire shape and layers Ollama's own
// quirks on top: tool-call arguments that sometimes arrive as a whole JSON
// object instead of a string, and a "done_reason" field in place of
// finish_reason on the final streamed chunk.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/codec/openai"
)

const defaultBaseURL = "http://localhost:11434"

// Provider implements codec.Provider against an Ollama server's
// OpenAI-compatible chat endpoint.
type Provider struct {
	httpClient *http.Client
}

// New returns an Ollama codec provider using http.DefaultClient's transport.
func New() *Provider {
	return &Provider{httpClient: &http.Client{}}
}

// Name identifies this provider in alias tables and x-chronicle-provider.
func (p *Provider) Name() string { return "ollama" }

func (p *Provider) endpointURL(ep codec.Endpoint, path string) string {
	base := ep.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return base + path
}

func (p *Provider) newRequest(ctx context.Context, ep codec.Endpoint, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL(ep, "/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+string(ep.Secret))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Complete issues a non-streaming chat completion call.
func (p *Provider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	params, err := openai.Encode(model, req)
	if err != nil {
		return canon.Response{}, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return canon.Response{}, err
	}
	httpReq, err := p.newRequest(ctx, ep, body)
	if err != nil {
		return canon.Response{}, err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return canon.Response{}, canon.NewProviderError("ollama", "chat.completions", 0, canon.ProviderErrorUnavailable, "", err.Error(), "", true, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return canon.Response{}, err
	}
	if resp.StatusCode >= 400 {
		return canon.Response{}, classifyError(resp.StatusCode, resp.Header, payload)
	}
	var raw chatCompletion
	if err := json.Unmarshal(payload, &raw); err != nil {
		return canon.Response{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	return decode(raw), nil
}

// Stream issues a streaming chat completion call against the same endpoint
// with stream:true, parsing the resulting SSE body.
func (p *Provider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	params, err := openai.Encode(model, req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions.IncludeUsage = nil
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	body["stream"] = true
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, ep, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, canon.NewProviderError("ollama", "chat.completions", 0, canon.ProviderErrorUnavailable, "", err.Error(), "", true, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		return nil, classifyError(resp.StatusCode, resp.Header, payload)
	}
	return newStreamer(ctx, resp.Body), nil
}

// chatCompletion mirrors the OpenAI-compatible response shape Ollama
// returns, except ToolCall.Function.Arguments is raw JSON: Ollama sometimes
// emits the arguments as an object rather than a string-encoded object.
type chatCompletion struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		DoneReason   string `json:"done_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// argumentsString normalizes a tool call's arguments to the string-encoded
// JSON object canon.ToolCallFunction expects, regardless of whether Ollama
// sent a JSON string or a bare JSON object for it.
func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}

func decode(resp chatCompletion) canon.Response {
	choices := make([]canon.Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := canon.Message{Role: canon.RoleAssistant}
		if c.Message.Content != "" {
			msg.Content = &canon.Content{Text: c.Message.Content}
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, canon.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: canon.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: argumentsString(tc.Function.Arguments),
				},
			})
		}
		reason := c.FinishReason
		if reason == "" {
			reason = c.DoneReason
		}
		choices = append(choices, canon.Choice{
			Index:        c.Index,
			Message:      &msg,
			FinishReason: mapFinishReason(reason),
		})
	}
	return canon.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: canon.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Meta: canon.ResponseMeta{Provider: "ollama"},
	}
}

// mapFinishReason handles both the standard OpenAI finish_reason values and
// Ollama's native done_reason strings ("stop", "length", "unload").
func mapFinishReason(reason string) canon.FinishReason {
	if reason == "unload" {
		return canon.FinishStop
	}
	return openai.MapFinishReason(reason)
}

func classifyError(status int, header http.Header, body []byte) error {
	var errBody struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &errBody)
	msg := errBody.Error
	if msg == "" {
		msg = string(body)
	}
	kind := canon.ProviderErrorUnknown
	retryable := false
	switch {
	case status == 401 || status == 403:
		kind = canon.ProviderErrorAuth
	case status == 404:
		kind = canon.ProviderErrorInvalidRequest
	case status == 429:
		kind = canon.ProviderErrorRateLimited
		retryable = true
	case status >= 500:
		kind = canon.ProviderErrorUnavailable
		retryable = true
	case status >= 400:
		kind = canon.ProviderErrorInvalidRequest
	}
	perr := canon.NewProviderError("ollama", "chat.completions", status, kind, "", msg, "", retryable, fmt.Errorf("ollama: %s", msg))
	if kind == canon.ProviderErrorRateLimited {
		perr.RetryAfter = canon.ParseRetryAfterSeconds(header.Get("Retry-After"))
	}
	return perr
}
