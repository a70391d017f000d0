// Package openai translates Chronicle's canonical chat schema into calls
// against the OpenAI Chat Completions API using the official
// github.com/openai/openai-go client. Ollama's OpenAI-compatible endpoint
// reuses this encode/decode shape from codec/ollama with its own quirks
// layered on top.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
)

// Provider implements codec.Provider for OpenAI Chat Completions v1.
type Provider struct{}

// New returns an OpenAI codec provider.
func New() *Provider { return &Provider{} }

// Name identifies this provider in alias tables and x-chronicle-provider.
func (p *Provider) Name() string { return "openai" }

func (p *Provider) client(ep codec.Endpoint) oai.Client {
	opts := []option.RequestOption{option.WithAPIKey(string(ep.Secret))}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for k, v := range ep.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return oai.NewClient(opts...)
}

// Complete issues a non-streaming chat completion call.
func (p *Provider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	params, err := Encode(model, req)
	if err != nil {
		return canon.Response{}, err
	}
	resp, err := p.client(ep).Chat.Completions.New(ctx, params)
	if err != nil {
		return canon.Response{}, classifyError(err)
	}
	return Decode(resp), nil
}

// Stream issues a streaming chat completion call.
func (p *Provider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	params, err := Encode(model, req)
	if err != nil {
		return nil, err
	}
	stream := p.client(ep).Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream), nil
}

// Encode maps a canonical request onto ChatCompletionNewParams. Exported so
// the ollama codec can reuse it against its own OpenAI-compatible endpoint.
func Encode(model string, req canon.Request) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = oai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = oai.Float(*req.TopP)
	}
	if req.Stream {
		params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

func encodeMessages(msgs []canon.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := ""
		if m.Content != nil {
			text = m.Content.Text
		}
		switch m.Role {
		case canon.RoleSystem:
			out = append(out, oai.SystemMessage(text))
		case canon.RoleUser:
			out = append(out, oai.UserMessage(text))
		case canon.RoleTool:
			out = append(out, oai.ToolMessage(text, m.ToolCallID))
		case canon.RoleAssistant:
			assistant := oai.ChatCompletionAssistantMessageParam{}
			if text != "" {
				assistant.Content = oai.ChatCompletionAssistantMessageParamContentUnion{OfString: oai.String(text)}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []canon.ToolDefinition) []oai.ChatCompletionToolParam {
	tools := make([]oai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if len(def.Function.Parameters) > 0 {
			_ = json.Unmarshal(def.Function.Parameters, &schema)
		}
		tools = append(tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Function.Name,
				Description: oai.String(def.Function.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return tools
}

// Decode maps an OpenAI ChatCompletion onto a canonical response.
func Decode(resp *oai.ChatCompletion) canon.Response {
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
				Function: canon.ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		choices = append(choices, canon.Choice{
			Index:        int(c.Index),
			Message:      &msg,
			FinishReason: MapFinishReason(string(c.FinishReason)),
		})
	}
	return canon.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: canon.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Meta: canon.ResponseMeta{Provider: "openai"},
	}
}

// MapFinishReason normalizes OpenAI's finish_reason into the closed enum.
// Exported so codec/ollama can reuse it for its OpenAI-compatible responses.
func MapFinishReason(reason string) canon.FinishReason {
	switch reason {
	case "stop":
		return canon.FinishStop
	case "length":
		return canon.FinishLength
	case "tool_calls", "function_call":
		return canon.FinishToolCalls
	case "content_filter":
		return canon.FinishContentFilter
	default:
		return canon.FinishStop
	}
}

func classifyError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		kind := canon.ProviderErrorUnknown
		retryable := false
		switch {
		case status == 401 || status == 403:
			kind = canon.ProviderErrorAuth
		case status == 429:
			kind = canon.ProviderErrorRateLimited
			retryable = true
		case status == 408 || status == 409 || status >= 500:
			kind = canon.ProviderErrorUnavailable
			retryable = true
		case status >= 400:
			kind = canon.ProviderErrorInvalidRequest
		}
		perr := canon.NewProviderError("openai", "chat.completions", status, kind, apiErr.Code, apiErr.Error(), apiErr.RequestID, retryable, err)
		if kind == canon.ProviderErrorRateLimited && apiErr.Response != nil {
			perr.RetryAfter = canon.ParseRetryAfterSeconds(apiErr.Response.Header.Get("Retry-After"))
		}
		return perr
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return canon.NewProviderError("openai", "chat.completions", 0, canon.ProviderErrorToolCallParse, "", err.Error(), "", true, err)
	}
	return canon.NewProviderError("openai", "chat.completions", 0, canon.ProviderErrorUnavailable, "", err.Error(), "", true, err)
}
