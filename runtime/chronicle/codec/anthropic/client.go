// Package anthropic translates Chronicle's canonical chat schema into calls
// against the Anthropic Claude Messages API, using the official
// github.com/anthropics/anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/keyvault"
)

const apiVersionHeader = "2023-06-01"

// messagesClient captures the subset of the Anthropic SDK used here, so tests
// can substitute a fake without a live API key.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements codec.Provider for Anthropic Messages v1. defaultMaxTokens
// supplies the codec-default max_tokens the spec requires when a canonical
// request omits one.
type Provider struct {
	defaultMaxTokens int
}

// New returns an Anthropic codec provider. defaultMaxTokens is used whenever a
// canonical request does not specify max_tokens, since Anthropic requires the
// field on every call.
func New(defaultMaxTokens int) *Provider {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	return &Provider{defaultMaxTokens: defaultMaxTokens}
}

// Name identifies this provider in alias tables and x-chronicle-provider.
func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) client(ep codec.Endpoint) messagesClient {
	opts := []option.RequestOption{option.WithAPIKey(string(ep.Secret))}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for k, v := range ep.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	opts = append(opts, option.WithHeader("anthropic-version", apiVersionHeader))
	c := sdk.NewClient(opts...)
	return &c.Messages
}

// Complete issues a non-streaming Messages.New call and decodes the response
// into a canonical chat completion.
func (p *Provider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	params, err := p.encode(model, req)
	if err != nil {
		return canon.Response{}, err
	}
	msg, err := p.client(ep).New(ctx, params)
	if err != nil {
		return canon.Response{}, classifyError(err)
	}
	return decode(msg), nil
}

// Stream issues Messages.NewStreaming and adapts the SSE event union into
// canonical chunks.
func (p *Provider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	params, err := p.encode(model, req)
	if err != nil {
		return nil, err
	}
	stream := p.client(ep).NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream), nil
}

func (p *Provider) encode(model string, req canon.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := p.defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(*req.ToolChoice)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

// encodeMessages consolidates the canonical system message (if any) into a
// top-level system field, maps tool-result content into user messages with
// tool_result blocks, and everything else into user/assistant blocks.
func encodeMessages(msgs []canon.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m.Role == canon.RoleSystem {
			if m.Content != nil && m.Content.Text != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content.Text})
			}
			continue
		}
		if m.Role == canon.RoleTool {
			content := ""
			if m.Content != nil {
				content = m.Content.Text
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, content, false)))
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
		if m.Content != nil && m.Content.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content.Text))
		}
		for _, tc := range m.ToolCalls {
			var input any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = map[string]any{"raw": tc.Function.Arguments}
				}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case canon.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case canon.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []canon.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if len(def.Function.Parameters) > 0 {
			if err := json.Unmarshal(def.Function.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Function.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Function.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Function.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func encodeToolChoice(choice canon.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", "auto":
		return sdk.ToolChoiceUnionParam{}, nil
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case "required":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case "function":
		if choice.Function == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: forced tool choice requires a function name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Function), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool_choice mode %q", choice.Mode)
	}
}

// decode maps an Anthropic Message onto a canonical chat completion.
func decode(msg *sdk.Message) canon.Response {
	assistant := canon.Message{Role: canon.RoleAssistant}
	var toolCalls []canon.ToolCall
	var text string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, canon.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: canon.ToolCallFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}
	if text != "" {
		assistant.Content = &canon.Content{Text: text}
	}
	assistant.ToolCalls = toolCalls

	finish := mapStopReason(string(msg.StopReason))

	return canon.Response{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  string(msg.Model),
		Choices: []canon.Choice{{
			Index:        0,
			Message:      &assistant,
			FinishReason: finish,
		}},
		Usage: canon.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Meta: canon.ResponseMeta{
			Provider: "anthropic",
			ResponseMeta: map[string]any{
				"stop_sequence": msg.StopSequence,
			},
		},
	}
}

// mapStopReason normalizes Anthropic's stop_reason into the closed
// finish_reason enum.
func mapStopReason(reason string) canon.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return canon.FinishStop
	case "max_tokens":
		return canon.FinishLength
	case "tool_use":
		return canon.FinishToolCalls
	default:
		return canon.FinishStop
	}
}

func classifyError(err error) error {
	var apiErr *sdk.Error
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
		perr := canon.NewProviderError("anthropic", "messages.new", status, kind, "", apiErr.Error(), apiErr.RequestID, retryable, err)
		if kind == canon.ProviderErrorRateLimited && apiErr.Response != nil {
			perr.RetryAfter = canon.ParseRetryAfterSeconds(apiErr.Response.Header.Get("Retry-After"))
		}
		return perr
	}
	return canon.NewProviderError("anthropic", "messages.new", 0, canon.ProviderErrorUnavailable, "", err.Error(), "", true, err)
}

// Secret re-exports keyvault.Secret, the type of Endpoint.Secret, so callers
// constructing an Endpoint don't need to import keyvault directly just to
// name the type.
type Secret = keyvault.Secret
