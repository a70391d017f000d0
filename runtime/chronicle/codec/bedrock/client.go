// Package bedrock translates Chronicle's canonical chat schema into SigV4
// signed calls against AWS Bedrock Runtime's Converse/ConverseStream APIs,
// using github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
)

// runtimeClient captures the subset of *bedrockruntime.Client used here, so
// tests can substitute a fake. It is an alias for the interface literal, so a
// package outside bedrock can declare an identical alias and build a
// ClientFactory with it.
type runtimeClient = interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// ClientFactory builds a runtime client for an endpoint, overriding
// the endpoint when ep.BaseURL is set (used by CustomProvider declarations
// that front Bedrock behind a VPC endpoint or proxy).
type ClientFactory func(ctx context.Context, ep codec.Endpoint) (runtimeClient, error)

// Provider implements codec.Provider for AWS Bedrock Runtime.
type Provider struct {
	newClient ClientFactory
}

// New returns a Bedrock codec provider. factory is typically
// bedrockruntime.NewFromConfig wrapped to honor per-call endpoint overrides;
// tests supply a fake.
func New(factory ClientFactory) *Provider {
	return &Provider{newClient: factory}
}

// Name identifies this provider in alias tables and x-chronicle-provider.
func (p *Provider) Name() string { return "bedrock" }

// Complete issues a Converse call and decodes the response.
func (p *Provider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	client, err := p.newClient(ctx, ep)
	if err != nil {
		return canon.Response{}, fmt.Errorf("bedrock: build client: %w", err)
	}
	input, err := encodeConverse(model, req)
	if err != nil {
		return canon.Response{}, err
	}
	out, err := client.Converse(ctx, input)
	if err != nil {
		return canon.Response{}, classifyError(err)
	}
	return decode(out), nil
}

// Stream issues a ConverseStream call and adapts the event stream.
func (p *Provider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	client, err := p.newClient(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build client: %w", err)
	}
	input, err := encodeConverseStream(model, req)
	if err != nil {
		return nil, err
	}
	out, err := client.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, out), nil
}

func encodeConverse(model string, req canon.Request) (*bedrockruntime.ConverseInput, error) {
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig(req),
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeToolConfig(req.Tools, req.ToolChoice)
	}
	return input, nil
}

func encodeConverseStream(model string, req canon.Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig(req),
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeToolConfig(req.Tools, req.ToolChoice)
	}
	return input, nil
}

func inferenceConfig(req canon.Request) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{}
	set := false
	if req.MaxTokens != nil {
		v := int32(*req.MaxTokens)
		cfg.MaxTokens = &v
		set = true
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
		set = true
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

func encodeMessages(msgs []canon.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, 1)
	for _, m := range msgs {
		if m.Role == canon.RoleSystem {
			if m.Content != nil && m.Content.Text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content.Text})
			}
			continue
		}
		if m.Role == canon.RoleTool {
			content := ""
			if m.Content != nil {
				content = m.Content.Text
			}
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolResult{
						Value: brtypes.ToolResultBlock{
							ToolUseId: aws.String(m.ToolCallID),
							Content: []brtypes.ToolResultContentBlock{
								&brtypes.ToolResultContentBlockMemberText{Value: content},
							},
						},
					},
				},
			})
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
		if m.Content != nil && m.Content.Text != "" {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content.Text})
		}
		for _, tc := range m.ToolCalls {
			var input any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = map[string]any{"raw": tc.Function.Arguments}
				}
			}
			doc, err := smithyDocument(input)
			if err != nil {
				return nil, nil, err
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
					Input:     doc,
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == canon.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolConfig(defs []canon.ToolDefinition, choice *canon.ToolChoice) *brtypes.ToolConfiguration {
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if len(def.Function.Parameters) > 0 {
			_ = json.Unmarshal(def.Function.Parameters, &schema)
		}
		doc, _ := smithyDocument(schema)
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(def.Function.Name),
				Description: aws.String(def.Function.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: doc},
			},
		})
	}
	cfg := &brtypes.ToolConfiguration{Tools: tools}
	if choice != nil {
		switch choice.Mode {
		case "required":
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{}
		case "function":
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Function)}}
		}
	}
	return cfg
}

func decode(out *bedrockruntime.ConverseOutput) canon.Response {
	assistant := canon.Message{Role: canon.RoleAssistant}
	var toolCalls []canon.ToolCall
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var text string
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				args, _ := json.Marshal(v.Value.Input)
				toolCalls = append(toolCalls, canon.ToolCall{
					ID:   aws.ToString(v.Value.ToolUseId),
					Type: "function",
					Function: canon.ToolCallFunction{Name: aws.ToString(v.Value.Name), Arguments: string(args)},
				})
			}
		}
		if text != "" {
			assistant.Content = &canon.Content{Text: text}
		}
		assistant.ToolCalls = toolCalls
	}
	usage := canon.Usage{}
	if out.Usage != nil {
		usage = canon.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return canon.Response{
		Object: "chat.completion",
		Choices: []canon.Choice{{
			Index:        0,
			Message:      &assistant,
			FinishReason: mapStopReason(out.StopReason),
		}},
		Usage: usage,
		Meta:  canon.ResponseMeta{Provider: "bedrock"},
	}
}

func mapStopReason(reason brtypes.StopReason) canon.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return canon.FinishStop
	case brtypes.StopReasonMaxTokens:
		return canon.FinishLength
	case brtypes.StopReasonToolUse:
		return canon.FinishToolCalls
	case brtypes.StopReasonContentFiltered, brtypes.StopReasonGuardrailIntervened:
		return canon.FinishContentFilter
	default:
		return canon.FinishStop
	}
}

func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := canon.ProviderErrorUnknown
		retryable := false
		status := 0
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			status = respErr.Response.StatusCode
		}
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			kind = canon.ProviderErrorRateLimited
			retryable = true
		case "ValidationException", "ModelErrorException":
			kind = canon.ProviderErrorInvalidRequest
		case "AccessDeniedException", "UnrecognizedClientException":
			kind = canon.ProviderErrorAuth
		case "ServiceUnavailableException", "ModelTimeoutException", "InternalServerException":
			kind = canon.ProviderErrorUnavailable
			retryable = true
		default:
			if status >= 500 {
				kind = canon.ProviderErrorUnavailable
				retryable = true
			}
		}
		perr := canon.NewProviderError("bedrock", "converse", status, kind, apiErr.ErrorCode(), apiErr.ErrorMessage(), "", retryable, err)
		if kind == canon.ProviderErrorRateLimited && respErr != nil {
			perr.RetryAfter = canon.ParseRetryAfterSeconds(respErr.Response.Header.Get("Retry-After"))
		}
		return perr
	}
	return canon.NewProviderError("bedrock", "converse", 0, canon.ProviderErrorUnavailable, "", err.Error(), "", true, err)
}

// smithyDocument wraps an arbitrary JSON-able value for smithy's open Document
// type, used for tool_use input/schema, via a round-trip through its
// lazy JSON document implementation.
func smithyDocument(v any) (brtypes.Document, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal document: %w", err)
	}
	return smithydocumentjson{raw: raw}, nil
}

// smithydocumentjson is a minimal smithy Document implementation backed by
// pre-marshaled JSON, avoiding a dependency on the SDK's internal document
// constructor helpers.
type smithydocumentjson struct{ raw []byte }

func (d smithydocumentjson) UnmarshalSmithyDocument(v any) error { return json.Unmarshal(d.raw, v) }
func (d smithydocumentjson) MarshalSmithyDocument() ([]byte, error) { return d.raw, nil }
