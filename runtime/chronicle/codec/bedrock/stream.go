package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// streamOutput captures the subset of *bedrockruntime.ConverseStreamOutput
// used here.
type streamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// streamer adapts the Bedrock ConverseStream event channel into canonical
// chunks, draining it on a background goroutine the same way the teacher's
// bedrockStreamer does.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    streamOutput
	chunks chan canon.Chunk

	errMu sync.Mutex
	err   error

	mergedMu sync.Mutex
	merged   canon.Response
	textBuf  string
	toolID   string
	toolName string
	toolArgs string

	toolCalls []canon.ToolCall
}

func newStreamer(ctx context.Context, out streamOutput) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: sctx, cancel: cancel, out: out, chunks: make(chan canon.Chunk, 16)}
	s.merged = canon.Response{Object: "chat.completion", Choices: []canon.Choice{{Index: 0}}, Meta: canon.ResponseMeta{Provider: "bedrock"}}
	go s.run()
	return s
}

func (s *streamer) Recv(ctx context.Context) (canon.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.getErr(); err != nil {
				return canon.Chunk{}, err
			}
			return canon.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return canon.Chunk{}, ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.out.GetStream().Close()
}

func (s *streamer) Merged() canon.Response {
	s.mergedMu.Lock()
	defer s.mergedMu.Unlock()
	resp := s.merged
	if s.textBuf != "" || len(s.toolCalls) > 0 {
		msg := &canon.Message{Role: canon.RoleAssistant, ToolCalls: s.toolCalls}
		if s.textBuf != "" {
			msg.Content = &canon.Content{Text: s.textBuf}
		}
		resp.Choices[0].Message = msg
	}
	return resp
}

func (s *streamer) run() {
	defer close(s.chunks)
	stream := s.out.GetStream()
	for event := range stream.Events() {
		s.handle(event)
	}
	if err := stream.Err(); err != nil {
		s.setErr(classifyError(err))
	}
}

func (s *streamer) handle(event brtypes.ConverseStreamOutput) {
	switch v := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			s.mergedMu.Lock()
			s.toolID = aws.ToString(tu.Value.ToolUseId)
			s.toolName = aws.ToString(tu.Value.Name)
			s.mergedMu.Unlock()
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		s.handleDelta(v.Value.Delta)
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		s.flushToolCall()
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		reason := mapStopReason(v.Value.StopReason)
		s.mergedMu.Lock()
		s.merged.Choices[0].FinishReason = reason
		s.mergedMu.Unlock()
		s.emit(canon.Chunk{
			Object:  "chat.completion.chunk",
			Choices: []canon.Choice{{Index: 0, Delta: &canon.Message{}, FinishReason: reason}},
		})
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage != nil {
			s.mergedMu.Lock()
			s.merged.Usage = canon.Usage{
				PromptTokens:     int(aws.ToInt32(v.Value.Usage.InputTokens)),
				CompletionTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
				TotalTokens:      int(aws.ToInt32(v.Value.Usage.TotalTokens)),
			}
			s.mergedMu.Unlock()
		}
	}
}

func (s *streamer) handleDelta(delta brtypes.ContentBlockDelta) {
	switch v := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		s.mergedMu.Lock()
		s.textBuf += v.Value
		s.mergedMu.Unlock()
		s.emit(canon.Chunk{
			Object:  "chat.completion.chunk",
			Choices: []canon.Choice{{Index: 0, Delta: &canon.Message{Role: canon.RoleAssistant, Content: &canon.Content{Text: v.Value}}}},
		})
	case *brtypes.ContentBlockDeltaMemberToolUse:
		s.mergedMu.Lock()
		s.toolArgs += aws.ToString(v.Value.Input)
		s.mergedMu.Unlock()
	}
}

func (s *streamer) flushToolCall() {
	s.mergedMu.Lock()
	id, name, args := s.toolID, s.toolName, s.toolArgs
	s.toolID, s.toolName, s.toolArgs = "", "", ""
	s.mergedMu.Unlock()
	if name == "" {
		return
	}
	var parsed any
	if args != "" {
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			parsed = map[string]any{"raw": args}
		}
	}
	argBytes, _ := json.Marshal(parsed)
	call := canon.ToolCall{ID: id, Type: "function", Function: canon.ToolCallFunction{Name: name, Arguments: string(argBytes)}}
	s.mergedMu.Lock()
	s.toolCalls = append(s.toolCalls, call)
	s.merged.Choices[0].FinishReason = canon.FinishToolCalls
	s.mergedMu.Unlock()
	s.emit(canon.Chunk{
		Object:  "chat.completion.chunk",
		Choices: []canon.Choice{{Index: 0, Delta: &canon.Message{Role: canon.RoleAssistant, ToolCalls: []canon.ToolCall{call}}}},
	})
}

func (s *streamer) emit(chunk canon.Chunk) {
	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
