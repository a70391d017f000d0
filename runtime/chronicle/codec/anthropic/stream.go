package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// streamer adapts an Anthropic SSE event union stream into canonical chunks,
// draining the upstream stream on a background goroutine exactly as the
// teacher's anthropicStreamer does, and accumulating a merged response for
// logging as chunks are emitted.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan canon.Chunk

	errMu sync.Mutex
	err   error

	mergedMu  sync.Mutex
	merged    canon.Response
	textBuf   string
	toolBuf   map[int]*toolBuffer
	toolCalls []canon.ToolCall
}

type toolBuffer struct {
	id     string
	name   string
	argBuf string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    sctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan canon.Chunk, 16),
		toolBuf: make(map[int]*toolBuffer),
	}
	s.merged = canon.Response{Object: "chat.completion", Choices: []canon.Choice{{Index: 0}}}
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
	return s.stream.Close()
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
	for s.stream.Next() {
		event := s.stream.Current()
		s.handle(event)
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classifyError(err))
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) {
	switch v := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.mergedMu.Lock()
		s.merged.ID = v.Message.ID
		s.merged.Model = string(v.Message.Model)
		s.mergedMu.Unlock()
	case sdk.ContentBlockStartEvent:
		if v.ContentBlock.Type == "tool_use" {
			s.mergedMu.Lock()
			s.toolBuf[int(v.Index)] = &toolBuffer{id: v.ContentBlock.ID, name: v.ContentBlock.Name}
			s.mergedMu.Unlock()
		}
	case sdk.ContentBlockDeltaEvent:
		s.handleDelta(v)
	case sdk.ContentBlockStopEvent:
		s.flushToolCall(int(v.Index))
	case sdk.MessageDeltaEvent:
		reason := mapStopReason(string(v.Delta.StopReason))
		s.mergedMu.Lock()
		s.merged.Choices[0].FinishReason = reason
		s.merged.Usage.CompletionTokens = int(v.Usage.OutputTokens)
		s.merged.Usage.TotalTokens = s.merged.Usage.PromptTokens + s.merged.Usage.CompletionTokens
		s.mergedMu.Unlock()
		s.emit(canon.Chunk{
			ID:     s.merged.ID,
			Object: "chat.completion.chunk",
			Choices: []canon.Choice{{
				Index:        0,
				Delta:        &canon.Message{},
				FinishReason: reason,
			}},
		})
	case sdk.MessageStopEvent:
		// no-op: terminal chunk already emitted by the preceding MessageDeltaEvent
	}
}

func (s *streamer) handleDelta(v sdk.ContentBlockDeltaEvent) {
	switch delta := v.Delta.AsAny().(type) {
	case sdk.TextDelta:
		s.mergedMu.Lock()
		s.textBuf += delta.Text
		s.mergedMu.Unlock()
		s.emit(canon.Chunk{
			ID:     s.merged.ID,
			Object: "chat.completion.chunk",
			Choices: []canon.Choice{{
				Index: 0,
				Delta: &canon.Message{Role: canon.RoleAssistant, Content: &canon.Content{Text: delta.Text}},
			}},
		})
	case sdk.InputJSONDelta:
		s.mergedMu.Lock()
		if tb, ok := s.toolBuf[int(v.Index)]; ok {
			tb.argBuf += delta.PartialJSON
		}
		s.mergedMu.Unlock()
	}
}

func (s *streamer) flushToolCall(index int) {
	s.mergedMu.Lock()
	tb, ok := s.toolBuf[index]
	if ok {
		delete(s.toolBuf, index)
	}
	s.mergedMu.Unlock()
	if !ok || tb.name == "" {
		return
	}
	var args any
	if tb.argBuf != "" {
		if err := json.Unmarshal([]byte(tb.argBuf), &args); err != nil {
			args = map[string]any{"raw": tb.argBuf}
		}
	}
	argBytes, _ := json.Marshal(args)
	call := canon.ToolCall{
		ID:   tb.id,
		Type: "function",
		Function: canon.ToolCallFunction{Name: tb.name, Arguments: string(argBytes)},
	}
	s.mergedMu.Lock()
	s.toolCalls = append(s.toolCalls, call)
	s.merged.Choices[0].FinishReason = canon.FinishToolCalls
	s.mergedMu.Unlock()
	s.emit(canon.Chunk{
		ID:     s.merged.ID,
		Object: "chat.completion.chunk",
		Choices: []canon.Choice{{
			Index: 0,
			Delta: &canon.Message{Role: canon.RoleAssistant, ToolCalls: []canon.ToolCall{call}},
		}},
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
