package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// streamChunk mirrors the OpenAI-compatible chat.completion.chunk shape,
// with the same raw-arguments quirk as chatCompletion: Ollama sometimes
// sends a tool call's arguments whole in a single chunk rather than
// incrementally across deltas.
type streamChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
		DoneReason   string `json:"done_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamer parses Ollama's SSE body on a background goroutine, same shape
// as the other provider streamers: a buffered channel of canonical chunks
// plus a mutex-guarded accumulator for the merged response used in logging.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	chunks chan canon.Chunk

	errMu sync.Mutex
	err   error

	mergedMu sync.Mutex
	merged   canon.Response
	textBuf  string
	toolBuf  map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args string
}

func newStreamer(ctx context.Context, body io.ReadCloser) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx: sctx, cancel: cancel, body: body,
		chunks:  make(chan canon.Chunk, 16),
		toolBuf: make(map[int]*pendingToolCall),
	}
	s.merged = canon.Response{Object: "chat.completion", Choices: []canon.Choice{{Index: 0}}, Meta: canon.ResponseMeta{Provider: "ollama"}}
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
	return s.body.Close()
}

func (s *streamer) Merged() canon.Response {
	s.mergedMu.Lock()
	defer s.mergedMu.Unlock()
	resp := s.merged
	if s.textBuf != "" {
		msg := canon.Message{Role: canon.RoleAssistant}
		if resp.Choices[0].Message != nil {
			msg = *resp.Choices[0].Message
		}
		msg.Content = &canon.Content{Text: s.textBuf}
		resp.Choices[0].Message = &msg
	}
	return resp
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.body.Close()
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		s.handle(chunk)
	}
	if err := scanner.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) handle(chunk streamChunk) {
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			s.mergedMu.Lock()
			s.merged.Usage = canon.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			s.mergedMu.Unlock()
		}
		return
	}
	choice := chunk.Choices[0]
	delta := &canon.Message{}
	if choice.Delta.Content != "" {
		delta.Role = canon.RoleAssistant
		delta.Content = &canon.Content{Text: choice.Delta.Content}
		s.mergedMu.Lock()
		s.textBuf += choice.Delta.Content
		s.mergedMu.Unlock()
	}
	for _, tc := range choice.Delta.ToolCalls {
		s.mergedMu.Lock()
		buf, ok := s.toolBuf[tc.Index]
		if !ok {
			buf = &pendingToolCall{}
			s.toolBuf[tc.Index] = buf
		}
		if tc.ID != "" {
			buf.id = tc.ID
		}
		if tc.Function.Name != "" {
			buf.name = tc.Function.Name
		}
		if args := argumentsString(tc.Function.Arguments); args != "" {
			buf.args += args
		}
		s.mergedMu.Unlock()
		delta.ToolCalls = append(delta.ToolCalls, canon.ToolCall{
			ID: tc.ID, Type: "function",
			Function: canon.ToolCallFunction{Name: tc.Function.Name, Arguments: argumentsString(tc.Function.Arguments)},
		})
	}

	reason := choice.FinishReason
	if reason == "" {
		reason = choice.DoneReason
	}
	finish := canon.FinishReason("")
	if reason != "" {
		finish = mapFinishReason(reason)
		s.flushToolCalls()
		s.mergedMu.Lock()
		s.merged.Choices[0].FinishReason = finish
		s.mergedMu.Unlock()
	}

	out := canon.Chunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
		Choices: []canon.Choice{{Index: choice.Index, Delta: delta, FinishReason: finish}},
	}
	select {
	case s.chunks <- out:
	case <-s.ctx.Done():
	}
}

// flushToolCalls reconciles the merged response's assistant message with
// any tool calls accumulated across chunks, in case a caller only inspects
// Merged() rather than following the delta stream.
func (s *streamer) flushToolCalls() {
	s.mergedMu.Lock()
	defer s.mergedMu.Unlock()
	if len(s.toolBuf) == 0 {
		return
	}
	if s.merged.Choices[0].Message == nil {
		s.merged.Choices[0].Message = &canon.Message{Role: canon.RoleAssistant}
	}
	for i := 0; i < len(s.toolBuf); i++ {
		buf, ok := s.toolBuf[i]
		if !ok {
			continue
		}
		s.merged.Choices[0].Message.ToolCalls = append(s.merged.Choices[0].Message.ToolCalls, canon.ToolCall{
			ID: buf.id, Type: "function",
			Function: canon.ToolCallFunction{Name: buf.name, Arguments: buf.args},
		})
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
