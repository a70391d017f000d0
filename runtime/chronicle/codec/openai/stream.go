package openai

import (
	"context"
	"io"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// streamer adapts an OpenAI chat-completion-chunk stream into canonical
// chunks, using the SDK's ChatCompletionAccumulator to assemble the merged
// response exactly the way it's meant to be used for logging purposes.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[oai.ChatCompletionChunk]
	chunks chan canon.Chunk

	errMu sync.Mutex
	err   error

	accMu sync.Mutex
	acc   oai.ChatCompletionAccumulator
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk]) *streamer {
	sctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: sctx, cancel: cancel, stream: stream, chunks: make(chan canon.Chunk, 16)}
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
	s.accMu.Lock()
	defer s.accMu.Unlock()
	return Decode(&oai.ChatCompletion{
		ID:      s.acc.ID,
		Object:  "chat.completion",
		Created: s.acc.Created,
		Model:   s.acc.Model,
		Choices: s.acc.Choices,
		Usage:   s.acc.Usage,
	})
}

func (s *streamer) run() {
	defer close(s.chunks)
	for s.stream.Next() {
		chunk := s.stream.Current()
		s.accMu.Lock()
		s.acc.AddChunk(chunk)
		s.accMu.Unlock()
		s.emitFromChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classifyError(err))
	}
}

func (s *streamer) emitFromChunk(chunk oai.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	delta := &canon.Message{}
	if choice.Delta.Content != "" {
		delta.Role = canon.RoleAssistant
		delta.Content = &canon.Content{Text: choice.Delta.Content}
	}
	for _, tc := range choice.Delta.ToolCalls {
		delta.ToolCalls = append(delta.ToolCalls, canon.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: canon.ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	out := canon.Chunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
		Choices: []canon.Choice{{
			Index:        int(choice.Index),
			Delta:        delta,
			FinishReason: MapFinishReason(string(choice.FinishReason)),
		}},
	}
	if chunk.Usage.TotalTokens > 0 {
		out.Usage = &canon.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	select {
	case s.chunks <- out:
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
