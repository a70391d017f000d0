package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/alias"
	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/retry"
)

type fakeResolver struct {
	attempts []alias.Attempt
	err      error
}

func (f fakeResolver) Resolve(ctx context.Context, org string, req canon.Request) ([]alias.Attempt, error) {
	return f.attempts, f.err
}

type scriptedProvider struct {
	name    string
	results []func() (canon.Response, error)
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i]()
}

func (p *scriptedProvider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	return nil, errors.New("not implemented")
}

type recordingSink struct {
	entries []ProxyLogEntry
}

func (s *recordingSink) EnqueueLog(ctx context.Context, entry ProxyLogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestChatSucceedsOnFirstAttempt(t *testing.T) {
	registry := codec.NewRegistry()
	p := &scriptedProvider{name: "openai", results: []func() (canon.Response, error){
		func() (canon.Response, error) { return canon.Response{ID: "r1"}, nil },
	}}
	registry.Register(p)

	sink := &recordingSink{}
	d := New(registry, fakeResolver{attempts: []alias.Attempt{{Provider: "openai", Model: "gpt-4o"}}}, NewEndpointResolver(nil, nil), sink)

	resp, err := d.Chat(context.Background(), "org1", canon.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "openai", sink.entries[0].Provider)
}

func TestChatFailsWithoutFallbackOnTerminalAuthError(t *testing.T) {
	registry := codec.NewRegistry()
	bad := &scriptedProvider{name: "openai", results: []func() (canon.Response, error){
		func() (canon.Response, error) {
			return canon.Response{}, canon.NewProviderError("openai", "chat", 401, canon.ProviderErrorAuth, "", "bad key", "", false, nil)
		},
	}}
	good := &scriptedProvider{name: "anthropic", results: []func() (canon.Response, error){
		func() (canon.Response, error) { return canon.Response{ID: "r2"}, nil },
	}}
	registry.Register(bad)
	registry.Register(good)

	sink := &recordingSink{}
	attempts := []alias.Attempt{{Provider: "openai", Model: "gpt-4o"}, {Provider: "anthropic", Model: "claude-3-opus"}}
	d := New(registry, fakeResolver{attempts: attempts}, NewEndpointResolver(nil, nil), sink)

	_, err := d.Chat(context.Background(), "org1", canon.Request{Model: "gpt-4o"})
	// Terminal auth error fails outright per the retry state machine; it does
	// not advance to the next provider (only Retryable/RateLimited do).
	require.Error(t, err)
	assert.Equal(t, 0, good.calls)
}

func TestChatExhaustsAllAttemptsAndFails(t *testing.T) {
	registry := codec.NewRegistry()
	failing := func() (canon.Response, error) {
		return canon.Response{}, canon.NewProviderError("openai", "chat", 503, canon.ProviderErrorUnavailable, "", "down", "", true, nil)
	}
	flaky := &scriptedProvider{name: "openai", results: []func() (canon.Response, error){failing, failing, failing, failing}}
	registry.Register(flaky)

	sink := &recordingSink{}
	d := New(registry, fakeResolver{attempts: []alias.Attempt{{Provider: "openai", Model: "gpt-4o"}}}, NewEndpointResolver(nil, nil), sink)

	// Default MaxTries is 4: a single provider that always fails must be
	// called exactly 4 times, not 5, per §8's "dispatcher issues exactly
	// sum over providers(max_tries) requests".
	req := canon.Request{Model: "gpt-4o"}
	_, err := d.Chat(context.Background(), "org1", req)
	require.Error(t, err)
	assert.Equal(t, retry.Default.MaxTries, flaky.calls)
	require.Len(t, sink.entries, 1)
	assert.NotEmpty(t, sink.entries[0].Error)
}

// fakeStreamer emits one chunk then blocks until the caller's send callback
// errors (simulating a disconnect), never reaching io.EOF on its own.
type fakeStreamer struct {
	chunks []canon.Chunk
	merged canon.Response
}

func (f *fakeStreamer) Recv(ctx context.Context) (canon.Chunk, error) {
	if len(f.chunks) == 0 {
		<-ctx.Done()
		return canon.Chunk{}, ctx.Err()
	}
	c := f.chunks[0]
	f.chunks = f.chunks[1:]
	return c, nil
}

func (f *fakeStreamer) Close() error           { return nil }
func (f *fakeStreamer) Merged() canon.Response { return f.merged }

type streamingProvider struct {
	name     string
	streamer codec.Streamer
}

func (p *streamingProvider) Name() string { return p.name }

func (p *streamingProvider) Complete(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (canon.Response, error) {
	return canon.Response{}, errors.New("not implemented")
}

func (p *streamingProvider) Stream(ctx context.Context, model string, req canon.Request, ep codec.Endpoint) (codec.Streamer, error) {
	return p.streamer, nil
}

func TestChatStreamCancelledLogsCancelledStatus(t *testing.T) {
	registry := codec.NewRegistry()
	streamer := &fakeStreamer{
		chunks: []canon.Chunk{{ID: "c1"}},
		merged: canon.Response{ID: "partial", Choices: []canon.Choice{{Message: &canon.Message{}}}},
	}
	registry.Register(&streamingProvider{name: "anthropic", streamer: streamer})

	sink := &recordingSink{}
	d := New(registry, fakeResolver{attempts: []alias.Attempt{{Provider: "anthropic", Model: "claude-3-haiku"}}}, NewEndpointResolver(nil, nil), sink)

	ctx, cancel := context.WithCancel(context.Background())
	firstChunkSeen := false
	err := d.ChatStream(ctx, "org1", canon.Request{Model: "claude-3-haiku", Stream: true}, func(canon.Chunk) error {
		if !firstChunkSeen {
			firstChunkSeen = true
			cancel()
			return context.Canceled
		}
		return nil
	})

	require.Error(t, err)
	ce, ok := chronerr.As(err)
	require.True(t, ok)
	assert.Equal(t, chronerr.KindCancelled, ce.Kind)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, StatusCancelled, sink.entries[0].Status)
	assert.Contains(t, string(sink.entries[0].ResponseJSON), "partial")
}
