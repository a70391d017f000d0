// Package codec defines the per-provider translation contract between
// Chronicle's canonical chat schema and each upstream wire format, plus the
// registry the dispatcher and alias resolver use to look providers up by name.
package codec

import (
	"context"
	"io"
	"sync"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/keyvault"
)

// Streamer yields canonical chunks one at a time, lazily decoded from an
// upstream SSE/event stream. Recv returns io.EOF once the stream is
// exhausted. Merged returns the full response assembled from every chunk
// emitted so far, used by the dispatcher to synthesize a log entry without
// buffering the raw upstream bytes.
type Streamer interface {
	Recv(ctx context.Context) (canon.Chunk, error)
	Close() error
	Merged() canon.Response
}

// Endpoint describes where and how to reach a specific provider deployment:
// either a well-known provider's default endpoint, or an admin-declared
// CustomProvider's URL/headers/format.
type Endpoint struct {
	BaseURL string
	Headers map[string]string
	Secret  keyvault.Secret
}

// Provider is the three-operation contract (§4.1) a codec package implements:
// encode+dispatch for a single call (Complete), and the streaming lazy
// sequence (Stream). Providers are expected to classify every failure as a
// *canon.ProviderError so the retry state machine can decide what to do next.
type Provider interface {
	// Name is the provider identifier used in alias tables and x-chronicle
	// routing ("openai", "anthropic", "bedrock", "ollama", or a custom name).
	Name() string
	Complete(ctx context.Context, model string, req canon.Request, ep Endpoint) (canon.Response, error)
	Stream(ctx context.Context, model string, req canon.Request, ep Endpoint) (Streamer, error)
}

// Registry looks providers up by name. It is populated once at startup and
// read concurrently afterwards; reads take a shared read lock, so they do
// not block each other.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under p.Name(), replacing any existing registration.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the provider registered under name and whether it exists.
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns every registered provider name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// drainStreamer fully consumes a Streamer, forwarding chunks to sink, useful
// for tests and for non-streaming callers that only want the merged result.
func drainStreamer(ctx context.Context, s Streamer, sink func(canon.Chunk)) (canon.Response, error) {
	defer s.Close()
	for {
		chunk, err := s.Recv(ctx)
		if err == io.EOF {
			return s.Merged(), nil
		}
		if err != nil {
			return canon.Response{}, err
		}
		if sink != nil {
			sink(chunk)
		}
	}
}

// Drain exhausts a Streamer and returns the merged canonical response,
// forwarding each chunk to sink as it arrives (sink may be nil).
func Drain(ctx context.Context, s Streamer, sink func(canon.Chunk)) (canon.Response, error) {
	return drainStreamer(ctx, s, sink)
}
