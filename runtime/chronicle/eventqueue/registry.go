package eventqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Registry is the process-wide url -> Writer map. One Writer is created
// lazily per distinct event endpoint URL the process talks to.
type Registry struct {
	newPoster func(url string) Poster
	onErr     func(url string, err error)

	mu      sync.Mutex
	writers map[string]*Writer

	disabled atomic.Bool
}

// NewRegistry builds a Registry. newPoster constructs the Poster for a given
// endpoint URL (typically an HTTP client bound to that URL).
func NewRegistry(newPoster func(url string) Poster, onErr func(url string, err error)) *Registry {
	return &Registry{newPoster: newPoster, onErr: onErr, writers: make(map[string]*Writer)}
}

// Disable is the global kill-switch: once set, Enqueue becomes a no-op for
// every endpoint, without tearing down any writer state.
func (r *Registry) Disable(disabled bool) {
	r.disabled.Store(disabled)
}

func (r *Registry) writerFor(url string) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[url]
	if !ok {
		poster := r.newPoster(url)
		w = NewWriter(poster, func(err error) {
			if r.onErr != nil {
				r.onErr(url, err)
			}
		})
		r.writers[url] = w
	}
	return w
}

// Enqueue appends events onto the writer for url. A no-op when the registry
// is disabled.
func (r *Registry) Enqueue(ctx context.Context, url string, events []canon.ChronicleEvent) {
	if r.disabled.Load() {
		return
	}
	r.writerFor(url).Enqueue(ctx, events)
}

// AwaitFlushed drains every known writer, used by graceful shutdown.
func (r *Registry) AwaitFlushed(ctx context.Context) error {
	r.mu.Lock()
	writers := make([]*Writer, 0, len(r.writers))
	for _, w := range r.writers {
		writers = append(writers, w)
	}
	r.mu.Unlock()
	for _, w := range writers {
		if err := w.AwaitFlushed(ctx); err != nil {
			return err
		}
	}
	return nil
}
