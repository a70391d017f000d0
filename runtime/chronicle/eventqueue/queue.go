// Package eventqueue implements the per-endpoint bounded buffer and
// idle/waiting/writing flush state machine that batches ChronicleEvents (and
// ProxyLogEntry-derived events) into periodic HTTP POSTs, per spec §4.5.
package eventqueue

import (
	"context"
	"sync"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// QueueThreshold is the pending-buffer length that forces an immediate
// flush regardless of the debounce timer.
const QueueThreshold = 500

// DebounceTime is how long an idle writer waits after its first enqueued
// event before flushing, to let a burst of events batch together.
const DebounceTime = 50 * time.Millisecond

type writerState int

const (
	stateIdle writerState = iota
	stateWaiting
	stateWriting
)

// Poster delivers one batch to its destination. Implementations wrap an
// HTTP client POSTing {"events": [...]} to a configured URL.
type Poster interface {
	Post(ctx context.Context, batch canon.EventBatch) error
}

// Writer owns the pending buffer and flush state machine for one endpoint
// URL. All mutation happens under mu; Enqueue/Flush/AwaitFlushed are the only
// external entry points, matching the teacher's single-mutex-owned-state
// convention (AdaptiveRateLimiter).
type Writer struct {
	poster Poster

	mu      sync.Mutex
	state   writerState
	pending []canon.ChronicleEvent
	timer   *time.Timer
	flushed chan struct{}

	onFlushErr func(error)
}

// NewWriter constructs a Writer posting batches via poster. onFlushErr, if
// non-nil, is called (not blocking the caller) whenever a flush POST fails;
// the batch is dropped either way, per the "log locally and drop" policy.
func NewWriter(poster Poster, onFlushErr func(error)) *Writer {
	return &Writer{poster: poster, state: stateIdle, flushed: make(chan struct{}), onFlushErr: onFlushErr}
}

// Enqueue appends events to the pending buffer. If the buffer exceeds
// QueueThreshold and the writer isn't already writing, it flushes
// immediately; otherwise, if idle, it schedules a flush after DebounceTime.
func (w *Writer) Enqueue(ctx context.Context, events []canon.ChronicleEvent) {
	w.mu.Lock()
	w.pending = append(w.pending, events...)
	over := len(w.pending) > QueueThreshold
	switch {
	case over && w.state != stateWriting:
		w.mu.Unlock()
		w.flush(ctx)
		return
	case w.state == stateIdle:
		w.state = stateWaiting
		w.timer = time.AfterFunc(DebounceTime, func() { w.flush(ctx) })
	}
	w.mu.Unlock()
}

// flush atomically takes the pending buffer and POSTs it as one batch. If
// new events arrive while the POST is in flight, they're picked up by the
// rescheduling check at the end.
func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	if w.state == stateWriting {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	w.state = stateWriting
	w.mu.Unlock()

	if len(batch) > 0 {
		if err := w.poster.Post(ctx, canon.EventBatch{Events: batch}); err != nil && w.onFlushErr != nil {
			w.onFlushErr(err)
		}
	}

	w.mu.Lock()
	w.state = stateIdle
	rest := len(w.pending)
	w.mu.Unlock()
	close(w.signalFlushed())

	if rest == 0 {
		return
	}
	if rest > QueueThreshold {
		w.flush(ctx)
		return
	}
	w.mu.Lock()
	if w.state == stateIdle {
		w.state = stateWaiting
		w.timer = time.AfterFunc(DebounceTime, func() { w.flush(ctx) })
	}
	w.mu.Unlock()
}

// signalFlushed swaps in a fresh "flushed" channel and returns the old one
// for closing, waking any AwaitFlushed callers blocked on this round.
func (w *Writer) signalFlushed() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.flushed
	w.flushed = make(chan struct{})
	return old
}

// AwaitFlushed blocks until the buffer is empty and not mid-flush, or ctx is
// cancelled. Used by graceful shutdown to drain pending events.
func (w *Writer) AwaitFlushed(ctx context.Context) error {
	for {
		w.mu.Lock()
		empty := len(w.pending) == 0 && w.state != stateWriting
		ch := w.flushed
		w.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
