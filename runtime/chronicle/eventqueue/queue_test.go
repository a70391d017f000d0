package eventqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

type recordingPoster struct {
	mu      sync.Mutex
	batches []canon.EventBatch
	fail    bool
}

func (p *recordingPoster) Post(ctx context.Context, batch canon.EventBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assertErr
	}
	p.batches = append(p.batches, batch)
	return nil
}

var assertErr = &postError{}

type postError struct{}

func (*postError) Error() string { return "post failed" }

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func TestWriterDebouncesSmallBatches(t *testing.T) {
	poster := &recordingPoster{}
	w := NewWriter(poster, nil)
	ctx := context.Background()

	w.Enqueue(ctx, []canon.ChronicleEvent{{Type: "run:start"}})
	assert.Equal(t, 0, poster.count())

	require.Eventually(t, func() bool { return poster.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterFlushesImmediatelyOverThreshold(t *testing.T) {
	poster := &recordingPoster{}
	w := NewWriter(poster, nil)
	ctx := context.Background()

	events := make([]canon.ChronicleEvent, QueueThreshold+1)
	for i := range events {
		events[i] = canon.ChronicleEvent{Type: "step:start"}
	}
	w.Enqueue(ctx, events)

	require.Eventually(t, func() bool { return poster.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, poster.batches[0].Events, QueueThreshold+1)
}

func TestRegistryDisableIsNoOp(t *testing.T) {
	poster := &recordingPoster{}
	reg := NewRegistry(func(string) Poster { return poster }, nil)
	reg.Disable(true)
	reg.Enqueue(context.Background(), "https://example/events", []canon.ChronicleEvent{{Type: "run:start"}})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, poster.count())
}

func TestAwaitFlushedWaitsForPendingBatch(t *testing.T) {
	poster := &recordingPoster{}
	w := NewWriter(poster, nil)
	ctx := context.Background()
	w.Enqueue(ctx, []canon.ChronicleEvent{{Type: "run:start"}})

	require.NoError(t, w.AwaitFlushed(ctx))
	assert.Equal(t, 1, poster.count())
}
