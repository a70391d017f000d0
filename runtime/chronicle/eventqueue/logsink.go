package eventqueue

import (
	"context"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/dispatcher"
)

// LogSink adapts a Registry into a dispatcher.LogSink, converting each
// ProxyLogEntry into a generic ChronicleEvent posted to the writer endpoint
// urlFor resolves for the entry's org. One Writer (and one batch) per org
// keeps a noisy tenant's backlog from delaying another's flush.
type LogSink struct {
	registry *Registry
	urlFor   func(org string) string
}

// NewLogSink returns a dispatcher.LogSink-compatible adapter. urlFor maps an
// org to the writer-registry endpoint its events batch onto; pass
// eventqueue.StoreURL for an in-process deployment that writes directly to
// the store, or a func returning a fixed external URL for one that POSTs to
// a separately-running Chronicle ingest endpoint.
func NewLogSink(registry *Registry, urlFor func(org string) string) *LogSink {
	return &LogSink{registry: registry, urlFor: urlFor}
}

// EnqueueLog implements dispatcher.LogSink.
func (s *LogSink) EnqueueLog(ctx context.Context, entry dispatcher.ProxyLogEntry) error {
	now := entry.CreatedAt
	data := map[string]any{
		"org":                entry.Org,
		"provider":           entry.Provider,
		"model":              entry.Model,
		"attempts":           entry.Attempts,
		"was_rate_limited":   entry.WasRateLimited,
		"status":             entry.Status,
		"request":            jsonOrNil(entry.RequestJSON),
		"response":           jsonOrNil(entry.ResponseJSON),
		"request_latency_ms": entry.RequestLatencyMS,
		"total_latency_ms":   entry.TotalLatencyMS,
	}
	var errPtr *string
	if entry.Error != "" {
		errPtr = &entry.Error
	}
	s.registry.Enqueue(ctx, s.urlFor(entry.Org), []canon.ChronicleEvent{{
		Type:  canon.EventChatCompleted,
		Time:  &now,
		Error: errPtr,
		Data:  data,
	}})
	return nil
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
