package dispatcher

import (
	"context"
	"encoding/json"
	"time"
)

// Outcome statuses a ProxyLogEntry can carry, per §7/§8: a cancelled call
// still logs, carrying whatever partial response had been assembled.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// ProxyLogEntry is the record the dispatcher synthesizes for every chat
// call, regardless of outcome, and hands to a LogSink for async persistence.
type ProxyLogEntry struct {
	ID               string
	Org              string
	Provider         string
	Model            string
	Attempts         int
	WasRateLimited   bool
	Status           string
	RequestJSON      json.RawMessage
	ResponseJSON     json.RawMessage
	Error            string
	RequestLatencyMS int64
	TotalLatencyMS   int64
	CreatedAt        time.Time
}

// LogSink accepts a completed ProxyLogEntry for asynchronous persistence.
// The dispatcher never blocks the caller's response on this call succeeding;
// implementations (the event queue writer) own their own buffering/retry.
type LogSink interface {
	EnqueueLog(ctx context.Context, entry ProxyLogEntry) error
}

// NopLogSink discards log entries, used when no sink is configured.
type NopLogSink struct{}

func (NopLogSink) EnqueueLog(context.Context, ProxyLogEntry) error { return nil }
