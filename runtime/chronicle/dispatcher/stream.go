package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/alias"
	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/retry"
)

// ChatStream attempts a streaming chat completion. The retry/fallback
// machinery only governs attempts up to the point a stream is opened without
// an upstream HTTP error: once provider.Stream returns without error, the
// attempt is committed and no further retries happen, even before the first
// chunk arrives. Chunks are forwarded to send as they arrive; when the
// stream ends, the accumulated merged response is logged.
func (d *Dispatcher) ChatStream(ctx context.Context, org string, req canon.Request, send func(canon.Chunk) error) error {
	start := time.Now()
	attempts, err := d.resolver.Resolve(ctx, org, req)
	if err != nil {
		return chronerr.Wrap(chronerr.KindBadRequest, err)
	}
	if len(attempts) == 0 {
		return chronerr.New(chronerr.KindBadRequest, "no attempt candidates resolved")
	}

	policy := retry.Resolve(req.Options.Retry)
	var trail []chronerr.AttemptTrail
	var wasRateLimited bool
	attemptCount := 0
	providerIdx := 0
	triesForProvider := 0
	toolCallParseRetried := false

	for {
		attempt := attempts[providerIdx]
		provider, ep, model, err := d.resolveAttempt(ctx, org, attempt, req.Options)
		if err != nil {
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: err.Error()})
			providerIdx++
			triesForProvider = 0
			toolCallParseRetried = false
			if providerIdx >= len(attempts) {
				return d.failStream(ctx, org, req, start, attemptCount, wasRateLimited, trail, err)
			}
			continue
		}
		injectTraceparent(ctx, &ep)

		attemptCount++
		streamer, openErr := provider.Stream(ctx, model, req, ep)
		if openErr != nil {
			decision := retry.Decide(ctx, retry.State{Policy: policy, TriesForProvider: triesForProvider, HasMoreProviders: providerIdx < len(attempts)-1, ToolCallParseRetried: toolCallParseRetried}, openErr)
			if decision.WasRateLimited {
				wasRateLimited = true
			}
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: openErr.Error(), Delay: decision.Delay.String()})
			switch decision.Outcome {
			case retry.Wait:
				if decision.FreeRetry {
					toolCallParseRetried = true
				} else {
					triesForProvider++
				}
				if !sleep(ctx, decision.Delay) {
					return d.failStream(ctx, org, req, start, attemptCount, wasRateLimited, trail, ctx.Err())
				}
				continue
			case retry.NextProvider:
				providerIdx++
				triesForProvider = 0
				toolCallParseRetried = false
				if providerIdx >= len(attempts) {
					return d.failStream(ctx, org, req, start, attemptCount, wasRateLimited, trail, openErr)
				}
				continue
			default:
				return d.failStream(ctx, org, req, start, attemptCount, wasRateLimited, trail, openErr)
			}
		}

		// Stream opened without an upstream HTTP error: commit to this attempt.
		return d.drainCommitted(ctx, org, req, streamer, attempt, start, attemptCount, wasRateLimited, send)
	}
}

func (d *Dispatcher) drainCommitted(ctx context.Context, org string, req canon.Request, streamer codec.Streamer, attempt alias.Attempt, start time.Time, attempts int, wasRateLimited bool, send func(canon.Chunk) error) error {
	defer streamer.Close()
	for {
		chunk, err := streamer.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				merged := streamer.Merged()
				merged.Meta.WasRateLimited = wasRateLimited
				reqJSON, _ := json.Marshal(req)
				respJSON, _ := json.Marshal(merged)
				_ = d.sink.EnqueueLog(ctx, ProxyLogEntry{
					ID: canon.NewEventID(), Org: org, Provider: attempt.Provider, Model: attempt.Model,
					Attempts: attempts, WasRateLimited: wasRateLimited, Status: StatusOK,
					RequestJSON: reqJSON, ResponseJSON: respJSON,
					TotalLatencyMS: time.Since(start).Milliseconds(), CreatedAt: time.Now(),
				})
				return nil
			}
			finalErr := classifyFailure(err)
			d.logPartialStream(ctx, org, req, attempt, streamer, start, attempts, wasRateLimited, finalErr)
			return finalErr
		}
		if err := send(chunk); err != nil {
			// The caller disconnected mid-send (or its own callback failed);
			// either way the stream stops within this one buffered chunk, per
			// §8's cancellation scenario.
			finalErr := classifyFailure(err)
			d.logPartialStream(ctx, org, req, attempt, streamer, start, attempts, wasRateLimited, finalErr)
			return finalErr
		}
	}
}

// logPartialStream enqueues a log entry for a stream that ended before
// completion (cancelled or errored), carrying whatever merged content had
// been assembled from the chunks emitted so far.
func (d *Dispatcher) logPartialStream(ctx context.Context, org string, req canon.Request, attempt alias.Attempt, streamer codec.Streamer, start time.Time, attempts int, wasRateLimited bool, finalErr *chronerr.Error) {
	merged := streamer.Merged()
	merged.Meta.WasRateLimited = wasRateLimited
	reqJSON, _ := json.Marshal(req)
	respJSON, _ := json.Marshal(merged)
	_ = d.sink.EnqueueLog(ctx, ProxyLogEntry{
		ID: canon.NewEventID(), Org: org, Provider: attempt.Provider, Model: attempt.Model,
		Attempts: attempts, WasRateLimited: wasRateLimited, Status: statusFor(finalErr),
		RequestJSON: reqJSON, ResponseJSON: respJSON, Error: finalErr.Error(),
		TotalLatencyMS: time.Since(start).Milliseconds(), CreatedAt: time.Now(),
	})
}

func (d *Dispatcher) failStream(ctx context.Context, org string, req canon.Request, start time.Time, attempts int, wasRateLimited bool, trail []chronerr.AttemptTrail, cause error) error {
	reqJSON, _ := json.Marshal(req)
	finalErr := classifyFailure(cause)
	finalErr.Attempts = trail
	_ = d.sink.EnqueueLog(ctx, ProxyLogEntry{
		ID: canon.NewEventID(), Org: org, Attempts: attempts, WasRateLimited: wasRateLimited,
		Status:      statusFor(finalErr),
		RequestJSON: reqJSON, Error: finalErr.Error(),
		TotalLatencyMS: time.Since(start).Milliseconds(), CreatedAt: time.Now(),
	})
	return finalErr
}
