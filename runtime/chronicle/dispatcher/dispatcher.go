// Package dispatcher is the single entry point for a chat call: it resolves
// the alias attempt list, drives the retry/fallback state machine across
// attempts, invokes the codec registry, and synthesizes a log entry for
// asynchronous persistence. Modeled on the teacher's gateway.Server
// middleware-chain shape, generalized from a single fixed provider to an
// ordered multi-attempt, multi-provider loop.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chronicle.dev/chronicle/runtime/chronicle/alias"
	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
	"chronicle.dev/chronicle/runtime/chronicle/codec"
	"chronicle.dev/chronicle/runtime/chronicle/retry"
)

// AliasResolver expands a request into an ordered attempt list. Satisfied by
// *alias.Resolver.
type AliasResolver interface {
	Resolve(ctx context.Context, org string, req canon.Request) ([]alias.Attempt, error)
}

// Dispatcher orchestrates chat and chat_stream calls.
type Dispatcher struct {
	registry        *codec.Registry
	resolver        AliasResolver
	endpoints       *EndpointResolver
	sink            LogSink
	customProviders CustomProviderStore
}

// New constructs a Dispatcher. sink may be nil, in which case log entries
// are discarded.
func New(registry *codec.Registry, resolver AliasResolver, endpoints *EndpointResolver, sink LogSink) *Dispatcher {
	if sink == nil {
		sink = NopLogSink{}
	}
	return &Dispatcher{registry: registry, resolver: resolver, endpoints: endpoints, sink: sink}
}

// WithCustomProviders attaches the admin-declared CustomProvider lookup, so
// attempt.Provider values outside the fixed codec registrations (e.g. an org's
// "groq" row) resolve through it. Returns d for chaining at construction time.
func (d *Dispatcher) WithCustomProviders(store CustomProviderStore) *Dispatcher {
	d.customProviders = store
	return d
}

// resolveAttempt locates the codec.Provider, endpoint, and effective model
// name for one attempt. attempt.Provider is tried first as a fixed registry
// name (openai, anthropic, bedrock, ollama); if that misses, it is looked up
// as an org-scoped CustomProvider (spec §3), and the codec registered under
// its declared wire format handles the call against the custom row's own
// url/headers/secret. attempt.Provider itself still names the call in logs
// and the retry trail either way.
func (d *Dispatcher) resolveAttempt(ctx context.Context, org string, attempt alias.Attempt, opts canon.RequestOptions) (codec.Provider, codec.Endpoint, string, error) {
	if provider, ok := d.registry.Lookup(attempt.Provider); ok {
		ep, err := d.endpoints.Resolve(ctx, org, attempt, opts)
		return provider, ep, attempt.Model, err
	}
	if d.customProviders == nil {
		return nil, codec.Endpoint{}, "", fmt.Errorf("dispatcher: unknown provider %q", attempt.Provider)
	}
	cp, ok, err := d.customProviders.CustomProviderByName(ctx, org, attempt.Provider)
	if err != nil {
		return nil, codec.Endpoint{}, "", err
	}
	if !ok {
		return nil, codec.Endpoint{}, "", fmt.Errorf("dispatcher: unknown provider %q", attempt.Provider)
	}
	provider, ok := d.registry.Lookup(string(cp.Format))
	if !ok {
		return nil, codec.Endpoint{}, "", fmt.Errorf("dispatcher: custom provider %q declares unsupported format %q", attempt.Provider, cp.Format)
	}
	ep, err := d.endpoints.ResolveCustom(ctx, org, cp, opts)
	if err != nil {
		return nil, codec.Endpoint{}, "", err
	}
	model := attempt.Model
	if cp.Prefix != "" {
		model = cp.Prefix + model
	}
	return provider, ep, model, nil
}

// attemptResult is what one codec.Provider call yields, success or failure.
type attemptResult struct {
	provider   string
	model      string
	attemptErr error
	latency    time.Duration
}

// Chat attempts a non-streaming chat completion, retrying and falling back
// across the alias resolver's attempt list per the retry policy, and
// enqueues exactly one log entry.
func (d *Dispatcher) Chat(ctx context.Context, org string, req canon.Request) (canon.Response, error) {
	start := time.Now()
	attempts, err := d.resolver.Resolve(ctx, org, req)
	if err != nil {
		return canon.Response{}, chronerr.Wrap(chronerr.KindBadRequest, err)
	}
	if len(attempts) == 0 {
		return canon.Response{}, chronerr.New(chronerr.KindBadRequest, "no attempt candidates resolved")
	}

	policy := retry.Resolve(req.Options.Retry)
	var trail []chronerr.AttemptTrail
	var wasRateLimited bool
	attemptCount := 0
	providerIdx := 0
	triesForProvider := 0
	toolCallParseRetried := false

	var lastAttemptLatency time.Duration

	for {
		attempt := attempts[providerIdx]
		provider, ep, model, err := d.resolveAttempt(ctx, org, attempt, req.Options)
		if err != nil {
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: err.Error()})
			toolCallParseRetried = false
			if res, done := d.advanceOrFail(&providerIdx, &triesForProvider, attempts); done {
				return d.fail(ctx, org, req, start, attemptCount, wasRateLimited, trail, res)
			}
			continue
		}
		injectTraceparent(ctx, &ep)

		attemptCount++
		attemptStart := time.Now()
		timeout := req.Options.Timeout()
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, callErr := provider.Complete(attemptCtx, model, req, ep)
		if cancel != nil {
			cancel()
		}
		lastAttemptLatency = time.Since(attemptStart)

		decision := retry.Decide(ctx, retry.State{Policy: policy, TriesForProvider: triesForProvider, HasMoreProviders: providerIdx < len(attempts)-1, ToolCallParseRetried: toolCallParseRetried}, callErr)
		if decision.WasRateLimited {
			wasRateLimited = true
		}

		switch decision.Outcome {
		case retry.Success:
			resp.Meta.WasRateLimited = wasRateLimited
			_ = d.logSuccess(ctx, org, req, resp, attempt, start, lastAttemptLatency, attemptCount, wasRateLimited)
			return resp, nil
		case retry.Wait:
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: errMsg(callErr), Delay: decision.Delay.String()})
			if decision.FreeRetry {
				toolCallParseRetried = true
			} else {
				triesForProvider++
			}
			if !sleep(ctx, decision.Delay) {
				return d.fail(ctx, org, req, start, attemptCount, wasRateLimited, trail, ctx.Err())
			}
		case retry.NextProvider:
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: errMsg(callErr)})
			providerIdx++
			triesForProvider = 0
			toolCallParseRetried = false
			if providerIdx >= len(attempts) {
				return d.fail(ctx, org, req, start, attemptCount, wasRateLimited, trail, callErr)
			}
		case retry.Fail:
			trail = append(trail, chronerr.AttemptTrail{Provider: attempt.Provider, Reason: errMsg(callErr)})
			return d.fail(ctx, org, req, start, attemptCount, wasRateLimited, trail, callErr)
		}
	}
}

func (d *Dispatcher) advanceOrFail(providerIdx, triesForProvider *int, attempts []alias.Attempt) (error, bool) {
	*providerIdx++
	*triesForProvider = 0
	if *providerIdx >= len(attempts) {
		return errors.New("dispatcher: all attempts exhausted"), true
	}
	return nil, false
}

func (d *Dispatcher) logSuccess(ctx context.Context, org string, req canon.Request, resp canon.Response, attempt alias.Attempt, start time.Time, attemptLatency time.Duration, attempts int, wasRateLimited bool) error {
	reqJSON, _ := json.Marshal(req)
	respJSON, _ := json.Marshal(resp)
	return d.sink.EnqueueLog(ctx, ProxyLogEntry{
		ID:               canon.NewEventID(),
		Org:              org,
		Provider:         attempt.Provider,
		Model:            attempt.Model,
		Attempts:         attempts,
		WasRateLimited:   wasRateLimited,
		Status:           StatusOK,
		RequestJSON:      reqJSON,
		ResponseJSON:     respJSON,
		RequestLatencyMS: attemptLatency.Milliseconds(),
		TotalLatencyMS:   time.Since(start).Milliseconds(),
		CreatedAt:        time.Now(),
	})
}

func (d *Dispatcher) fail(ctx context.Context, org string, req canon.Request, start time.Time, attempts int, wasRateLimited bool, trail []chronerr.AttemptTrail, cause error) (canon.Response, error) {
	reqJSON, _ := json.Marshal(req)
	finalErr := classifyFailure(cause)
	finalErr.Attempts = trail
	_ = d.sink.EnqueueLog(ctx, ProxyLogEntry{
		ID:             canon.NewEventID(),
		Org:            org,
		Attempts:       attempts,
		WasRateLimited: wasRateLimited,
		Status:         statusFor(finalErr),
		RequestJSON:    reqJSON,
		Error:          finalErr.Error(),
		TotalLatencyMS: time.Since(start).Milliseconds(),
		CreatedAt:      time.Now(),
	})
	return canon.Response{}, finalErr
}

// classifyFailure converts a raw attempt-loop cause into a chronerr.Error,
// recognizing caller cancellation (context.Canceled) as KindCancelled rather
// than an upstream failure: the caller already closed the connection, so
// there is no response to surface, but the call still logs.
func classifyFailure(cause error) *chronerr.Error {
	if cause == nil {
		return chronerr.New(chronerr.KindUpstreamTerminal, "all attempts exhausted")
	}
	if errors.Is(cause, context.Canceled) {
		return chronerr.Wrap(chronerr.KindCancelled, cause)
	}
	if ce, ok := chronerr.As(cause); ok {
		return ce
	}
	return chronerr.Wrap(chronerr.KindUpstreamTerminal, cause)
}

func statusFor(e *chronerr.Error) string {
	if e.Kind == chronerr.KindCancelled {
		return StatusCancelled
	}
	return StatusError
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sleep waits for d, returning false if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// injectTraceparent sets a W3C traceparent header on the endpoint when ctx
// carries an active, sampled span, so the upstream provider call can be
// correlated with the caller's trace.
func injectTraceparent(ctx context.Context, ep *codec.Endpoint) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	if ep.Headers == nil {
		ep.Headers = make(map[string]string)
	}
	ep.Headers["traceparent"] = fmt.Sprintf("00-%s-%s-%s", sc.TraceID().String(), sc.SpanID().String(), flags)
}
