package retry

import (
	"context"
	"errors"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Outcome is one transition out of the per-attempt state machine.
type Outcome int

const (
	Success Outcome = iota
	NextProvider
	Wait
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NextProvider:
		return "next_provider"
	case Wait:
		return "wait"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the state machine's output for one attempt's result.
type Decision struct {
	Outcome        Outcome
	Delay          time.Duration
	WasRateLimited bool

	// FreeRetry marks a Wait that must not count against TriesForProvider:
	// spec §4.1's one transparent retry for a transient tool-call parse
	// failure, which the caller exhausts on its own (see ToolCallParseRetried).
	FreeRetry bool
}

// State tracks per-call retry bookkeeping across attempts: how many tries
// have been spent on the current provider, and whether any provider remains
// after it in the alias resolver's attempt list.
type State struct {
	Policy           Policy
	TriesForProvider int
	HasMoreProviders bool

	// ToolCallParseRetried records whether this attempt's one free
	// tool-call-parse retry has already been spent; a second consecutive
	// parse failure counts against TriesForProvider like any other retry.
	ToolCallParseRetried bool
}

// Decide applies one attempt's outcome to the state machine. err is the
// classified error from the attempt (nil means success); ctx is checked for
// caller cancellation, which always produces Fail with no further retries.
func Decide(ctx context.Context, st State, err error) Decision {
	if err == nil {
		return Decision{Outcome: Success}
	}
	if ctx.Err() != nil {
		return Decision{Outcome: Fail}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return decideRetryable(st)
	}

	perr, ok := canon.AsProviderError(err)
	if !ok {
		return decideRetryable(st)
	}

	switch perr.Kind {
	case canon.ProviderErrorToolCallParse:
		if !st.ToolCallParseRetried {
			return Decision{Outcome: Wait, FreeRetry: true}
		}
		return decideRetryable(st)
	case canon.ProviderErrorRateLimited:
		return decideRateLimited(st, perr)
	case canon.ProviderErrorUnavailable:
		if perr.Retryable {
			return decideRetryable(st)
		}
		return Decision{Outcome: Fail}
	case canon.ProviderErrorAuth, canon.ProviderErrorInvalidRequest:
		return Decision{Outcome: Fail}
	default:
		if perr.Retryable {
			return decideRetryable(st)
		}
		return Decision{Outcome: Fail}
	}
}

func decideRetryable(st State) Decision {
	// st.TriesForProvider counts completed attempts on this provider before
	// the one just decided, so the attempt just made was try
	// st.TriesForProvider+1: retry only while that count would stay under
	// MaxTries, keeping the provider's total call count at exactly MaxTries.
	if st.TriesForProvider+1 < st.Policy.MaxTries {
		return Decision{Outcome: Wait, Delay: st.Policy.Backoff(st.TriesForProvider)}
	}
	if st.HasMoreProviders {
		return Decision{Outcome: NextProvider}
	}
	return Decision{Outcome: Fail}
}

func decideRateLimited(st State, perr *canon.ProviderError) Decision {
	retryAfter := time.Duration(perr.RetryAfter) * time.Second
	if st.HasMoreProviders && st.Policy.FailIfRateLimitExceedsMaxBackoff && retryAfter > st.Policy.MaxBackoff {
		return Decision{Outcome: NextProvider, WasRateLimited: true}
	}
	delay := retryAfter
	if st.Policy.MaxBackoff > 0 && delay > st.Policy.MaxBackoff {
		delay = st.Policy.MaxBackoff
	}
	if delay <= 0 {
		delay = st.Policy.Backoff(st.TriesForProvider)
	}
	return Decision{Outcome: Wait, Delay: delay, WasRateLimited: true}
}
