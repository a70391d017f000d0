// Package retry implements the dispatcher's per-attempt outcome state
// machine: Attempt -> Success | NextProvider | Wait(delay) | Fail, plus the
// jittered exponential backoff formula attempts wait on.
package retry

import (
	"math/rand"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// IncreaseMode is how backoff grows between attempts on the same provider,
// per spec §4.3: constant (no growth), exponential (multiplied by
// Multiplier each attempt), or additive (Amount added each attempt).
type IncreaseMode string

const (
	IncreaseExponential IncreaseMode = "exponential"
	IncreaseConstant    IncreaseMode = "constant"
	IncreaseAdditive    IncreaseMode = "additive"
)

// Policy is the resolved (defaults-applied) backoff/retry configuration for
// a single call.
type Policy struct {
	InitialBackoff                   time.Duration
	Increase                         IncreaseMode
	Multiplier                       float64
	Amount                           time.Duration
	MaxBackoff                       time.Duration
	Jitter                           time.Duration
	MaxTries                         int
	FailIfRateLimitExceedsMaxBackoff bool
}

// Default matches the spec's stated defaults: initial 500ms, exponential
// growth with multiplier 2, max 5000ms, jitter 100ms, max_tries 4.
var Default = Policy{
	InitialBackoff: 500 * time.Millisecond,
	Increase:       IncreaseExponential,
	Multiplier:     2,
	MaxBackoff:     5000 * time.Millisecond,
	Jitter:         100 * time.Millisecond,
	MaxTries:       4,
}

// Resolve overlays a request's optional per-call overrides onto Default.
func Resolve(opts *canon.RetryOptions) Policy {
	p := Default
	if opts == nil {
		return p
	}
	if opts.InitialBackoff != nil {
		p.InitialBackoff = *opts.InitialBackoff
	}
	if opts.Multiplier != nil {
		p.Multiplier = *opts.Multiplier
	}
	if opts.Increase != nil {
		p.Increase = IncreaseMode(*opts.Increase)
	}
	if opts.Amount != nil {
		p.Amount = *opts.Amount
	}
	if opts.MaxBackoff != nil {
		p.MaxBackoff = *opts.MaxBackoff
	}
	if opts.Jitter != nil {
		p.Jitter = *opts.Jitter
	}
	if opts.MaxTries != nil {
		p.MaxTries = *opts.MaxTries
	}
	p.FailIfRateLimitExceedsMaxBackoff = opts.FailIfRateLimitExceedsMaxBackoff
	return p
}

// Backoff computes the delay before attempt i (0-based) on the same
// provider, clamped to MaxBackoff, plus uniform jitter in [0, Jitter]. Growth
// between attempts follows Increase: constant holds at InitialBackoff,
// exponential multiplies by Multiplier each attempt (the default), additive
// adds Amount each attempt.
func (p Policy) Backoff(i int) time.Duration {
	var d float64
	switch p.Increase {
	case IncreaseConstant:
		d = float64(p.InitialBackoff)
	case IncreaseAdditive:
		amount := p.Amount
		if amount <= 0 {
			amount = p.InitialBackoff
		}
		d = float64(p.InitialBackoff) + float64(amount)*float64(i)
	default: // IncreaseExponential, and unset for backward compatibility
		mult := p.Multiplier
		if mult <= 0 {
			mult = 1
		}
		d = float64(p.InitialBackoff)
		for n := 0; n < i; n++ {
			d *= mult
		}
	}
	delay := time.Duration(d)
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if delay < 0 {
		delay = 0
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
	}
	return delay
}
