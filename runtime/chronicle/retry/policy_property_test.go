package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBackoffNeverExceedsMaxPlusJitter checks the invariant the spec states
// in prose: backoff(i) is always max_backoff-clamped before jitter is added,
// so the result never exceeds max_backoff + jitter regardless of attempt
// index or multiplier.
func TestBackoffNeverExceedsMaxPlusJitter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff(i) <= max_backoff + jitter", prop.ForAll(
		func(initialMS, maxMS, jitterMS int64, multiplier float64, attempt int) bool {
			p := Policy{
				InitialBackoff: time.Duration(initialMS) * time.Millisecond,
				Multiplier:     multiplier,
				MaxBackoff:     time.Duration(maxMS) * time.Millisecond,
				Jitter:         time.Duration(jitterMS) * time.Millisecond,
			}
			delay := p.Backoff(attempt)
			return delay <= p.MaxBackoff+p.Jitter && delay >= 0
		},
		gen.Int64Range(1, 10000),
		gen.Int64Range(1, 10000),
		gen.Int64Range(0, 1000),
		gen.Float64Range(0.1, 8),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestBackoffMonotonicWithoutJitter checks that, ignoring jitter, the
// clamped backoff sequence never decreases as the attempt index grows.
func TestBackoffMonotonicWithoutJitter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff(i) is non-decreasing without jitter", prop.ForAll(
		func(initialMS, maxMS int64, multiplier float64, attempt int) bool {
			p := Policy{
				InitialBackoff: time.Duration(initialMS) * time.Millisecond,
				Multiplier:     multiplier,
				MaxBackoff:     time.Duration(maxMS) * time.Millisecond,
			}
			return p.Backoff(attempt) <= p.Backoff(attempt+1)
		},
		gen.Int64Range(1, 10000),
		gen.Int64Range(1, 10000),
		gen.Float64Range(1, 8),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
