package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

func TestDecideSuccess(t *testing.T) {
	d := Decide(context.Background(), State{Policy: Default}, nil)
	assert.Equal(t, Success, d.Outcome)
}

func TestDecideTerminalAuthFails(t *testing.T) {
	err := canon.NewProviderError("openai", "chat", 401, canon.ProviderErrorAuth, "", "bad key", "", false, nil)
	d := Decide(context.Background(), State{Policy: Default, HasMoreProviders: true}, err)
	assert.Equal(t, Fail, d.Outcome)
}

func TestDecideRetryableWaitsThenAdvances(t *testing.T) {
	err := canon.NewProviderError("openai", "chat", 503, canon.ProviderErrorUnavailable, "", "down", "", true, nil)

	d := Decide(context.Background(), State{Policy: Default, TriesForProvider: 0, HasMoreProviders: true}, err)
	assert.Equal(t, Wait, d.Outcome)

	exhausted := Default
	exhausted.MaxTries = 2
	d = Decide(context.Background(), State{Policy: exhausted, TriesForProvider: 2, HasMoreProviders: true}, err)
	assert.Equal(t, NextProvider, d.Outcome)

	d = Decide(context.Background(), State{Policy: exhausted, TriesForProvider: 2, HasMoreProviders: false}, err)
	assert.Equal(t, Fail, d.Outcome)
}

func TestDecideRateLimitedNextProviderWhenRetryAfterExceedsMaxBackoff(t *testing.T) {
	err := canon.NewProviderError("openai", "chat", 429, canon.ProviderErrorRateLimited, "", "slow down", "", true, nil)
	err.RetryAfter = 60

	policy := Default
	policy.MaxBackoff = 5 * time.Second
	policy.FailIfRateLimitExceedsMaxBackoff = true

	d := Decide(context.Background(), State{Policy: policy, HasMoreProviders: true}, err)
	assert.Equal(t, NextProvider, d.Outcome)
	assert.True(t, d.WasRateLimited)
}

func TestDecideRateLimitedWaitsWhenNoAlternative(t *testing.T) {
	err := canon.NewProviderError("openai", "chat", 429, canon.ProviderErrorRateLimited, "", "slow down", "", true, nil)
	err.RetryAfter = 1

	d := Decide(context.Background(), State{Policy: Default, HasMoreProviders: false}, err)
	assert.Equal(t, Wait, d.Outcome)
	assert.True(t, d.WasRateLimited)
	assert.Equal(t, time.Second, d.Delay)
}

func TestDecideCancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := canon.NewProviderError("openai", "chat", 503, canon.ProviderErrorUnavailable, "", "down", "", true, nil)
	d := Decide(ctx, State{Policy: Default, HasMoreProviders: true}, err)
	assert.Equal(t, Fail, d.Outcome)
}

func TestDecideToolCallParseGrantsOneFreeRetry(t *testing.T) {
	err := canon.NewProviderError("openai", "chat", 0, canon.ProviderErrorToolCallParse, "", "bad json", "", true, nil)

	d := Decide(context.Background(), State{Policy: Default, TriesForProvider: 0, HasMoreProviders: true}, err)
	assert.Equal(t, Wait, d.Outcome)
	assert.True(t, d.FreeRetry)

	d = Decide(context.Background(), State{Policy: Default, TriesForProvider: 0, HasMoreProviders: true, ToolCallParseRetried: true}, err)
	assert.Equal(t, Wait, d.Outcome)
	assert.False(t, d.FreeRetry)
}

func TestBackoffClampsToMax(t *testing.T) {
	p := Policy{InitialBackoff: 500 * time.Millisecond, Multiplier: 2, MaxBackoff: 2 * time.Second, Jitter: 0}
	assert.Equal(t, 500*time.Millisecond, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(10))
}
