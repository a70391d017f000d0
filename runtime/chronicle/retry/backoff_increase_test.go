package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffConstantHoldsAtInitial(t *testing.T) {
	p := Policy{InitialBackoff: 200 * time.Millisecond, Increase: IncreaseConstant, MaxBackoff: time.Second}
	assert.Equal(t, 200*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(5))
}

func TestBackoffAdditiveGrowsLinearly(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, Increase: IncreaseAdditive, Amount: 50 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 150*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
}

func TestBackoffExponentialIsDefault(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: 10 * time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
}
