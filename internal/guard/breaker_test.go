package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	}, zap.NewNop())

	now := time.Now()
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())

	// Open circuit rejects without invoking the dependency.
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
	}
	assert.True(t, b.Allow())
	b.Record(true)

	// Consecutive count restarted; two more failures stay closed.
	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	// Spec scenario: 5 consecutive failures => open for 60s; a call at
	// t=61s is allowed (half-open); success => closed.
	b, now := newTestBreaker(5, 60*time.Second)

	for i := 0; i < 5; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	*now = now.Add(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one trial is admitted while it is in flight.
	assert.False(t, b.Allow())

	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(2, 30*time.Second)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}
