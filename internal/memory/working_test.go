package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestWorking(t *testing.T, config WorkingConfig) *WorkingMemory {
	t.Helper()
	return NewWorkingMemory(config, zaptest.NewLogger(t))
}

func TestWorkingMemoryCompletePrediction(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{})

	p, err := NewPrediction("acme", "subject-line", "email", 30, 100, 0.6, nil)
	require.NoError(t, err)

	id, err := w.RegisterPrediction(p)
	require.NoError(t, err)
	assert.Equal(t, 1, w.InFlight())

	// Observed 45/100 against expected 30/100: error is +0.15.
	ep, err := w.CompletePrediction(id, 45, 100, 0.1, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, ep.Outcome.Error, 1e-9)
	assert.Equal(t, "acme", ep.Tenant)
	assert.Equal(t, "subject-line", ep.Skill)
	assert.Equal(t, 1.0, ep.Weight)
	assert.True(t, ep.Outcome.Success)
	assert.Equal(t, 0, w.InFlight())

	// A prediction completes exactly once.
	_, err = w.CompletePrediction(id, 45, 100, 0.1, true)
	assert.ErrorIs(t, err, ErrPredictionNotFound)
}

func TestWorkingMemoryUnknownPrediction(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{})
	_, err := w.CompletePrediction("missing", 1, 1, 0, true)
	assert.ErrorIs(t, err, ErrPredictionNotFound)
}

func TestWorkingMemoryNegativeMetrics(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{})
	_, err := w.CompletePrediction("whatever", -1, 1, 0, true)
	assert.ErrorIs(t, err, ErrNegativeMetric)
}

func TestWorkingMemoryEvictsOldest(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{MaxPredictions: 3})

	now := time.Now()
	ids := make([]string, 4)
	for i := range ids {
		p, err := NewPrediction("acme", "subject-line", "email", 1, 1, 0.5, nil)
		require.NoError(t, err)
		p.CreatedAt = now.Add(time.Duration(i) * time.Second)
		ids[i], err = w.RegisterPrediction(p)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, w.InFlight())
	_, ok := w.Prediction(ids[0])
	assert.False(t, ok, "oldest prediction should have been evicted")
	for _, id := range ids[1:] {
		_, ok := w.Prediction(id)
		assert.True(t, ok)
	}
}

func TestWorkingMemoryOutcomeTooEarly(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{MinOutcomeLatency: time.Minute})

	p, err := NewPrediction("acme", "subject-line", "email", 1, 1, 0.5, nil)
	require.NoError(t, err)
	id, err := w.RegisterPrediction(p)
	require.NoError(t, err)

	_, err = w.CompletePrediction(id, 1, 1, 0, true)
	assert.ErrorIs(t, err, ErrOutcomeTooEarly)

	// Advance past the latency floor and the outcome is accepted.
	w.clock = func() time.Time { return p.CreatedAt.Add(2 * time.Minute) }
	_, err = w.CompletePrediction(id, 1, 1, 0, true)
	require.NoError(t, err)
}

func TestWorkingMemoryRecentOutcomes(t *testing.T) {
	w := newTestWorking(t, WorkingConfig{MaxOutcomes: 2})

	for i := 0; i < 3; i++ {
		p, err := NewPrediction("acme", "subject-line", "email", 1, 1, 0.5, nil)
		require.NoError(t, err)
		id, err := w.RegisterPrediction(p)
		require.NoError(t, err)
		_, err = w.CompletePrediction(id, float64(i), 1, 0, true)
		require.NoError(t, err)
	}

	outcomes := w.RecentOutcomes(0)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 1.0, outcomes[0].ObservedSignal)
	assert.Equal(t, 2.0, outcomes[1].ObservedSignal)
}

func ExampleWorkingMemory() {
	w := NewWorkingMemory(WorkingConfig{}, nil)

	p, _ := NewPrediction("acme", "subject-line", "email", 30, 100, 0.6, nil)
	id, _ := w.RegisterPrediction(p)
	ep, _ := w.CompletePrediction(id, 45, 100, 0.1, true)

	fmt.Printf("error=%.2f\n", ep.Outcome.Error)
	// Output: error=0.15
}
