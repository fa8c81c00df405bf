package brain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/learning"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

func newTestBrain(t *testing.T) (*Brain, *memory.EpisodicStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	logger := zaptest.NewLogger(t)

	working := memory.NewWorkingMemory(memory.WorkingConfig{}, logger)
	episodic := memory.NewEpisodicStore(store, memory.EpisodicConfig{}, logger)
	semantic := memory.NewSemanticStore(store, memory.SemanticConfig{}, logger)
	procedural := memory.NewProceduralStore(store, logger)
	state := learning.NewStateStore(store, learning.StateConfig{}, logger)

	predictor := learning.NewPredictor(semantic, procedural, learning.PredictorConfig{
		SkillDefaults: map[string]memory.Context{
			"subject-line": {"length": memory.Num(50)},
		},
	}, logger)
	learner := learning.NewLearner(semantic, state, nil, learning.LearnerConfig{}, logger)

	b, err := New(working, episodic, predictor, learner, logger)
	require.NoError(t, err)
	return b, episodic
}

func TestPredictionLifecycle(t *testing.T) {
	b, episodic := newTestBrain(t)
	ctx := context.Background()

	g, err := b.Guidance(ctx, "subject-line", "acme", "email",
		memory.Context{"budget": memory.Num(100)})
	require.NoError(t, err)
	assert.True(t, g.Exploration, "fresh system has nothing to exploit")

	p, err := b.RegisterPrediction("acme", "subject-line", "email", 30, 100, g.Confidence,
		memory.Context{"budget": memory.Num(100)}, g.PatternIDs, g.Exploration)
	require.NoError(t, err)

	ep, res, err := b.CompletePrediction(ctx, p.ID, 45, 100, 0.1, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, ep.Outcome.Error, 1e-9)
	require.NotNil(t, res)
	assert.False(t, res.DriftDetected)

	stored, err := episodic.Retrieve(ctx, "acme", "subject-line", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ep.ID, stored[0].ID)

	// Unknown and double completions are rejected.
	_, _, err = b.CompletePrediction(ctx, p.ID, 45, 100, 0.1, true)
	assert.ErrorIs(t, err, memory.ErrPredictionNotFound)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
