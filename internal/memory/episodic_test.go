package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

func newTestEpisodic(t *testing.T, config EpisodicConfig) (*EpisodicStore, *time.Time) {
	t.Helper()
	now := time.Now()
	e := NewEpisodicStore(docstore.NewMemoryStore(), config, zaptest.NewLogger(t))
	e.clock = func() time.Time { return now }
	return e, &now
}

func testEpisode(tenant, skill, domain string, success bool, createdAt time.Time) *Episode {
	return &Episode{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Skill:  skill,
		Domain: domain,
		Prediction: Prediction{
			ExpectedSignal:   30,
			ExpectedBaseline: 100,
			Context:          Context{"channel": Label("email")},
		},
		Outcome: Outcome{
			ObservedSignal:   45,
			ObservedBaseline: 100,
			Success:          success,
			ObservedAt:       createdAt,
		},
		Weight:    1.0,
		CreatedAt: createdAt,
	}
}

func TestEpisodicRetrieveAppliesDecay(t *testing.T) {
	e, now := newTestEpisodic(t, EpisodicConfig{DecayRate: 0.95})
	ctx := context.Background()

	ep := testEpisode("acme", "subject-line", "email", true, *now)
	require.NoError(t, e.Store(ctx, ep))

	// Ten days later the weight is 0.95^10, regardless of how many times
	// the episode has been read in between.
	*now = now.Add(10 * 24 * time.Hour)
	want := math.Pow(0.95, 10)

	for i := 0; i < 3; i++ {
		got, err := e.Retrieve(ctx, "acme", "subject-line", "", 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.InDelta(t, want, got[0].Weight, 1e-9)
	}

	got, err := e.Retrieve(ctx, "acme", "subject-line", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, got[0].RetrievalCount)
}

func TestEpisodicRetrieveFilters(t *testing.T) {
	e, now := newTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	fresh := testEpisode("acme", "subject-line", "email", true, *now)
	stale := testEpisode("acme", "subject-line", "email", true, now.Add(-20*24*time.Hour))
	other := testEpisode("acme", "subject-line", "sms", true, *now)
	for _, ep := range []*Episode{fresh, stale, other} {
		require.NoError(t, e.Store(ctx, ep))
	}

	got, err := e.Retrieve(ctx, "acme", "subject-line", "email", 0.5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
}

func TestEpisodicForConsolidation(t *testing.T) {
	e, now := newTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	oldest := testEpisode("acme", "subject-line", "email", true, now.Add(-5*24*time.Hour))
	newest := testEpisode("acme", "subject-line", "email", true, *now)
	done := testEpisode("acme", "subject-line", "email", true, now.Add(-9*24*time.Hour))
	at := now.Add(-time.Hour)
	done.ConsolidatedAt = &at
	for _, ep := range []*Episode{newest, oldest, done} {
		require.NoError(t, e.Store(ctx, ep))
	}

	got, err := e.ForConsolidation(ctx, "acme", "subject-line", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, oldest.ID, got[0].ID, "lowest-weight unconsolidated episode first")

	require.NoError(t, e.MarkConsolidated(ctx, got))
	got, err = e.ForConsolidation(ctx, "acme", "subject-line", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newest.ID, got[0].ID)
}

func TestEpisodicDecayAll(t *testing.T) {
	e, now := newTestEpisodic(t, EpisodicConfig{
		RelevanceThreshold: 0.5,
		ArchiveAfter:       30 * 24 * time.Hour,
		PurgeAfter:         60 * 24 * time.Hour,
	})
	ctx := context.Background()

	fresh := testEpisode("acme", "subject-line", "email", true, *now)
	fading := testEpisode("acme", "subject-line", "email", true, now.Add(-20*24*time.Hour))
	expired := testEpisode("acme", "subject-line", "email", true, now.Add(-40*24*time.Hour))
	for _, ep := range []*Episode{fresh, fading, expired} {
		require.NoError(t, e.Store(ctx, ep))
	}

	stats, err := e.DecayAll(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Examined)
	assert.Equal(t, 2, stats.BelowThreshold)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 0, stats.Purged)

	// The expired episode moved off the live path.
	live, err := e.Retrieve(ctx, "acme", "subject-line", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	// After the second retention window, the archive copy is purged.
	*now = now.Add(61 * 24 * time.Hour)
	stats, err = e.DecayAll(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Purged)
}

func TestEpisodicSkills(t *testing.T) {
	e, now := newTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, testEpisode("acme", "subject-line", "email", true, *now)))
	require.NoError(t, e.Store(ctx, testEpisode("acme", "send-time", "email", true, *now)))
	require.NoError(t, e.Store(ctx, testEpisode("other", "bidding", "ads", true, *now)))

	skills, err := e.Skills(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"send-time", "subject-line"}, skills)
}

func TestEpisodicValidation(t *testing.T) {
	e, _ := newTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	err := e.Store(ctx, &Episode{ID: "x", Skill: "subject-line"})
	assert.ErrorIs(t, err, ErrEmptyTenant)

	_, err = e.Retrieve(ctx, "acme", "", "", 0, 0)
	assert.ErrorIs(t, err, ErrEmptySkill)

	_, err = e.DecayAll(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyTenant)
}
