package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

type testStores struct {
	episodic   *memory.EpisodicStore
	semantic   *memory.SemanticStore
	procedural *memory.ProceduralStore
}

func newTestStores(t *testing.T) testStores {
	t.Helper()
	store := docstore.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	return testStores{
		episodic:   memory.NewEpisodicStore(store, memory.EpisodicConfig{}, logger),
		semantic:   memory.NewSemanticStore(store, memory.SemanticConfig{}, logger),
		procedural: memory.NewProceduralStore(store, logger),
	}
}

func newTestManager(t *testing.T, stores testStores, config ManagerConfig, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(stores.episodic, stores.semantic, stores.procedural, config, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return m
}

func seedEpisodes(t *testing.T, stores testStores, tenant, skill string, n int, success bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ep := &memory.Episode{
			ID:     memory.NewID(),
			Tenant: tenant,
			Skill:  skill,
			Domain: "email",
			Prediction: memory.Prediction{
				Context: memory.Context{
					"hour":    memory.Num(9),
					"channel": memory.Label("email"),
				},
			},
			Outcome: memory.Outcome{
				ObservedSignal:   0.45,
				ObservedBaseline: 1,
				Success:          success,
				ObservedAt:       time.Now(),
			},
			Weight:    1.0,
			CreatedAt: time.Now(),
		}
		require.NoError(t, stores.episodic.Store(ctx, ep))
	}
}

type captureSink struct {
	tenant string
	stats  *CycleStats
}

func (c *captureSink) ConsolidationCompleted(tenant string, stats *CycleStats) {
	c.tenant = tenant
	c.stats = stats
}

func TestRunCyclePromotesEpisodes(t *testing.T) {
	stores := newTestStores(t)
	sink := &captureSink{}
	m := newTestManager(t, stores, ManagerConfig{MinEpisodes: 3}, WithEventSink(sink))
	ctx := context.Background()

	seedEpisodes(t, stores, "acme", "subject-line", 5, true)
	seedEpisodes(t, stores, "acme", "send-time", 2, true) // below MinEpisodes

	stats, err := m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PatternsWritten)
	assert.Equal(t, 5, stats.EpisodesPromoted)
	assert.Equal(t, "acme", sink.tenant)

	patterns, err := stores.semantic.RetrievePatterns(ctx, "subject-line", "email", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 5, patterns[0].EvidenceCount)

	// Promoted episodes are marked and not re-consolidated next cycle.
	stats, err = m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PatternsWritten)
}

func TestRunCycleCrossSkillPromotion(t *testing.T) {
	stores := newTestStores(t)
	m := newTestManager(t, stores, ManagerConfig{
		MinEpisodes:          3,
		MinSkills:            2,
		CrossSkillConfidence: 0.5,
	})
	ctx := context.Background()

	// Two skills learn the same condition with strong evidence.
	seedEpisodes(t, stores, "acme", "subject-line", 10, true)
	seedEpisodes(t, stores, "acme", "send-time", 10, true)

	stats, err := m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PatternsWritten)
	require.Equal(t, 1, stats.KnowledgePromoted)

	knowledge, err := stores.procedural.Retrieve(ctx, "subject-line", "email")
	require.NoError(t, err)
	require.Len(t, knowledge, 1)
	k := knowledge[0]
	assert.Equal(t, []string{"send-time", "subject-line"}, k.Skills)
	assert.Equal(t, memory.Num(9), k.Recommendation["hour"])
	assert.Equal(t, memory.Label("email"), k.Recommendation["channel"])
	assert.GreaterOrEqual(t, k.CrossSkillConfidence, 0.5)
	assert.Len(t, k.SourcePatternIDs, 2)

	// A second cycle corroborates the same entry instead of duplicating it.
	_, err = m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	knowledge, err = stores.procedural.Retrieve(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, knowledge, 1)
}

// blinkingStore fails knowledge-collection queries while tripped.
type blinkingStore struct {
	docstore.Store
	failKnowledge bool
}

func (b *blinkingStore) Query(ctx context.Context, collectionPath string, filters []docstore.Filter, orderBy *docstore.OrderBy, limit int) ([]*docstore.Document, error) {
	if b.failKnowledge && collectionPath == "procedural" {
		return nil, docstore.ErrUnavailable
	}
	return b.Store.Query(ctx, collectionPath, filters, orderBy, limit)
}

func TestPromotionDoesNotDuplicateOnLookupFailure(t *testing.T) {
	store := &blinkingStore{Store: docstore.NewMemoryStore()}
	logger := zaptest.NewLogger(t)
	stores := testStores{
		episodic:   memory.NewEpisodicStore(store, memory.EpisodicConfig{}, logger),
		semantic:   memory.NewSemanticStore(store, memory.SemanticConfig{}, logger),
		procedural: memory.NewProceduralStore(store, logger),
	}
	m := newTestManager(t, stores, ManagerConfig{
		MinEpisodes:          3,
		MinSkills:            2,
		CrossSkillConfidence: 0.5,
	})
	ctx := context.Background()

	seedEpisodes(t, stores, "acme", "subject-line", 10, true)
	seedEpisodes(t, stores, "acme", "send-time", 10, true)

	stats, err := m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, stats.KnowledgePromoted)

	// A lookup blip must surface, not mint a second entry for the same
	// condition.
	store.failKnowledge = true
	_, err = m.RunCycle(ctx, "acme")
	require.ErrorIs(t, err, docstore.ErrUnavailable)

	store.failKnowledge = false
	_, err = m.RunCycle(ctx, "acme")
	require.NoError(t, err)

	knowledge, err := stores.procedural.Retrieve(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, knowledge, 1)
}

func TestRunCycleSkipsWeakGroups(t *testing.T) {
	stores := newTestStores(t)
	m := newTestManager(t, stores, ManagerConfig{
		MinEpisodes:          3,
		MinSkills:            2,
		CrossSkillConfidence: 0.9,
	})
	ctx := context.Background()

	// Mostly failures: patterns form but stay under the confidence bar.
	seedEpisodes(t, stores, "acme", "subject-line", 5, false)
	seedEpisodes(t, stores, "acme", "send-time", 5, false)

	stats, err := m.RunCycle(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PatternsWritten)
	assert.Equal(t, 0, stats.KnowledgePromoted)
}

func TestRunCycleValidation(t *testing.T) {
	stores := newTestStores(t)
	m := newTestManager(t, stores, ManagerConfig{})
	_, err := m.RunCycle(context.Background(), "")
	assert.ErrorIs(t, err, memory.ErrEmptyTenant)
}

func TestRunAll(t *testing.T) {
	stores := newTestStores(t)
	m := newTestManager(t, stores, ManagerConfig{MinEpisodes: 3})
	ctx := context.Background()

	seedEpisodes(t, stores, "acme", "subject-line", 4, true)
	seedEpisodes(t, stores, "globex", "bidding", 4, true)

	results, err := m.RunAll(ctx, []string{"acme", "globex"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results["acme"].PatternsWritten)
	assert.Equal(t, 1, results["globex"].PatternsWritten)
}

func TestRunCycleHonorsDeadline(t *testing.T) {
	stores := newTestStores(t)
	m := newTestManager(t, stores, ManagerConfig{MinEpisodes: 3})

	seedEpisodes(t, stores, "acme", "subject-line", 4, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RunCycle(ctx, "acme")
	assert.Error(t, err)
}

func TestMergeRecommendations(t *testing.T) {
	merged := mergeRecommendations([]*memory.SemanticPattern{
		{Recommendation: memory.Context{"hour": memory.Num(8), "tone": memory.Label("casual")}},
		{Recommendation: memory.Context{"hour": memory.Num(10), "tone": memory.Label("formal")}},
		{Recommendation: memory.Context{"hour": memory.Num(12), "tone": memory.Label("casual")}},
	})
	assert.Equal(t, memory.Num(10), merged["hour"], "numeric fields averaged")
	assert.Equal(t, memory.Label("casual"), merged["tone"], "categorical fields take the mode")
}
