package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

func TestProceduralStoreRetrieve(t *testing.T) {
	p := NewProceduralStore(docstore.NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	now := time.Now()
	emailTiming := &ProceduralKnowledge{
		ID:                   "k1",
		Description:          "morning sends outperform across skills",
		Skills:               []string{"subject-line", "send-time"},
		Domains:              []string{"email"},
		ConditionKey:         "hour=9",
		Recommendation:       Context{"hour": Num(9)},
		CrossSkillConfidence: 0.7,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	adsBidding := &ProceduralKnowledge{
		ID:             "k2",
		Description:    "cap bids under volatile budgets",
		Skills:         []string{"bidding", "budget-split"},
		Domains:        []string{"ads"},
		ConditionKey:   "volatility=high",
		Recommendation: Context{"bid_cap": Num(2.5)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, p.Store(ctx, emailTiming))
	require.NoError(t, p.Store(ctx, adsBidding))

	got, err := p.Retrieve(ctx, "send-time", "email")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k1", got[0].ID)

	got, err = p.Retrieve(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = p.Retrieve(ctx, "bidding", "email")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProceduralByConditionKey(t *testing.T) {
	p := NewProceduralStore(docstore.NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	k := &ProceduralKnowledge{
		ID:             "k1",
		Skills:         []string{"subject-line", "send-time"},
		Domains:        []string{"email"},
		ConditionKey:   "hour=9",
		Recommendation: Context{"hour": Num(9)},
	}
	require.NoError(t, p.Store(ctx, k))

	found, err := p.ByConditionKey(ctx, "hour=9")
	require.NoError(t, err)
	assert.Equal(t, "k1", found.ID)

	_, err = p.ByConditionKey(ctx, "hour=22")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestProceduralStoreValidation(t *testing.T) {
	p := NewProceduralStore(docstore.NewMemoryStore(), zaptest.NewLogger(t))
	err := p.Store(context.Background(), &ProceduralKnowledge{ID: "empty"})
	assert.Error(t, err)
}
