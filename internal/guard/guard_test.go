package guard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// flakyStore fails a configurable number of times before succeeding.
type flakyStore struct {
	docstore.Store
	failures int
	calls    int
	err      error
}

func (s *flakyStore) Get(ctx context.Context, path string) (*docstore.Document, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	return s.Store.Get(ctx, path)
}

func newTestGuard(t *testing.T, inner docstore.Store, config Config) *Guard {
	t.Helper()
	g, err := New(inner, config, zap.NewNop())
	require.NoError(t, err)
	g.retry.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestGuard_RetriesTransientFailures(t *testing.T) {
	mem := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "procedural/k1", []byte(`{}`)))

	flaky := &flakyStore{Store: mem, failures: 2, err: docstore.ErrUnavailable}
	g := newTestGuard(t, flaky, Config{Retry: RetryConfig{MaxAttempts: 4}})

	doc, err := g.Get(ctx, "procedural/k1")
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, StateClosed, g.Breaker().State())
}

func TestGuard_DoesNotRetryValidationErrors(t *testing.T) {
	mem := docstore.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: 10, err: docstore.ErrNotFound}
	g := newTestGuard(t, flaky, Config{Retry: RetryConfig{MaxAttempts: 4}})

	_, err := g.Get(context.Background(), "procedural/missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, 1, flaky.calls)

	// Not-found is not dependency unhealth; the breaker stays untouched.
	assert.Equal(t, StateClosed, g.Breaker().State())
}

func TestGuard_CircuitOpensAndFailsFast(t *testing.T) {
	mem := docstore.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: 1000, err: docstore.ErrUnavailable}
	g := newTestGuard(t, flaky, Config{
		Retry:   RetryConfig{MaxAttempts: 1},
		Breaker: BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Get(ctx, "procedural/k1")
		assert.ErrorIs(t, err, docstore.ErrUnavailable)
	}
	assert.Equal(t, StateOpen, g.Breaker().State())

	callsBefore := flaky.calls
	_, err := g.Get(ctx, "procedural/k1")
	assert.ErrorIs(t, err, docstore.ErrCircuitOpen)
	assert.Equal(t, callsBefore, flaky.calls, "open circuit must not invoke the store")
}

func TestGuard_RateLimitRejects(t *testing.T) {
	mem := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "tenant/acme/episodic/email/ep1", []byte(`{}`)))

	g := newTestGuard(t, mem, Config{
		Limiter: LimiterConfig{PerCallerRate: 0.001, PerCallerBurst: 1},
	})

	_, err := g.Get(ctx, "tenant/acme/episodic/email/ep1")
	require.NoError(t, err)

	// Bucket exhausted; refill rate is effectively zero within the test.
	_, err = g.Get(ctx, "tenant/acme/episodic/email/ep1")
	assert.ErrorIs(t, err, docstore.ErrRateLimited)

	// A different tenant has its own bucket.
	require.NoError(t, mem.Set(ctx, "tenant/globex/episodic/email/ep1", []byte(`{}`)))
	_, err = g.Get(ctx, "tenant/globex/episodic/email/ep1")
	assert.NoError(t, err)
}

func TestGuard_ConflictNotRetriedOrCounted(t *testing.T) {
	mem := docstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "learningState", []byte(`{"v":1}`)))

	g := newTestGuard(t, mem, Config{Breaker: BreakerConfig{FailureThreshold: 1}})

	attempts := 0
	err := g.Transaction(ctx, func(tx docstore.Tx) error {
		attempts++
		if _, err := tx.Get("learningState"); err != nil {
			return err
		}
		require.NoError(t, mem.Set(ctx, "learningState", []byte(`{"v":2}`)))
		return tx.Set("learningState", []byte(`{"v":3}`))
	})
	assert.ErrorIs(t, err, docstore.ErrConflict)
	assert.Equal(t, 1, attempts, "conflicts are retried by the caller, not the guard")
	assert.Equal(t, StateClosed, g.Breaker().State())
}

func TestCallerKey(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"tenant/acme/episodic/email/ep1", "acme"},
		{"tenant/globex", "globex"},
		{"semantic/email/patterns/p1", "shared"},
		{"learningState", "shared"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, callerKey(tt.path))
		})
	}
}

// Compile-time check that Guard satisfies the store contract used by the
// memory layer.
var _ docstore.Store = (*Guard)(nil)

func ExampleNew() {
	g, _ := New(docstore.NewMemoryStore(), Config{}, zap.NewNop())
	_ = g.Set(context.Background(), "procedural/k1", []byte(`{"confidence":0.8}`))
	doc, _ := g.Get(context.Background(), "procedural/k1")
	fmt.Println(doc.Version)
	// Output: 1
}
