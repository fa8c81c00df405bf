package guard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// Config bundles the three resilience policies.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig
	Limiter LimiterConfig
}

// Guard is a docstore.Store that layers rate limiting, circuit breaking,
// and retry on top of another Store. It implements docstore.Store itself,
// so the memory and learning layers are oblivious to it.
type Guard struct {
	inner   docstore.Store
	breaker *Breaker
	retry   *retryer
	limit   *limiter
	logger  *zap.Logger
}

var _ docstore.Store = (*Guard)(nil)

// New wraps inner with the configured resilience policies.
func New(inner docstore.Store, config Config, logger *zap.Logger) (*Guard, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("guard")

	return &Guard{
		inner:   inner,
		breaker: NewBreaker(config.Breaker, logger),
		retry:   newRetryer(config.Retry, logger),
		limit:   newLimiter(config.Limiter),
		logger:  logger,
	}, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// call runs fn under the full policy stack: limiter first (a rejected call
// never reaches the breaker), then the breaker gate, then the retry loop.
// The breaker records one outcome per call, not per attempt, so a call
// that eventually succeeds after retries does not count against it.
func (g *Guard) call(ctx context.Context, op, path string, fn func() error) error {
	if err := g.limit.allow(callerKey(path)); err != nil {
		return err
	}
	if !g.breaker.Allow() {
		rejectedTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("%s %s: %w", op, path, docstore.ErrCircuitOpen)
	}

	err := g.retry.do(ctx, op, fn)

	// Validation and concurrency failures are the caller's problem, not
	// evidence the dependency is unhealthy.
	switch docstore.Classify(err) {
	case docstore.CategoryTransient, docstore.CategoryPermanent:
		g.breaker.Record(err == nil)
	default:
		g.breaker.Record(true)
	}

	opsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Get implements docstore.Store.
func (g *Guard) Get(ctx context.Context, path string) (*docstore.Document, error) {
	var doc *docstore.Document
	err := g.call(ctx, "get", path, func() error {
		var callErr error
		doc, callErr = g.inner.Get(ctx, path)
		return callErr
	})
	return doc, err
}

// Set implements docstore.Store.
func (g *Guard) Set(ctx context.Context, path string, data []byte) error {
	return g.call(ctx, "set", path, func() error {
		return g.inner.Set(ctx, path, data)
	})
}

// Query implements docstore.Store.
func (g *Guard) Query(ctx context.Context, collectionPath string, filters []docstore.Filter, orderBy *docstore.OrderBy, limit int) ([]*docstore.Document, error) {
	var docs []*docstore.Document
	err := g.call(ctx, "query", collectionPath, func() error {
		var callErr error
		docs, callErr = g.inner.Query(ctx, collectionPath, filters, orderBy, limit)
		return callErr
	})
	return docs, err
}

// Delete implements docstore.Store.
func (g *Guard) Delete(ctx context.Context, path string) error {
	return g.call(ctx, "delete", path, func() error {
		return g.inner.Delete(ctx, path)
	})
}

// Transaction implements docstore.Store. Conflicts are not retried here;
// the transaction caller owns the reload-and-reapply loop because the
// function closure must observe fresh state.
func (g *Guard) Transaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	return g.call(ctx, "transaction", "learningState", func() error {
		return g.inner.Transaction(ctx, fn)
	})
}
