package guard

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// LimiterConfig configures the token-bucket rate limiter.
type LimiterConfig struct {
	// PerCallerRate is the sustained tokens per second for each caller
	// key. Zero disables per-caller limiting.
	PerCallerRate float64

	// PerCallerBurst is the bucket capacity per caller key.
	PerCallerBurst int

	// GlobalRate is an optional shared bucket across all callers.
	// Zero disables the global bucket.
	GlobalRate float64

	// GlobalBurst is the global bucket capacity.
	GlobalBurst int
}

// limiter maintains one token bucket per caller key plus an optional
// global bucket. Buckets refill continuously; an exhausted bucket rejects
// the call with docstore.ErrRateLimited rather than queueing it.
type limiter struct {
	config LimiterConfig
	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLimiter(config LimiterConfig) *limiter {
	l := &limiter{
		config:  config,
		buckets: make(map[string]*rate.Limiter),
	}
	if config.GlobalRate > 0 {
		burst := config.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(config.GlobalRate), burst)
	}
	return l
}

// allow consumes one token from the caller's bucket and the global
// bucket. The caller bucket is checked first so a single noisy tenant
// cannot drain the global pool before being rejected.
func (l *limiter) allow(caller string) error {
	if l.config.PerCallerRate > 0 {
		if !l.bucket(caller).Allow() {
			rateLimitRejections.WithLabelValues(caller).Inc()
			return fmt.Errorf("caller %s: %w", caller, docstore.ErrRateLimited)
		}
	}
	if l.global != nil && !l.global.Allow() {
		rateLimitRejections.WithLabelValues("global").Inc()
		return fmt.Errorf("global bucket: %w", docstore.ErrRateLimited)
	}
	return nil
}

func (l *limiter) bucket(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[caller]
	if !ok {
		burst := l.config.PerCallerBurst
		if burst <= 0 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(l.config.PerCallerRate), burst)
		l.buckets[caller] = b
	}
	return b
}

// callerKey derives the rate-limit key from a document path. Tenant-scoped
// paths are limited per tenant; everything else shares one key.
func callerKey(path string) string {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) >= 2 && parts[0] == "tenant" {
		return parts[1]
	}
	return "shared"
}
