package guard

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through, counting consecutive failures.
	StateClosed State = iota

	// StateOpen rejects calls immediately until the recovery timeout
	// elapses.
	StateOpen

	// StateHalfOpen allows a single trial call. Success closes the
	// circuit; failure reopens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before allowing
	// a half-open trial.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the defaults used when a field is zero.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a Closed -> Open -> HalfOpen circuit breaker.
//
// Callers ask Allow before invoking the dependency and report the result
// with Record. The trial slot in HalfOpen is exclusive: concurrent calls
// while a trial is in flight are rejected.
type Breaker struct {
	config BreakerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(config BreakerConfig, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config: config,
		logger: logger,
		clock:  time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. When the recovery timeout has
// elapsed in the open state, the call is admitted as the half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.clock().Sub(b.lastFailure) < b.config.RecoveryTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return true

	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true

	default:
		return false
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit breaker recovered")
			b.setState(StateClosed)
		}
		b.failures = 0
		b.trialInFlight = false
		return
	}

	b.failures++
	b.lastFailure = b.clock()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("consecutive_failures", b.failures),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit breaker trial failed, reopening")
		b.setState(StateOpen)
		b.trialInFlight = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	b.state = next
	breakerState.WithLabelValues(next.String()).Set(1)
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		if s != next {
			breakerState.WithLabelValues(s.String()).Set(0)
		}
	}
}
