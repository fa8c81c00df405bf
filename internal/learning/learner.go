package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/memory"
)

// ErrOutOfOrderOutcome is returned when an outcome is timestamped before
// its prediction. Rejected at the boundary, never retried.
var ErrOutOfOrderOutcome = errors.New("outcome observed before its prediction")

// DriftEvent describes a detected shift in outcome distribution for one
// skill/domain pair.
type DriftEvent struct {
	Tenant           string    `json:"tenant"`
	Skill            string    `json:"skill"`
	Domain           string    `json:"domain"`
	OlderMean        float64   `json:"older_mean"`
	RecentMean       float64   `json:"recent_mean"`
	StdDev           float64   `json:"std_dev"`
	PatternsDampened int       `json:"patterns_dampened"`
	DetectedAt       time.Time `json:"detected_at"`
}

// LearnerConfig tunes outcome learning and drift detection.
type LearnerConfig struct {
	// WindowSize is the half-window length: drift compares the most
	// recent WindowSize errors against the WindowSize before them.
	WindowSize int

	// DriftThreshold is the number of (floored) standard deviations the
	// half-window means must diverge by to signal drift.
	DriftThreshold float64

	// MinStdDev floors the deviation estimate so a near-constant history
	// does not turn noise into drift.
	MinStdDev float64
}

// DefaultLearnerConfig returns the defaults used when a field is zero.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		WindowSize:     20,
		DriftThreshold: 2.0,
		MinStdDev:      0.05,
	}
}

// driftWindow holds the rolling error history for one skill/domain pair.
type driftWindow struct {
	samples []float64
}

func (w *driftWindow) add(v float64, capacity int) {
	w.samples = append(w.samples, v)
	if len(w.samples) > capacity {
		w.samples = w.samples[len(w.samples)-capacity:]
	}
}

// Learner folds observed outcomes back into memory: it updates the
// referenced patterns' confidence, watches the per-skill error stream for
// drift, and adapts the shared interpretation weights.
type Learner struct {
	semantic *memory.SemanticStore
	state    *StateStore
	policy   CandidatePolicy
	config   LearnerConfig
	logger   *zap.Logger
	clock    func() time.Time

	// onDrift, when set, is invoked after drift handling completes.
	onDrift func(DriftEvent)

	mu      sync.Mutex
	windows map[string]*driftWindow
}

// NewLearner creates a learner. The policy may be nil, in which case the
// default random-perturbation candidate policy is used.
func NewLearner(semantic *memory.SemanticStore, state *StateStore, policy CandidatePolicy, config LearnerConfig, logger *zap.Logger) *Learner {
	defaults := DefaultLearnerConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = defaults.DriftThreshold
	}
	if config.MinStdDev <= 0 {
		config.MinStdDev = defaults.MinStdDev
	}
	if policy == nil {
		policy = NewRandomPerturbation(0.1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		semantic: semantic,
		state:    state,
		policy:   policy,
		config:   config,
		logger:   logger.Named("learning.learner"),
		clock:    time.Now,
		windows:  make(map[string]*driftWindow),
	}
}

// OnDrift registers a hook invoked after each detected drift, e.g. to
// publish an event. Must be set before the learner starts receiving
// outcomes.
func (l *Learner) OnDrift(fn func(DriftEvent)) { l.onDrift = fn }

// LearnResult reports what one outcome changed.
type LearnResult struct {
	PatternsUpdated int  `json:"patterns_updated"`
	DriftDetected   bool `json:"drift_detected"`
}

// LearnFromOutcome folds one observed outcome into memory and the shared
// learning state, reporting how many patterns were reinforced and whether
// the outcome tipped its skill/domain error window into drift.
func (l *Learner) LearnFromOutcome(ctx context.Context, p *memory.Prediction, o *memory.Outcome) (*LearnResult, error) {
	if o.ObservedSignal < 0 || o.ObservedBaseline < 0 {
		return nil, memory.ErrNegativeMetric
	}
	if o.ObservedAt.Before(p.CreatedAt) {
		return nil, fmt.Errorf("prediction %s: %w", p.ID, ErrOutOfOrderOutcome)
	}

	ratioErr := o.ObservedRatio() - p.ExpectedRatio()
	result := &LearnResult{}

	for _, id := range p.PatternIDs {
		if _, err := l.semantic.UpdateFromOutcome(ctx, p.Domain, id, o.Success, o.ObservedRatio()); err != nil {
			return nil, fmt.Errorf("update pattern %s: %w", id, err)
		}
		result.PatternsUpdated++
	}

	if err := l.updateWeights(ctx, p, ratioErr); err != nil {
		return nil, err
	}

	if drift := l.recordError(p.Skill, p.Domain, ratioErr); drift != nil {
		result.DriftDetected = true
		if err := l.handleDrift(ctx, p.Tenant, drift); err != nil {
			return nil, err
		}
	}
	outcomesLearned.Inc()
	return result, nil
}

// recordError appends to the skill/domain window and reports drift when
// the two half-window means diverge beyond the threshold.
func (l *Learner) recordError(skill, domain string, ratioErr float64) *DriftEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := skill + "|" + domain
	w, ok := l.windows[key]
	if !ok {
		w = &driftWindow{}
		l.windows[key] = w
	}
	w.add(ratioErr, 2*l.config.WindowSize)
	if len(w.samples) < 2*l.config.WindowSize {
		return nil
	}

	older := w.samples[:l.config.WindowSize]
	recent := w.samples[l.config.WindowSize:]
	olderMean := mean(older)
	recentMean := mean(recent)
	sd := stddev(older, olderMean)
	if sd < l.config.MinStdDev {
		sd = l.config.MinStdDev
	}
	if math.Abs(recentMean-olderMean) <= l.config.DriftThreshold*sd {
		return nil
	}

	// Reset so the post-drift regime is judged on fresh history.
	w.samples = nil
	return &DriftEvent{
		Skill:      skill,
		Domain:     domain,
		OlderMean:  olderMean,
		RecentMean: recentMean,
		StdDev:     sd,
		DetectedAt: l.clock(),
	}
}

// handleDrift halves the decay-adjusted confidence of every active
// pattern for the drifted skill/domain, recording a failure against each
// so the dampening shows up in the evidence counts.
func (l *Learner) handleDrift(ctx context.Context, tenant string, drift *DriftEvent) error {
	patterns, err := l.semantic.RetrievePatterns(ctx, drift.Skill, drift.Domain, "", 0, 0)
	if err != nil {
		return fmt.Errorf("retrieve patterns for drift: %w", err)
	}

	for _, p := range patterns {
		if _, err := l.semantic.DampenPattern(ctx, p.Domain, p.ID, 0.5); err != nil {
			return fmt.Errorf("dampen pattern %s: %w", p.ID, err)
		}
		drift.PatternsDampened++
	}
	drift.Tenant = tenant

	driftDetected.WithLabelValues(drift.Skill, drift.Domain).Inc()
	l.logger.Warn("outcome distribution drift detected",
		zap.String("tenant", tenant),
		zap.String("skill", drift.Skill),
		zap.String("domain", drift.Domain),
		zap.Float64("older_mean", drift.OlderMean),
		zap.Float64("recent_mean", drift.RecentMean),
		zap.Float64("std_dev", drift.StdDev),
		zap.Int("patterns_dampened", drift.PatternsDampened),
	)
	if l.onDrift != nil {
		l.onDrift(*drift)
	}
	return nil
}

// updateWeights advances the shared learning state: iteration, rolling
// error, per-metric weights, and the shadow-candidate lifecycle.
func (l *Learner) updateWeights(ctx context.Context, p *memory.Prediction, ratioErr float64) error {
	absErr := math.Abs(ratioErr)
	_, err := l.state.Apply(ctx, func(st *State) error {
		st.Iteration++
		st.EMAError = (1-l.state.config.ErrorEMA)*st.EMAError + l.state.config.ErrorEMA*absErr
		eta := l.state.learningRate(st.Iteration, st.EMAError)

		metrics := numericMetrics(p.Context)
		if len(metrics) == 0 {
			metrics = []string{"default"}
		}
		for _, metric := range metrics {
			w, ok := st.Weights[metric]
			if !ok {
				w = 1.0
			}
			// Over-prediction shrinks the metric's weight, under-prediction
			// grows it.
			st.Weights[metric] = l.state.clampWeight(w - eta*ratioErr)
		}

		l.advanceShadow(st, absErr)
		return nil
	})
	return err
}

// advanceShadow spawns a candidate when the error is persistently high,
// scores an existing candidate, and promotes or discards it at the end of
// its trial budget.
func (l *Learner) advanceShadow(st *State, absErr float64) {
	if st.Shadow == nil {
		if st.EMAError > l.state.config.ShadowThreshold {
			st.Shadow = &ShadowCandidate{
				Weights:   l.policy.Propose(st.Weights),
				CreatedAt: time.Now(),
			}
			shadowSpawned.Inc()
		}
		return
	}

	st.Shadow.Trials++
	st.Shadow.CumulativeError += absErr
	if st.Shadow.Trials < l.state.config.ShadowTrials {
		return
	}
	if st.Shadow.MeanError() < st.EMAError {
		st.Weights = st.Shadow.Weights
		st.EMAError = st.Shadow.MeanError()
		shadowPromoted.Inc()
		l.logger.Info("promoted shadow weight candidate",
			zap.Int("trials", st.Shadow.Trials),
			zap.Float64("mean_error", st.Shadow.MeanError()),
		)
	}
	st.Shadow = nil
}

func numericMetrics(ctx memory.Context) []string {
	var metrics []string
	for k, v := range ctx {
		if v.Kind == memory.KindNumber {
			metrics = append(metrics, k)
		}
	}
	return metrics
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}
