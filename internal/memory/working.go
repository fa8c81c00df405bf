package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkingConfig bounds working memory.
type WorkingConfig struct {
	// MaxPredictions is the capacity for in-flight predictions. When
	// exceeded, the oldest prediction by creation time is evicted.
	MaxPredictions int

	// MaxOutcomes is how many recent outcomes are retained for callers
	// that want a short completion history.
	MaxOutcomes int

	// MinOutcomeLatency is the minimum time between a prediction being
	// registered and its outcome being accepted. Outcomes arriving
	// earlier are rejected as malformed.
	MinOutcomeLatency time.Duration
}

// DefaultWorkingConfig returns the defaults used when a field is zero.
func DefaultWorkingConfig() WorkingConfig {
	return WorkingConfig{
		MaxPredictions: 1000,
		MaxOutcomes:    100,
	}
}

// WorkingMemory is the process-local cache of in-flight predictions and
// the most recent outcomes. It holds no durable state; durability starts
// at the episodic store.
type WorkingMemory struct {
	config WorkingConfig
	logger *zap.Logger
	clock  func() time.Time

	mu          sync.Mutex
	predictions map[string]*Prediction
	outcomes    []*Outcome
}

// NewWorkingMemory creates a bounded working memory.
func NewWorkingMemory(config WorkingConfig, logger *zap.Logger) *WorkingMemory {
	defaults := DefaultWorkingConfig()
	if config.MaxPredictions <= 0 {
		config.MaxPredictions = defaults.MaxPredictions
	}
	if config.MaxOutcomes <= 0 {
		config.MaxOutcomes = defaults.MaxOutcomes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkingMemory{
		config:      config,
		logger:      logger.Named("memory.working"),
		clock:       time.Now,
		predictions: make(map[string]*Prediction),
	}
}

// RegisterPrediction stores a prediction and returns its ID, evicting the
// oldest in-flight prediction when capacity is exceeded.
func (w *WorkingMemory) RegisterPrediction(p *Prediction) (string, error) {
	if p == nil {
		return "", fmt.Errorf("prediction cannot be nil")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = w.clock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.predictions[p.ID] = p
	if len(w.predictions) > w.config.MaxPredictions {
		w.evictOldestLocked()
	}
	inflightPredictions.Set(float64(len(w.predictions)))
	return p.ID, nil
}

func (w *WorkingMemory) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, p := range w.predictions {
		if oldestID == "" || p.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = p.CreatedAt
		}
	}
	if oldestID != "" {
		delete(w.predictions, oldestID)
		evictedPredictions.Inc()
		w.logger.Debug("evicted oldest in-flight prediction",
			zap.String("prediction_id", oldestID),
			zap.Time("created_at", oldestAt),
		)
	}
}

// CompletePrediction joins a prediction with its observed result, computes
// the derived ratio error, and returns the resulting episode for the
// caller to persist. Unknown prediction IDs return ErrPredictionNotFound
// rather than failing the caller's request.
func (w *WorkingMemory) CompletePrediction(predictionID string, observedSignal, observedBaseline, impact float64, success bool) (*Episode, error) {
	if observedSignal < 0 || observedBaseline < 0 {
		return nil, ErrNegativeMetric
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.predictions[predictionID]
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", predictionID, ErrPredictionNotFound)
	}

	now := w.clock()
	if now.Before(p.CreatedAt.Add(w.config.MinOutcomeLatency)) {
		return nil, fmt.Errorf("prediction %s: %w", predictionID, ErrOutcomeTooEarly)
	}

	outcome := &Outcome{
		PredictionID:     predictionID,
		ObservedSignal:   observedSignal,
		ObservedBaseline: observedBaseline,
		Success:          success,
		Impact:           impact,
		ObservedAt:       now,
	}
	outcome.Error = outcome.ObservedRatio() - p.ExpectedRatio()

	// The prediction is consumed exactly once.
	delete(w.predictions, predictionID)
	inflightPredictions.Set(float64(len(w.predictions)))

	w.outcomes = append(w.outcomes, outcome)
	if len(w.outcomes) > w.config.MaxOutcomes {
		w.outcomes = w.outcomes[1:]
	}

	return &Episode{
		ID:         uuid.New().String(),
		Tenant:     p.Tenant,
		Skill:      p.Skill,
		Domain:     p.Domain,
		Prediction: *p,
		Outcome:    *outcome,
		Weight:     1.0,
		CreatedAt:  now,
	}, nil
}

// Prediction returns an in-flight prediction by ID.
func (w *WorkingMemory) Prediction(id string) (*Prediction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.predictions[id]
	return p, ok
}

// RecentOutcomes returns up to limit of the freshest outcomes, newest
// last.
func (w *WorkingMemory) RecentOutcomes(limit int) []*Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	if limit <= 0 || limit > len(w.outcomes) {
		limit = len(w.outcomes)
	}
	start := len(w.outcomes) - limit
	return append([]*Outcome(nil), w.outcomes[start:]...)
}

// InFlight returns the number of registered, uncompleted predictions.
func (w *WorkingMemory) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.predictions)
}
