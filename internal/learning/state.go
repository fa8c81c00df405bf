package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// statePath is the singleton document holding the shared learning state.
const statePath = "learningState"

// ErrStateContention is returned when a state update keeps losing the
// optimistic-lock race past the bounded retry count.
var ErrStateContention = errors.New("learning state contention: retries exhausted")

// ShadowCandidate is an alternative weight set evaluated in parallel with
// the live weights. It is promoted when it proves itself over enough
// trials.
type ShadowCandidate struct {
	Weights         map[string]float64 `json:"weights"`
	Trials          int                `json:"trials"`
	CumulativeError float64            `json:"cumulative_error"`
	CreatedAt       time.Time          `json:"created_at"`
}

// MeanError is the candidate's average absolute error so far.
func (c *ShadowCandidate) MeanError() float64 {
	if c.Trials == 0 {
		return 0
	}
	return c.CumulativeError / float64(c.Trials)
}

// State is the process-wide weighting for outcome interpretation. It is
// an explicit value passed into and returned from updates, never an
// ambient global; the version field backs the optimistic lock.
type State struct {
	Weights   map[string]float64 `json:"weights"`
	Iteration int                `json:"iteration"`
	EMAError  float64            `json:"ema_error"`
	Shadow    *ShadowCandidate   `json:"shadow,omitempty"`
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (s *State) clone() *State {
	cp := *s
	cp.Weights = make(map[string]float64, len(s.Weights))
	for k, v := range s.Weights {
		cp.Weights[k] = v
	}
	if s.Shadow != nil {
		shadow := *s.Shadow
		shadow.Weights = make(map[string]float64, len(s.Shadow.Weights))
		for k, v := range s.Shadow.Weights {
			shadow.Weights[k] = v
		}
		cp.Shadow = &shadow
	}
	return &cp
}

// StateConfig tunes the weight-update path.
type StateConfig struct {
	// WeightMin and WeightMax clamp every weight after every update.
	WeightMin float64
	WeightMax float64

	// BaseRate, MinRate, and DecayConstant shape the learning-rate
	// schedule eta = max(minRate, baseRate/(1+decayConstant*iteration)).
	BaseRate      float64
	MinRate       float64
	DecayConstant float64

	// ErrorEMA weights each new absolute error into the rolling average.
	ErrorEMA float64

	// ShadowThreshold is the EMA error level that spawns a shadow
	// candidate; 1.5x this level also triples the learning rate.
	ShadowThreshold float64

	// ShadowTrials is how many evaluations a candidate gets before the
	// promote-or-discard decision.
	ShadowTrials int

	// MaxSaveRetries bounds reload-and-reapply attempts on an
	// optimistic-lock conflict.
	MaxSaveRetries int
}

// DefaultStateConfig returns the defaults used when a field is zero.
func DefaultStateConfig() StateConfig {
	return StateConfig{
		WeightMin:       0.0,
		WeightMax:       2.0,
		BaseRate:        0.1,
		MinRate:         0.01,
		DecayConstant:   0.01,
		ErrorEMA:        0.1,
		ShadowThreshold: 0.3,
		ShadowTrials:    20,
		MaxSaveRetries:  3,
	}
}

// StateStore persists the learning state with optimistic locking. Every
// successful save increases the version by exactly one; a concurrent
// writer surfaces as docstore.ErrConflict inside the transaction and the
// update is reapplied against the fresh state.
type StateStore struct {
	store  docstore.Store
	config StateConfig
	logger *zap.Logger

	// mu serializes in-process updates so they never race each other for
	// the optimistic lock; the version check still guards writers in
	// other processes.
	mu sync.Mutex
}

// NewStateStore creates a state store over the given document store.
func NewStateStore(store docstore.Store, config StateConfig, logger *zap.Logger) *StateStore {
	defaults := DefaultStateConfig()
	if config.WeightMax <= config.WeightMin {
		config.WeightMin = defaults.WeightMin
		config.WeightMax = defaults.WeightMax
	}
	if config.BaseRate <= 0 {
		config.BaseRate = defaults.BaseRate
	}
	if config.MinRate <= 0 {
		config.MinRate = defaults.MinRate
	}
	if config.DecayConstant <= 0 {
		config.DecayConstant = defaults.DecayConstant
	}
	if config.ErrorEMA <= 0 {
		config.ErrorEMA = defaults.ErrorEMA
	}
	if config.ShadowThreshold <= 0 {
		config.ShadowThreshold = defaults.ShadowThreshold
	}
	if config.ShadowTrials <= 0 {
		config.ShadowTrials = defaults.ShadowTrials
	}
	if config.MaxSaveRetries <= 0 {
		config.MaxSaveRetries = defaults.MaxSaveRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{
		store:  store,
		config: config,
		logger: logger.Named("learning.state"),
	}
}

// Load returns the current state, or a fresh zeroed state when none has
// been persisted yet.
func (ss *StateStore) Load(ctx context.Context) (*State, error) {
	doc, err := ss.store.Get(ctx, statePath)
	if errors.Is(err, docstore.ErrNotFound) {
		return &State{Weights: make(map[string]float64)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load learning state: %w", err)
	}
	var st State
	if err := json.Unmarshal(doc.Data, &st); err != nil {
		return nil, fmt.Errorf("decode learning state: %w", err)
	}
	if st.Weights == nil {
		st.Weights = make(map[string]float64)
	}
	return &st, nil
}

// Apply runs update against the current state inside a store transaction
// and persists the result with version+1. In-process callers are
// serialized by the store's mutex; when the transaction still loses the
// optimistic-lock race to another process, the state is reloaded and the
// update reapplied, up to the configured retry bound.
func (ss *StateStore) Apply(ctx context.Context, update func(st *State) error) (*State, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var applied *State
	for attempt := 0; attempt < ss.config.MaxSaveRetries; attempt++ {
		err := ss.store.Transaction(ctx, func(tx docstore.Tx) error {
			st := &State{Weights: make(map[string]float64)}
			doc, err := tx.Get(statePath)
			if err != nil && !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			if doc != nil {
				if err := json.Unmarshal(doc.Data, st); err != nil {
					return fmt.Errorf("decode learning state: %w", err)
				}
				if st.Weights == nil {
					st.Weights = make(map[string]float64)
				}
			}

			st = st.clone()
			if err := update(st); err != nil {
				return err
			}
			st.Version++
			st.UpdatedAt = time.Now()

			data, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("marshal learning state: %w", err)
			}
			applied = st
			return tx.Set(statePath, data)
		})
		if err == nil {
			stateVersion.Set(float64(applied.Version))
			return applied, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return nil, err
		}
		stateConflicts.Inc()
		ss.logger.Debug("learning state save lost optimistic-lock race",
			zap.Int("attempt", attempt+1))
	}
	return nil, ErrStateContention
}

// learningRate computes the decayed eta for the given iteration, tripled
// (bounded by the base rate) when the rolling error signals a regime
// change.
func (ss *StateStore) learningRate(iteration int, emaError float64) float64 {
	eta := ss.config.BaseRate / (1 + ss.config.DecayConstant*float64(iteration))
	if eta < ss.config.MinRate {
		eta = ss.config.MinRate
	}
	if emaError > 1.5*ss.config.ShadowThreshold {
		eta *= 3
		if eta > ss.config.BaseRate {
			eta = ss.config.BaseRate
		}
	}
	return eta
}

func (ss *StateStore) clampWeight(w float64) float64 {
	if w < ss.config.WeightMin {
		return ss.config.WeightMin
	}
	if w > ss.config.WeightMax {
		return ss.config.WeightMax
	}
	return w
}
