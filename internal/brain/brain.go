// Package brain wires the memory layers, predictor, and learner into the
// request/response operations callers use: guidance, prediction
// registration, and outcome completion.
package brain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/learning"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

// Brain is the adaptive core's front door.
type Brain struct {
	working   *memory.WorkingMemory
	episodic  *memory.EpisodicStore
	predictor *learning.Predictor
	learner   *learning.Learner
	logger    *zap.Logger
}

// New creates a Brain over the assembled components.
func New(working *memory.WorkingMemory, episodic *memory.EpisodicStore, predictor *learning.Predictor, learner *learning.Learner, logger *zap.Logger) (*Brain, error) {
	if working == nil || episodic == nil || predictor == nil || learner == nil {
		return nil, fmt.Errorf("all components are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Brain{
		working:   working,
		episodic:  episodic,
		predictor: predictor,
		learner:   learner,
		logger:    logger.Named("brain"),
	}, nil
}

// Guidance returns advice for a request context.
func (b *Brain) Guidance(ctx context.Context, skill, tenant, domain string, reqCtx memory.Context) (*memory.Guidance, error) {
	return b.predictor.Guidance(ctx, skill, tenant, domain, reqCtx)
}

// RegisterPrediction creates and registers a prediction in working
// memory, returning its ID for later completion.
func (b *Brain) RegisterPrediction(tenant, skill, domain string, expectedSignal, expectedBaseline, confidence float64, reqCtx memory.Context, patternIDs []string, exploration bool) (*memory.Prediction, error) {
	p, err := memory.NewPrediction(tenant, skill, domain, expectedSignal, expectedBaseline, confidence, reqCtx)
	if err != nil {
		return nil, err
	}
	p.PatternIDs = patternIDs
	p.Exploration = exploration
	if _, err := b.working.RegisterPrediction(p); err != nil {
		return nil, err
	}
	return p, nil
}

// CompletePrediction joins a prediction with its observed result, persists
// the episode, and feeds the outcome through the learner. The returned
// LearnResult reports how many patterns changed and whether the outcome
// tripped drift detection.
func (b *Brain) CompletePrediction(ctx context.Context, predictionID string, observedSignal, observedBaseline, impact float64, success bool) (*memory.Episode, *learning.LearnResult, error) {
	ep, err := b.working.CompletePrediction(predictionID, observedSignal, observedBaseline, impact, success)
	if err != nil {
		return nil, nil, err
	}
	if err := b.episodic.Store(ctx, ep); err != nil {
		return nil, nil, fmt.Errorf("persist episode: %w", err)
	}
	res, err := b.learner.LearnFromOutcome(ctx, &ep.Prediction, &ep.Outcome)
	if err != nil {
		return nil, nil, fmt.Errorf("learn from outcome: %w", err)
	}
	return ep, res, nil
}

// LearnFromOutcome feeds an externally-constructed prediction/outcome
// pair through the learner, for callers that manage their own episodes.
func (b *Brain) LearnFromOutcome(ctx context.Context, p *memory.Prediction, o *memory.Outcome) (*learning.LearnResult, error) {
	return b.learner.LearnFromOutcome(ctx, p, o)
}
