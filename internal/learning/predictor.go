package learning

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

// PredictorConfig tunes the explore/exploit decision.
type PredictorConfig struct {
	// ExplorationRate is the fixed probability of exploring regardless of
	// candidate quality.
	ExplorationRate float64

	// UncertaintyThreshold forces exploration when the best candidate's
	// confidence sits below it.
	UncertaintyThreshold float64

	// MatchTolerance is the relative numeric tolerance for a pattern
	// condition to match the request context.
	MatchTolerance float64

	// ProceduralBlend weights the existing value when overlaying
	// procedural knowledge onto numeric parameters.
	ProceduralBlend float64

	// ExploreNoise is the relative perturbation applied to numeric
	// parameters during exploration.
	ExploreNoise float64

	// ExploreConfidence is the fixed confidence reported for exploratory
	// guidance.
	ExploreConfidence float64

	// MaxCandidates bounds how many patterns are considered per request.
	MaxCandidates int

	// SkillDefaults are the starting parameters per skill for exploration
	// and for degraded operation when the store is unreachable.
	SkillDefaults map[string]memory.Context
}

// DefaultPredictorConfig returns the defaults used when a field is zero.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		ExplorationRate:      0.15,
		UncertaintyThreshold: 0.4,
		MatchTolerance:       0.3,
		ProceduralBlend:      0.7,
		ExploreNoise:         0.2,
		ExploreConfidence:    0.2,
		MaxCandidates:        50,
	}
}

// Predictor turns learned memory into per-request guidance, balancing
// exploitation of trusted patterns against exploration of the space the
// system has not verified yet.
type Predictor struct {
	semantic   *memory.SemanticStore
	procedural *memory.ProceduralStore
	config     PredictorConfig
	logger     *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPredictor creates a predictor over the semantic and procedural stores.
func NewPredictor(semantic *memory.SemanticStore, procedural *memory.ProceduralStore, config PredictorConfig, logger *zap.Logger) *Predictor {
	defaults := DefaultPredictorConfig()
	if config.ExplorationRate <= 0 {
		config.ExplorationRate = defaults.ExplorationRate
	}
	if config.UncertaintyThreshold <= 0 {
		config.UncertaintyThreshold = defaults.UncertaintyThreshold
	}
	if config.MatchTolerance <= 0 {
		config.MatchTolerance = defaults.MatchTolerance
	}
	if config.ProceduralBlend <= 0 {
		config.ProceduralBlend = defaults.ProceduralBlend
	}
	if config.ExploreNoise <= 0 {
		config.ExploreNoise = defaults.ExploreNoise
	}
	if config.ExploreConfidence <= 0 {
		config.ExploreConfidence = defaults.ExploreConfidence
	}
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = defaults.MaxCandidates
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{
		semantic:   semantic,
		procedural: procedural,
		config:     config,
		logger:     logger.Named("learning.predictor"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Guidance produces advice for one request. When the backing store is
// rejecting calls (circuit open) or otherwise unreachable, it degrades to
// exploratory guidance from configured defaults instead of failing the
// caller.
func (p *Predictor) Guidance(ctx context.Context, skill, tenant, domain string, reqCtx memory.Context) (*memory.Guidance, error) {
	if skill == "" {
		return nil, memory.ErrEmptySkill
	}
	if domain == "" {
		return nil, memory.ErrEmptyDomain
	}

	patterns, err := p.semantic.RetrievePatterns(ctx, skill, domain, tenant, 0, p.config.MaxCandidates)
	if err != nil {
		if p.storeDown(err) {
			p.logger.Warn("store unreachable, degrading to exploratory guidance",
				zap.String("skill", skill), zap.Error(err))
			return p.explore(skill, nil, memory.ExploreStoreDown), nil
		}
		return nil, fmt.Errorf("retrieve patterns: %w", err)
	}

	knowledge, err := p.procedural.Retrieve(ctx, skill, domain)
	if err != nil {
		if !p.storeDown(err) {
			return nil, fmt.Errorf("retrieve knowledge: %w", err)
		}
		knowledge = nil
	}

	// Decision chain, in priority order.
	if p.draw() < p.config.ExplorationRate {
		return p.explore(skill, knowledge, memory.ExploreRandom), nil
	}
	if len(patterns) == 0 {
		return p.explore(skill, knowledge, memory.ExploreNoPatterns), nil
	}

	best := bestCandidate(patterns)
	if best.Confidence < p.config.UncertaintyThreshold {
		return p.explore(skill, knowledge, memory.ExploreLowConfidence), nil
	}

	matching := p.contextMatches(patterns, reqCtx)
	if len(matching) == 0 {
		return p.explore(skill, knowledge, memory.ExploreNovelContext), nil
	}

	return p.exploit(matching, knowledge), nil
}

// storeDown reports whether the error means the store could not serve the
// read at all, as opposed to rejecting a bad request.
func (p *Predictor) storeDown(err error) bool {
	if errors.Is(err, docstore.ErrCircuitOpen) {
		return true
	}
	return docstore.Classify(err) == docstore.CategoryTransient
}

// exploit picks the matching pattern maximizing confidence x recent
// accuracy and overlays procedural knowledge onto its recommendation.
func (p *Predictor) exploit(matching []*memory.SemanticPattern, knowledge []*memory.ProceduralKnowledge) *memory.Guidance {
	best := matching[0]
	bestScore := best.Confidence * best.RecentAccuracy
	for _, c := range matching[1:] {
		if score := c.Confidence * c.RecentAccuracy; score > bestScore {
			best, bestScore = c, score
		}
	}

	params := best.Recommendation.Clone()
	applied := p.overlayKnowledge(params, knowledge)

	confidence := best.Confidence
	knowledgeIDs := make([]string, 0, len(applied))
	if len(applied) > 0 {
		sum := 0.0
		for _, k := range applied {
			sum += k.CrossSkillConfidence
			knowledgeIDs = append(knowledgeIDs, k.ID)
		}
		confidence = (best.Confidence + sum/float64(len(applied))) / 2
	}

	guidanceServed.WithLabelValues("exploit").Inc()
	return &memory.Guidance{
		Parameters:  params,
		Confidence:  confidence,
		Uncertainty: 1 - confidence,
		Reasoning: fmt.Sprintf("exploiting pattern %s (confidence %.2f, recent accuracy %.2f)",
			best.ID, best.Confidence, best.RecentAccuracy),
		PatternIDs:   []string{best.ID},
		KnowledgeIDs: knowledgeIDs,
		GeneratedAt:  time.Now(),
	}
}

// explore builds guidance from the skill's configured defaults, overlays
// procedural knowledge, and perturbs every numeric parameter.
func (p *Predictor) explore(skill string, knowledge []*memory.ProceduralKnowledge, reason memory.ExploreReason) *memory.Guidance {
	params := memory.Context{}
	if defaults, ok := p.config.SkillDefaults[skill]; ok {
		params = defaults.Clone()
	}
	applied := p.overlayKnowledge(params, knowledge)
	knowledgeIDs := make([]string, 0, len(applied))
	for _, k := range applied {
		knowledgeIDs = append(knowledgeIDs, k.ID)
	}

	for key, v := range params {
		if v.Kind == memory.KindNumber {
			params[key] = memory.Num(v.Number * (1 + p.noise()))
		}
	}

	guidanceServed.WithLabelValues("explore").Inc()
	return &memory.Guidance{
		Parameters:        params,
		Confidence:        p.config.ExploreConfidence,
		Uncertainty:       1 - p.config.ExploreConfidence,
		Reasoning:         "exploring: " + string(reason),
		KnowledgeIDs:      knowledgeIDs,
		Exploration:       true,
		ExplorationReason: reason,
		GeneratedAt:       time.Now(),
	}
}

// overlayKnowledge folds procedural recommendations into params: numeric
// fields blend toward the existing value, missing fields are adopted, and
// label conflicts keep the existing value. Returns the entries that
// contributed.
func (p *Predictor) overlayKnowledge(params memory.Context, knowledge []*memory.ProceduralKnowledge) []*memory.ProceduralKnowledge {
	var applied []*memory.ProceduralKnowledge
	for _, k := range knowledge {
		contributed := false
		for key, kv := range k.Recommendation {
			existing, ok := params[key]
			switch {
			case !ok:
				params[key] = kv
				contributed = true
			case existing.Kind == memory.KindNumber && kv.Kind == memory.KindNumber:
				blended := p.config.ProceduralBlend*existing.Number + (1-p.config.ProceduralBlend)*kv.Number
				params[key] = memory.Num(blended)
				contributed = true
			}
		}
		if contributed {
			applied = append(applied, k)
		}
	}
	return applied
}

func (p *Predictor) contextMatches(patterns []*memory.SemanticPattern, reqCtx memory.Context) []*memory.SemanticPattern {
	var matching []*memory.SemanticPattern
	for _, c := range patterns {
		if reqCtx.Matches(c.Condition, p.config.MatchTolerance) {
			matching = append(matching, c)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].ID < matching[j].ID })
	return matching
}

func bestCandidate(patterns []*memory.SemanticPattern) *memory.SemanticPattern {
	best := patterns[0]
	for _, c := range patterns[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

func (p *Predictor) draw() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

func (p *Predictor) noise() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return (p.rng.Float64()*2 - 1) * p.config.ExploreNoise
}
