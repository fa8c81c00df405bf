package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// SemanticConfig tunes pattern confidence learning and decay.
type SemanticConfig struct {
	// PriorConfidence seeds the Bayesian update for new patterns.
	PriorConfidence float64

	// ConfidenceMin and ConfidenceMax bound every confidence after every
	// update and every decay application.
	ConfidenceMin float64
	ConfidenceMax float64

	// DecayRate is the per-day confidence decay applied to patterns not
	// reinforced since last read.
	DecayRate float64

	// MergeTolerance is the relative numeric tolerance for treating two
	// pattern conditions as the same condition.
	MergeTolerance float64

	// MergeEMA weights new evidence when merging a consolidated group
	// into an existing pattern's expected value and variance.
	MergeEMA float64

	// OutcomeEMA weights a single outcome into expected value and recent
	// accuracy.
	OutcomeEMA float64

	// TrustEvidence is the evidence count past which a pattern counts as
	// having been trusted, making it eligible for forgetting.
	TrustEvidence int

	// ForgetBelow archives a once-trusted pattern whose confidence has
	// fallen under it.
	ForgetBelow float64
}

// DefaultSemanticConfig returns the defaults used when a field is zero.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		PriorConfidence: 0.5,
		ConfidenceMin:   0.1,
		ConfidenceMax:   0.95,
		DecayRate:       0.99,
		MergeTolerance:  0.2,
		MergeEMA:        0.2,
		OutcomeEMA:      0.1,
		TrustEvidence:   10,
		ForgetBelow:     0.2,
	}
}

// SemanticStore is the durable per-domain collection of generalized
// patterns with Bayesian confidence.
type SemanticStore struct {
	store  docstore.Store
	config SemanticConfig
	logger *zap.Logger
	clock  func() time.Time
}

// NewSemanticStore creates a semantic store over the given document store.
func NewSemanticStore(store docstore.Store, config SemanticConfig, logger *zap.Logger) *SemanticStore {
	defaults := DefaultSemanticConfig()
	if config.PriorConfidence <= 0 {
		config.PriorConfidence = defaults.PriorConfidence
	}
	if config.ConfidenceMin <= 0 {
		config.ConfidenceMin = defaults.ConfidenceMin
	}
	if config.ConfidenceMax <= 0 {
		config.ConfidenceMax = defaults.ConfidenceMax
	}
	if config.DecayRate <= 0 || config.DecayRate > 1 {
		config.DecayRate = defaults.DecayRate
	}
	if config.MergeTolerance <= 0 {
		config.MergeTolerance = defaults.MergeTolerance
	}
	if config.MergeEMA <= 0 {
		config.MergeEMA = defaults.MergeEMA
	}
	if config.OutcomeEMA <= 0 {
		config.OutcomeEMA = defaults.OutcomeEMA
	}
	if config.TrustEvidence <= 0 {
		config.TrustEvidence = defaults.TrustEvidence
	}
	if config.ForgetBelow <= 0 {
		config.ForgetBelow = defaults.ForgetBelow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticStore{
		store:  store,
		config: config,
		logger: logger.Named("memory.semantic"),
		clock:  time.Now,
	}
}

// RetrievePatterns returns active patterns for skill/domain whose current
// confidence is at least minConfidence, strongest first. Confidence decay
// is applied at read time, computed from LastReinforcedAt, so the returned
// value is the same no matter how many times the pattern is read.
func (s *SemanticStore) RetrievePatterns(ctx context.Context, skill, domain, tenant string, minConfidence float64, limit int) ([]*SemanticPattern, error) {
	patterns, err := s.load(ctx, domain)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	matched := patterns[:0]
	for _, p := range patterns {
		if p.State != PatternActive {
			continue
		}
		if skill != "" && p.Skill != skill {
			continue
		}
		if tenant != "" && !containsString(p.Tenants, tenant) {
			continue
		}
		p.Confidence = s.effectiveConfidence(p, now)
		if p.Confidence < minConfidence {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Confidence > matched[j].Confidence })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetPattern loads a single pattern with current confidence applied.
func (s *SemanticStore) GetPattern(ctx context.Context, domain, id string) (*SemanticPattern, error) {
	doc, err := s.store.Get(ctx, patternPath(domain, id))
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", id, err)
	}
	var p SemanticPattern
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", id, err)
	}
	p.Confidence = s.effectiveConfidence(&p, s.clock())
	return &p, nil
}

// ConsolidateFromEpisodes promotes a group of episodes into a semantic
// pattern. The condition is the intersection of context entries common to
// every episode. When an existing active pattern for the same skill and
// domain carries an equivalent condition, the evidence merges into it;
// otherwise a new pattern is created.
func (s *SemanticStore) ConsolidateFromEpisodes(ctx context.Context, episodes []*Episode) (*SemanticPattern, error) {
	if len(episodes) == 0 {
		return nil, fmt.Errorf("consolidate: no episodes")
	}
	skill := episodes[0].Skill
	domain := episodes[0].Domain
	for _, ep := range episodes[1:] {
		if ep.Skill != skill || ep.Domain != domain {
			return nil, fmt.Errorf("consolidate: episodes span multiple skill/domain groups")
		}
	}

	condition := intersectContexts(episodes)
	successes, failures := 0, 0
	tenants := make(map[string]struct{})
	ratios := make([]float64, 0, len(episodes))
	for _, ep := range episodes {
		if ep.Outcome.Success {
			successes++
		} else {
			failures++
		}
		tenants[ep.Tenant] = struct{}{}
		ratios = append(ratios, ep.Outcome.ObservedRatio())
	}
	mean, variance := meanVariance(ratios)

	now := s.clock()
	existing, err := s.findEquivalent(ctx, skill, domain, condition)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.SuccessCount += successes
		existing.FailureCount += failures
		existing.EvidenceCount += len(episodes)
		existing.Confidence = s.bayesianConfidence(existing.SuccessCount, existing.FailureCount)
		existing.ExpectedValue = ema(existing.ExpectedValue, mean, s.config.MergeEMA)
		existing.Variance = ema(existing.Variance, variance, s.config.MergeEMA)
		for t := range tenants {
			if !containsString(existing.Tenants, t) {
				existing.Tenants = append(existing.Tenants, t)
			}
		}
		sort.Strings(existing.Tenants)
		existing.LastReinforcedAt = now
		existing.UpdatedAt = now
		if err := s.save(ctx, existing); err != nil {
			return nil, err
		}
		patternsMerged.Inc()
		return existing, nil
	}

	p := &SemanticPattern{
		ID:               uuid.New().String(),
		Skill:            skill,
		Domain:           domain,
		Condition:        condition,
		Recommendation:   condition.Clone(),
		EvidenceCount:    len(episodes),
		SuccessCount:     successes,
		FailureCount:     failures,
		ExpectedValue:    mean,
		Variance:         variance,
		RecentAccuracy:   successRate(successes, failures),
		Tenants:          sortedKeys(tenants),
		DecayRate:        s.config.DecayRate,
		State:            PatternActive,
		LastReinforcedAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	p.Confidence = s.bayesianConfidence(p.SuccessCount, p.FailureCount)
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	marker, _ := json.Marshal(map[string]string{"domain": domain})
	if err := s.store.Set(ctx, domainMarkerPath(domain), marker); err != nil {
		return nil, fmt.Errorf("store domain marker: %w", err)
	}
	patternsCreated.Inc()
	return p, nil
}

// UpdateFromOutcome folds one observed outcome into a pattern: counts,
// Bayesian confidence, and the moving averages for expected value and
// recent accuracy. The update reinforces the pattern, resetting its decay
// anchor. The decay-adjusted confidence is the prior for the update, so
// decay and drift dampening survive subsequent outcomes instead of being
// overwritten by a recompute from raw counts.
func (s *SemanticStore) UpdateFromOutcome(ctx context.Context, domain, patternID string, success bool, observedRatio float64) (*SemanticPattern, error) {
	doc, err := s.store.Get(ctx, patternPath(domain, patternID))
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", patternID, err)
	}
	var p SemanticPattern
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", patternID, err)
	}

	now := s.clock()
	prior := s.effectiveConfidence(&p, now)
	strength := priorStrength + float64(p.EvidenceCount)

	p.EvidenceCount++
	accuracy := 0.0
	alpha := prior * strength
	beta := (1 - prior) * strength
	if success {
		p.SuccessCount++
		accuracy = 1.0
		alpha++
	} else {
		p.FailureCount++
		beta++
	}
	p.Confidence = clamp(alpha/(alpha+beta), s.config.ConfidenceMin, s.config.ConfidenceMax)
	p.ExpectedValue = ema(p.ExpectedValue, observedRatio, s.config.OutcomeEMA)
	p.RecentAccuracy = ema(p.RecentAccuracy, accuracy, s.config.OutcomeEMA)

	p.LastReinforcedAt = now
	p.UpdatedAt = now
	if err := s.save(ctx, &p); err != nil {
		return nil, err
	}
	patternUpdates.Inc()
	return &p, nil
}

// DampenPattern scales a pattern's decay-adjusted confidence by factor
// and records one failure against it, resetting the decay anchor. Drift
// handling uses it to drive confidence down from the value the store
// actually serves, which a forced-failure count recompute cannot do for
// a pattern whose confidence has decayed below its count posterior.
func (s *SemanticStore) DampenPattern(ctx context.Context, domain, patternID string, factor float64) (*SemanticPattern, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("dampen factor must be in (0, 1), got %v", factor)
	}
	doc, err := s.store.Get(ctx, patternPath(domain, patternID))
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", patternID, err)
	}
	var p SemanticPattern
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return nil, fmt.Errorf("decode pattern %s: %w", patternID, err)
	}

	now := s.clock()
	p.Confidence = clamp(s.effectiveConfidence(&p, now)*factor, s.config.ConfidenceMin, s.config.ConfidenceMax)
	p.EvidenceCount++
	p.FailureCount++
	p.RecentAccuracy = ema(p.RecentAccuracy, 0, s.config.OutcomeEMA)
	p.LastReinforcedAt = now
	p.UpdatedAt = now
	if err := s.save(ctx, &p); err != nil {
		return nil, err
	}
	patternUpdates.Inc()
	return &p, nil
}

// ForgetStalePatterns archives patterns in the domain that accumulated
// enough evidence to have been trusted but whose confidence has since
// fallen below the forget threshold. Returns how many were archived.
func (s *SemanticStore) ForgetStalePatterns(ctx context.Context, domain string) (int, error) {
	patterns, err := s.load(ctx, domain)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	forgotten := 0
	for _, p := range patterns {
		if p.State != PatternActive {
			continue
		}
		if p.EvidenceCount < s.config.TrustEvidence {
			continue
		}
		if s.effectiveConfidence(p, now) >= s.config.ForgetBelow {
			continue
		}
		if err := s.archivePattern(ctx, p, now); err != nil {
			return forgotten, err
		}
		forgotten++
		s.logger.Info("forgot stale pattern",
			zap.String("pattern_id", p.ID),
			zap.String("skill", p.Skill),
			zap.String("domain", p.Domain),
			zap.Int("evidence_count", p.EvidenceCount),
		)
	}
	patternsForgotten.Add(float64(forgotten))
	return forgotten, nil
}

// Domains lists domains that have at least one consolidated pattern.
func (s *SemanticStore) Domains(ctx context.Context) ([]string, error) {
	docs, err := s.store.Query(ctx, domainMarkerCollection, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	domains := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := docstore.ChildID(domainMarkerCollection, doc.Path); ok {
			domains = append(domains, id)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

// ActivePatterns returns every active pattern in the domain with current
// confidence applied, for cross-skill promotion.
func (s *SemanticStore) ActivePatterns(ctx context.Context, domain string) ([]*SemanticPattern, error) {
	patterns, err := s.load(ctx, domain)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	active := patterns[:0]
	for _, p := range patterns {
		if p.State != PatternActive {
			continue
		}
		p.Confidence = s.effectiveConfidence(p, now)
		active = append(active, p)
	}
	return active, nil
}

// priorStrength is the pseudo-count weight of the configured prior: a new
// pattern behaves as if priorStrength observations at the prior rate had
// already been seen.
const priorStrength = 10

// bayesianConfidence computes the posterior from the configured prior and
// the pattern's accumulated evidence: alpha = prior*priorStrength + successes,
// beta = (1-prior)*priorStrength + failures, posterior = alpha/(alpha+beta),
// clamped.
func (s *SemanticStore) bayesianConfidence(successes, failures int) float64 {
	alpha := s.config.PriorConfidence*priorStrength + float64(successes)
	beta := (1-s.config.PriorConfidence)*priorStrength + float64(failures)
	return clamp(alpha/(alpha+beta), s.config.ConfidenceMin, s.config.ConfidenceMax)
}

// effectiveConfidence applies decay for time since last reinforcement.
// Computed from the anchor timestamp, not from a running multiplier, so
// double application for the same interval yields the same value.
func (s *SemanticStore) effectiveConfidence(p *SemanticPattern, now time.Time) float64 {
	rate := p.DecayRate
	if rate <= 0 || rate > 1 {
		rate = s.config.DecayRate
	}
	days := now.Sub(p.LastReinforcedAt).Hours() / 24
	if days <= 0 {
		return clamp(p.Confidence, s.config.ConfidenceMin, s.config.ConfidenceMax)
	}
	return clamp(p.Confidence*math.Pow(rate, days), s.config.ConfidenceMin, s.config.ConfidenceMax)
}

func (s *SemanticStore) findEquivalent(ctx context.Context, skill, domain string, condition Context) (*SemanticPattern, error) {
	patterns, err := s.load(ctx, domain)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		if p.State != PatternActive || p.Skill != skill {
			continue
		}
		if conditionsEquivalent(p.Condition, condition, s.config.MergeTolerance) {
			return p, nil
		}
	}
	return nil, nil
}

func (s *SemanticStore) load(ctx context.Context, domain string) ([]*SemanticPattern, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	collection := patternCollection(domain)
	docs, err := s.store.Query(ctx, collection, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("query patterns %s: %w", collection, err)
	}
	patterns := make([]*SemanticPattern, 0, len(docs))
	for _, doc := range docs {
		var p SemanticPattern
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			s.logger.Warn("skipping undecodable pattern",
				zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		patterns = append(patterns, &p)
	}
	return patterns, nil
}

func (s *SemanticStore) save(ctx context.Context, p *SemanticPattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	if err := s.store.Set(ctx, patternPath(p.Domain, p.ID), data); err != nil {
		return fmt.Errorf("store pattern %s: %w", p.ID, err)
	}
	return nil
}

func (s *SemanticStore) archivePattern(ctx context.Context, p *SemanticPattern, now time.Time) error {
	p.State = PatternArchived
	p.UpdatedAt = now
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	if err := s.store.Set(ctx, archivedPatternPath(p.Domain, p.ID), data); err != nil {
		return fmt.Errorf("archive pattern %s: %w", p.ID, err)
	}
	if err := s.store.Delete(ctx, patternPath(p.Domain, p.ID)); err != nil {
		return fmt.Errorf("remove live pattern %s: %w", p.ID, err)
	}
	return nil
}

// intersectContexts returns the context entries identical across every
// episode's prediction context.
func intersectContexts(episodes []*Episode) Context {
	condition := episodes[0].Prediction.Context.Clone()
	for _, ep := range episodes[1:] {
		for key, want := range condition {
			have, ok := ep.Prediction.Context[key]
			if !ok || have != want {
				delete(condition, key)
			}
		}
	}
	return condition
}

// conditionsEquivalent reports whether two conditions cover the same keys
// with numeric values within tolerance and labels equal.
func conditionsEquivalent(a, b Context, tolerance float64) bool {
	if len(a) != len(b) {
		return false
	}
	return a.Matches(b, tolerance) && b.Matches(a, tolerance)
}

func meanVariance(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, variance / float64(len(values))
}

func ema(current, observed, weight float64) float64 {
	return (1-weight)*current + weight*observed
}

func successRate(successes, failures int) float64 {
	if successes+failures == 0 {
		return 0
	}
	return float64(successes) / float64(successes+failures)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const domainMarkerCollection = "domains"

func domainMarkerPath(domain string) string {
	return "domains/" + domain
}
