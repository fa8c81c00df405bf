// Package consolidation orchestrates the memory lifecycle: decaying
// episodes, promoting ripe episodes into semantic patterns, forgetting
// stale patterns, and promoting corroborated patterns into procedural
// knowledge.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

// ManagerConfig tunes the consolidation cycle.
type ManagerConfig struct {
	// MinEpisodes is the smallest group of consolidation-eligible
	// episodes that gets promoted into a semantic pattern.
	MinEpisodes int

	// MaxEpisodesPerSkill caps how many episodes one cycle pulls per
	// tenant/skill.
	MaxEpisodesPerSkill int

	// MinSkills is how many distinct skills must corroborate a condition
	// before it is promoted to procedural knowledge.
	MinSkills int

	// CrossSkillConfidence is the minimum mean confidence a pattern group
	// needs for cross-skill promotion.
	CrossSkillConfidence float64

	// MaxParallelTenants bounds the worker pool for RunAll.
	MaxParallelTenants int
}

// DefaultManagerConfig returns the defaults used when a field is zero.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinEpisodes:          3,
		MaxEpisodesPerSkill:  100,
		MinSkills:            2,
		CrossSkillConfidence: 0.6,
		MaxParallelTenants:   4,
	}
}

// CycleStats summarizes one tenant's consolidation cycle.
type CycleStats struct {
	Tenant            string             `json:"tenant"`
	Decay             *memory.DecayStats `json:"decay"`
	PatternsWritten   int                `json:"patterns_written"`
	EpisodesPromoted  int                `json:"episodes_promoted"`
	PatternsForgotten int                `json:"patterns_forgotten"`
	KnowledgePromoted int                `json:"knowledge_promoted"`
	Duration          time.Duration      `json:"duration"`
}

// EventSink receives completed cycle notifications, e.g. for publishing.
type EventSink interface {
	ConsolidationCompleted(tenant string, stats *CycleStats)
}

// Manager runs consolidation cycles. A per-tenant lock keeps a tenant
// from running two cycles concurrently; different tenants run in
// parallel.
type Manager struct {
	episodic   *memory.EpisodicStore
	semantic   *memory.SemanticStore
	procedural *memory.ProceduralStore
	config     ManagerConfig
	logger     *zap.Logger
	clock      func() time.Time
	sink       EventSink

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventSink registers a sink notified after each completed cycle.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a consolidation manager.
func NewManager(episodic *memory.EpisodicStore, semantic *memory.SemanticStore, procedural *memory.ProceduralStore, config ManagerConfig, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if episodic == nil || semantic == nil || procedural == nil {
		return nil, fmt.Errorf("all memory stores are required")
	}
	defaults := DefaultManagerConfig()
	if config.MinEpisodes <= 0 {
		config.MinEpisodes = defaults.MinEpisodes
	}
	if config.MaxEpisodesPerSkill <= 0 {
		config.MaxEpisodesPerSkill = defaults.MaxEpisodesPerSkill
	}
	if config.MinSkills <= 1 {
		config.MinSkills = defaults.MinSkills
	}
	if config.CrossSkillConfidence <= 0 {
		config.CrossSkillConfidence = defaults.CrossSkillConfidence
	}
	if config.MaxParallelTenants <= 0 {
		config.MaxParallelTenants = defaults.MaxParallelTenants
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		episodic:   episodic,
		semantic:   semantic,
		procedural: procedural,
		config:     config,
		logger:     logger.Named("consolidation"),
		clock:      time.Now,
		tenants:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RunAll fans a consolidation cycle out over the given tenants, bounded
// by the worker pool. The first tenant error cancels the rest.
func (m *Manager) RunAll(ctx context.Context, tenants []string) (map[string]*CycleStats, error) {
	results := make(map[string]*CycleStats, len(tenants))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxParallelTenants)
	for _, tenant := range tenants {
		g.Go(func() error {
			stats, err := m.RunCycle(gctx, tenant)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", tenant, err)
			}
			resultsMu.Lock()
			results[tenant] = stats
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RunCycle runs one consolidation cycle for the tenant: decay, episode
// promotion, forgetting, then cross-skill promotion. A context deadline
// aborts between atomic writes, never inside one.
func (m *Manager) RunCycle(ctx context.Context, tenant string) (*CycleStats, error) {
	if tenant == "" {
		return nil, memory.ErrEmptyTenant
	}
	lock := m.tenantLock(tenant)
	lock.Lock()
	defer lock.Unlock()

	start := m.clock()
	stats := &CycleStats{Tenant: tenant}

	decay, err := m.episodic.DecayAll(ctx, tenant)
	if err != nil {
		return stats, fmt.Errorf("decay: %w", err)
	}
	stats.Decay = decay

	if err := m.consolidateEpisodes(ctx, tenant, stats); err != nil {
		return stats, err
	}

	domains, err := m.semantic.Domains(ctx)
	if err != nil {
		return stats, fmt.Errorf("list domains: %w", err)
	}
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		forgotten, err := m.semantic.ForgetStalePatterns(ctx, domain)
		if err != nil {
			return stats, fmt.Errorf("forget %s: %w", domain, err)
		}
		stats.PatternsForgotten += forgotten
	}

	promoted, err := m.promoteCrossSkill(ctx, domains)
	if err != nil {
		return stats, err
	}
	stats.KnowledgePromoted = promoted

	stats.Duration = m.clock().Sub(start)
	cyclesRun.Inc()
	cycleDuration.Observe(stats.Duration.Seconds())
	m.logger.Info("consolidation cycle complete",
		zap.String("tenant", tenant),
		zap.Int("patterns_written", stats.PatternsWritten),
		zap.Int("episodes_promoted", stats.EpisodesPromoted),
		zap.Int("patterns_forgotten", stats.PatternsForgotten),
		zap.Int("knowledge_promoted", stats.KnowledgePromoted),
		zap.Duration("duration", stats.Duration),
	)
	if m.sink != nil {
		m.sink.ConsolidationCompleted(tenant, stats)
	}
	return stats, nil
}

// consolidateEpisodes promotes each skill's eligible episodes, grouped by
// domain, into semantic patterns and marks them consolidated.
func (m *Manager) consolidateEpisodes(ctx context.Context, tenant string, stats *CycleStats) error {
	skills, err := m.episodic.Skills(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list skills: %w", err)
	}
	for _, skill := range skills {
		if err := ctx.Err(); err != nil {
			return err
		}
		episodes, err := m.episodic.ForConsolidation(ctx, tenant, skill, m.config.MaxEpisodesPerSkill)
		if err != nil {
			return fmt.Errorf("episodes for %s: %w", skill, err)
		}

		byDomain := make(map[string][]*memory.Episode)
		for _, ep := range episodes {
			byDomain[ep.Domain] = append(byDomain[ep.Domain], ep)
		}
		for _, group := range byDomain {
			if len(group) < m.config.MinEpisodes {
				continue
			}
			if _, err := m.semantic.ConsolidateFromEpisodes(ctx, group); err != nil {
				return fmt.Errorf("consolidate %s: %w", skill, err)
			}
			if err := m.episodic.MarkConsolidated(ctx, group); err != nil {
				return err
			}
			stats.PatternsWritten++
			stats.EpisodesPromoted += len(group)
		}
	}
	return nil
}

// promoteCrossSkill groups active patterns by their canonical condition
// key and promotes any group spanning enough distinct skills with enough
// mean confidence into procedural knowledge.
func (m *Manager) promoteCrossSkill(ctx context.Context, domains []string) (int, error) {
	groups := make(map[string][]*memory.SemanticPattern)
	for _, domain := range domains {
		patterns, err := m.semantic.ActivePatterns(ctx, domain)
		if err != nil {
			return 0, fmt.Errorf("patterns for %s: %w", domain, err)
		}
		for _, p := range patterns {
			key := p.Condition.CanonicalKey()
			groups[key] = append(groups[key], p)
		}
	}

	promoted := 0
	for key, group := range groups {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		skills := distinctSkills(group)
		if len(skills) < m.config.MinSkills {
			continue
		}
		meanConfidence := 0.0
		for _, p := range group {
			meanConfidence += p.Confidence
		}
		meanConfidence /= float64(len(group))
		if meanConfidence < m.config.CrossSkillConfidence {
			continue
		}
		if err := m.writeKnowledge(ctx, key, group, skills, meanConfidence); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (m *Manager) writeKnowledge(ctx context.Context, key string, group []*memory.SemanticPattern, skills []string, meanConfidence float64) error {
	now := m.clock()

	k, err := m.procedural.ByConditionKey(ctx, key)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		k = &memory.ProceduralKnowledge{
			ID:           memory.NewID(),
			ConditionKey: key,
			CreatedAt:    now,
		}
	case err != nil:
		return fmt.Errorf("look up knowledge for condition %s: %w", key, err)
	}
	k.Description = fmt.Sprintf("generalized across %d skills for condition %s", len(skills), key)
	k.Skills = skills
	k.Domains = distinctDomains(group)
	k.Recommendation = mergeRecommendations(group)
	k.CrossSkillConfidence = meanConfidence
	k.SkillAccuracy = make(map[string]float64, len(skills))
	k.SourcePatternIDs = k.SourcePatternIDs[:0]
	for _, p := range group {
		// Keep the weakest accuracy per skill: the generalization is only
		// as validated as its least accurate contributor.
		if acc, ok := k.SkillAccuracy[p.Skill]; !ok || p.RecentAccuracy < acc {
			k.SkillAccuracy[p.Skill] = p.RecentAccuracy
		}
		k.SourcePatternIDs = append(k.SourcePatternIDs, p.ID)
	}
	k.UpdatedAt = now

	if err := m.procedural.Store(ctx, k); err != nil {
		return fmt.Errorf("promote knowledge: %w", err)
	}
	m.logger.Info("promoted cross-skill knowledge",
		zap.String("knowledge_id", k.ID),
		zap.Strings("skills", skills),
		zap.Float64("confidence", meanConfidence),
	)
	return nil
}

// mergeRecommendations merges the group's recommendations: numeric fields
// are averaged, categorical fields take the most common value.
func mergeRecommendations(group []*memory.SemanticPattern) memory.Context {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	labels := make(map[string]map[string]int)

	for _, p := range group {
		for key, v := range p.Recommendation {
			if v.Kind == memory.KindNumber {
				sums[key] += v.Number
				counts[key]++
				continue
			}
			if labels[key] == nil {
				labels[key] = make(map[string]int)
			}
			labels[key][v.Label]++
		}
	}

	merged := memory.Context{}
	for key, sum := range sums {
		merged[key] = memory.Num(sum / float64(counts[key]))
	}
	for key, votes := range labels {
		best, bestCount := "", 0
		for label, n := range votes {
			if n > bestCount || (n == bestCount && label < best) {
				best, bestCount = label, n
			}
		}
		merged[key] = memory.Label(best)
	}
	return merged
}

func distinctSkills(group []*memory.SemanticPattern) []string {
	set := make(map[string]struct{})
	for _, p := range group {
		set[p.Skill] = struct{}{}
	}
	skills := make([]string, 0, len(set))
	for s := range set {
		skills = append(skills, s)
	}
	sort.Strings(skills)
	return skills
}

func distinctDomains(group []*memory.SemanticPattern) []string {
	set := make(map[string]struct{})
	for _, p := range group {
		set[p.Domain] = struct{}{}
	}
	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

func (m *Manager) tenantLock(tenant string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.tenants[tenant]
	if !ok {
		lock = &sync.Mutex{}
		m.tenants[tenant] = lock
	}
	return lock
}
