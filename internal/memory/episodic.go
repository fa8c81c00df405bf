package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// EpisodicConfig tunes episode decay and retention.
type EpisodicConfig struct {
	// DecayRate is the per-day multiplicative weight decay.
	DecayRate float64

	// RelevanceThreshold marks episodes whose decayed weight no longer
	// justifies retrieval. Reported by DecayAll, not acted on directly.
	RelevanceThreshold float64

	// ArchiveAfter is how long an episode stays on the live path before
	// the maintenance sweep moves it to the archive mirror.
	ArchiveAfter time.Duration

	// PurgeAfter is the second retention window: archived episodes older
	// than this (measured from archival) are deleted outright.
	PurgeAfter time.Duration
}

// DefaultEpisodicConfig returns the defaults used when a field is zero.
func DefaultEpisodicConfig() EpisodicConfig {
	return EpisodicConfig{
		DecayRate:          0.95,
		RelevanceThreshold: 0.1,
		ArchiveAfter:       30 * 24 * time.Hour,
		PurgeAfter:         90 * 24 * time.Hour,
	}
}

// DecayStats summarizes one maintenance sweep.
type DecayStats struct {
	Examined       int `json:"examined"`
	BelowThreshold int `json:"below_threshold"`
	Archived       int `json:"archived"`
	Purged         int `json:"purged"`
}

// EpisodicStore is the durable per-tenant-per-skill log of episodes.
// Weight decay is lazy: the stored weight is a cache, and the current
// weight is always recomputed from CreatedAt, so reading an episode twice
// for the same elapsed interval cannot double-discount it.
type EpisodicStore struct {
	store  docstore.Store
	config EpisodicConfig
	logger *zap.Logger
	clock  func() time.Time
}

// NewEpisodicStore creates an episodic store over the given document store.
func NewEpisodicStore(store docstore.Store, config EpisodicConfig, logger *zap.Logger) *EpisodicStore {
	defaults := DefaultEpisodicConfig()
	if config.DecayRate <= 0 || config.DecayRate > 1 {
		config.DecayRate = defaults.DecayRate
	}
	if config.RelevanceThreshold <= 0 {
		config.RelevanceThreshold = defaults.RelevanceThreshold
	}
	if config.ArchiveAfter <= 0 {
		config.ArchiveAfter = defaults.ArchiveAfter
	}
	if config.PurgeAfter <= 0 {
		config.PurgeAfter = defaults.PurgeAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpisodicStore{
		store:  store,
		config: config,
		logger: logger.Named("memory.episodic"),
		clock:  time.Now,
	}
}

// Store persists an episode and refreshes the tenant's skill marker so
// maintenance sweeps can enumerate skills without scanning every path.
func (e *EpisodicStore) Store(ctx context.Context, ep *Episode) error {
	if ep.Tenant == "" {
		return ErrEmptyTenant
	}
	if ep.Skill == "" {
		return ErrEmptySkill
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	if err := e.store.Set(ctx, episodePath(ep.Tenant, ep.Skill, ep.ID), data); err != nil {
		return fmt.Errorf("store episode %s: %w", ep.ID, err)
	}
	marker, _ := json.Marshal(map[string]string{"skill": ep.Skill})
	if err := e.store.Set(ctx, skillMarkerPath(ep.Tenant, ep.Skill), marker); err != nil {
		return fmt.Errorf("store skill marker: %w", err)
	}
	episodesStored.Inc()
	return nil
}

// Retrieve returns up to limit episodes for tenant/skill with current
// weight at least minWeight, heaviest first. Each returned episode has
// its retrieval count bumped and its cached weight refreshed.
func (e *EpisodicStore) Retrieve(ctx context.Context, tenant, skill, domain string, minWeight float64, limit int) ([]*Episode, error) {
	episodes, err := e.load(ctx, tenant, skill)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	matched := episodes[:0]
	for _, ep := range episodes {
		if domain != "" && ep.Domain != domain {
			continue
		}
		ep.Weight = e.currentWeight(ep, now)
		if ep.Weight < minWeight {
			continue
		}
		matched = append(matched, ep)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Weight > matched[j].Weight })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	for _, ep := range matched {
		ep.RetrievalCount++
		if err := e.save(ctx, ep); err != nil {
			e.logger.Warn("failed to persist retrieval metadata",
				zap.String("episode_id", ep.ID), zap.Error(err))
		}
	}
	return matched, nil
}

// ForConsolidation returns the lowest-weight unconsolidated episodes for
// tenant/skill, the ones ripest for promotion into semantic patterns.
func (e *EpisodicStore) ForConsolidation(ctx context.Context, tenant, skill string, limit int) ([]*Episode, error) {
	episodes, err := e.load(ctx, tenant, skill)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	eligible := episodes[:0]
	for _, ep := range episodes {
		if ep.ConsolidatedAt != nil {
			continue
		}
		ep.Weight = e.currentWeight(ep, now)
		eligible = append(eligible, ep)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Weight < eligible[j].Weight })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// MarkConsolidated stamps each episode's consolidation time and persists it.
func (e *EpisodicStore) MarkConsolidated(ctx context.Context, episodes []*Episode) error {
	now := e.clock()
	for _, ep := range episodes {
		if ep.ConsolidatedAt != nil {
			continue
		}
		at := now
		ep.ConsolidatedAt = &at
		if err := e.save(ctx, ep); err != nil {
			return fmt.Errorf("mark consolidated %s: %w", ep.ID, err)
		}
	}
	return nil
}

// DecayAll sweeps every episode for the tenant: refreshes cached weights,
// archives episodes older than the retention horizon, and purges archived
// episodes past the second window.
func (e *EpisodicStore) DecayAll(ctx context.Context, tenant string) (*DecayStats, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	skills, err := e.Skills(ctx, tenant)
	if err != nil {
		return nil, err
	}

	stats := &DecayStats{}
	now := e.clock()
	for _, skill := range skills {
		episodes, err := e.load(ctx, tenant, skill)
		if err != nil {
			return stats, err
		}
		for _, ep := range episodes {
			stats.Examined++
			ep.Weight = e.currentWeight(ep, now)
			if ep.Weight < e.config.RelevanceThreshold {
				stats.BelowThreshold++
			}
			if now.Sub(ep.CreatedAt) > e.config.ArchiveAfter {
				if err := e.archive(ctx, ep, now); err != nil {
					return stats, err
				}
				stats.Archived++
				continue
			}
			if err := e.save(ctx, ep); err != nil {
				return stats, err
			}
		}

		purged, err := e.purgeArchive(ctx, tenant, skill, now)
		if err != nil {
			return stats, err
		}
		stats.Purged += purged
	}

	episodesArchived.Add(float64(stats.Archived))
	episodesPurged.Add(float64(stats.Purged))
	e.logger.Info("episodic decay sweep complete",
		zap.String("tenant", tenant),
		zap.Int("examined", stats.Examined),
		zap.Int("below_threshold", stats.BelowThreshold),
		zap.Int("archived", stats.Archived),
		zap.Int("purged", stats.Purged),
	)
	return stats, nil
}

// Skills lists the skills the tenant has episodes for.
func (e *EpisodicStore) Skills(ctx context.Context, tenant string) ([]string, error) {
	docs, err := e.store.Query(ctx, skillMarkerCollection(tenant), nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list skills for %s: %w", tenant, err)
	}
	skills := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := docstore.ChildID(skillMarkerCollection(tenant), doc.Path); ok {
			skills = append(skills, id)
		}
	}
	sort.Strings(skills)
	return skills, nil
}

// currentWeight recomputes the decayed weight from episode age. The
// result depends only on CreatedAt and the clock, never on the cached
// weight, which keeps repeated application harmless.
func (e *EpisodicStore) currentWeight(ep *Episode, now time.Time) float64 {
	ageDays := now.Sub(ep.CreatedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return clamp(math.Pow(e.config.DecayRate, ageDays), 0, 1)
}

func (e *EpisodicStore) load(ctx context.Context, tenant, skill string) ([]*Episode, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	if skill == "" {
		return nil, ErrEmptySkill
	}
	collection := episodeCollection(tenant, skill)
	docs, err := e.store.Query(ctx, collection, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("query episodes %s: %w", collection, err)
	}
	episodes := make([]*Episode, 0, len(docs))
	for _, doc := range docs {
		var ep Episode
		if err := json.Unmarshal(doc.Data, &ep); err != nil {
			e.logger.Warn("skipping undecodable episode",
				zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		episodes = append(episodes, &ep)
	}
	return episodes, nil
}

func (e *EpisodicStore) save(ctx context.Context, ep *Episode) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	return e.store.Set(ctx, episodePath(ep.Tenant, ep.Skill, ep.ID), data)
}

// archive moves an episode to the cold path and removes it from the live
// path. The archive write lands first so a crash between the two leaves a
// duplicate rather than a loss.
func (e *EpisodicStore) archive(ctx context.Context, ep *Episode, now time.Time) error {
	at := now
	ep.ArchivedAt = &at
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	if err := e.store.Set(ctx, archivedEpisodePath(ep.Tenant, ep.Skill, ep.ID), data); err != nil {
		return fmt.Errorf("archive episode %s: %w", ep.ID, err)
	}
	if err := e.store.Delete(ctx, episodePath(ep.Tenant, ep.Skill, ep.ID)); err != nil {
		return fmt.Errorf("remove live episode %s: %w", ep.ID, err)
	}
	return nil
}

func (e *EpisodicStore) purgeArchive(ctx context.Context, tenant, skill string, now time.Time) (int, error) {
	collection := archivedEpisodeCollection(tenant, skill)
	docs, err := e.store.Query(ctx, collection, nil, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("query archive %s: %w", collection, err)
	}
	purged := 0
	for _, doc := range docs {
		var ep Episode
		if err := json.Unmarshal(doc.Data, &ep); err != nil {
			continue
		}
		if ep.ArchivedAt == nil || now.Sub(*ep.ArchivedAt) <= e.config.PurgeAfter {
			continue
		}
		if err := e.store.Delete(ctx, doc.Path); err != nil {
			return purged, fmt.Errorf("purge archived episode %s: %w", ep.ID, err)
		}
		purged++
	}
	return purged, nil
}

func skillMarkerPath(tenant, skill string) string {
	return fmt.Sprintf("tenant/%s/skills/%s", tenant, skill)
}

func skillMarkerCollection(tenant string) string {
	return fmt.Sprintf("tenant/%s/skills", tenant)
}
