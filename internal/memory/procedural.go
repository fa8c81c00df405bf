package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// ProceduralStore holds cross-skill generalizations. Entries are written
// only by consolidation's promotion step; the predictor reads them to
// overlay broadly corroborated recommendations.
type ProceduralStore struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewProceduralStore creates a procedural store over the given document store.
func NewProceduralStore(store docstore.Store, logger *zap.Logger) *ProceduralStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProceduralStore{
		store:  store,
		logger: logger.Named("memory.procedural"),
	}
}

// Store persists a knowledge entry.
func (p *ProceduralStore) Store(ctx context.Context, k *ProceduralKnowledge) error {
	if len(k.Skills) == 0 {
		return fmt.Errorf("procedural knowledge %s has no skills", k.ID)
	}
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("marshal knowledge: %w", err)
	}
	if err := p.store.Set(ctx, knowledgePath(k.ID), data); err != nil {
		return fmt.Errorf("store knowledge %s: %w", k.ID, err)
	}
	knowledgeStored.Inc()
	return nil
}

// Retrieve returns knowledge entries applicable to the skill and domain.
// Empty skill or domain matches everything on that axis.
func (p *ProceduralStore) Retrieve(ctx context.Context, skill, domain string) ([]*ProceduralKnowledge, error) {
	docs, err := p.store.Query(ctx, knowledgeCollection, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	entries := make([]*ProceduralKnowledge, 0, len(docs))
	for _, doc := range docs {
		var k ProceduralKnowledge
		if err := json.Unmarshal(doc.Data, &k); err != nil {
			p.logger.Warn("skipping undecodable knowledge",
				zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		if skill != "" && !containsString(k.Skills, skill) {
			continue
		}
		if domain != "" && !containsString(k.Domains, domain) {
			continue
		}
		entries = append(entries, &k)
	}
	return entries, nil
}

// ByConditionKey returns the existing knowledge entry derived from the
// same canonical condition, if any. Promotion uses it to corroborate an
// entry instead of duplicating it on later cycles.
func (p *ProceduralStore) ByConditionKey(ctx context.Context, key string) (*ProceduralKnowledge, error) {
	entries, err := p.Retrieve(ctx, "", "")
	if err != nil {
		return nil, err
	}
	for _, k := range entries {
		if k.ConditionKey == key {
			return k, nil
		}
	}
	return nil, docstore.ErrNotFound
}
