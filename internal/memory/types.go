package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrPredictionNotFound = errors.New("prediction not found")
	ErrEmptyTenant        = errors.New("tenant cannot be empty")
	ErrEmptySkill         = errors.New("skill cannot be empty")
	ErrEmptyDomain        = errors.New("domain cannot be empty")
	ErrNegativeMetric     = errors.New("signal and baseline cannot be negative")
	ErrOutcomeTooEarly    = errors.New("outcome observed before minimum latency elapsed")
	ErrInvalidContext     = errors.New("context value must be a number or a string")
)

// minBaseline floors baseline values so ratio computation never divides
// by zero.
const minBaseline = 1e-9

// NewID returns a fresh identifier for episodes, patterns, and knowledge.
func NewID() string { return uuid.New().String() }

// ValueKind discriminates context values.
type ValueKind int

const (
	// KindNumber is a numeric context value, compared with tolerance.
	KindNumber ValueKind = iota

	// KindLabel is a categorical context value, compared exactly.
	KindLabel
)

// Value is one entry of a context or recommendation map: either a number
// or a categorical label. Metric values are explicit here rather than
// looked up dynamically, so malformed inputs fail at the boundary instead
// of deep inside an update rule.
type Value struct {
	Kind   ValueKind
	Number float64
	Label  string
}

// Num builds a numeric value.
func Num(f float64) Value { return Value{Kind: KindNumber, Number: f} }

// Label builds a categorical value.
func Label(s string) Value { return Value{Kind: KindLabel, Label: s} }

// MarshalJSON encodes the value as its raw JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindNumber {
		return json.Marshal(v.Number)
	}
	return json.Marshal(v.Label)
}

// UnmarshalJSON decodes a JSON number or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		*v = Num(x)
	case string:
		*v = Label(x)
	default:
		return fmt.Errorf("%w: got %T", ErrInvalidContext, raw)
	}
	return nil
}

func (v Value) String() string {
	if v.Kind == KindNumber {
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	}
	return v.Label
}

// Context is a validated map of metric/feature names to values. It is used
// both for observation contexts and for pattern conditions and
// recommendations.
type Context map[string]Value

// ParseContext validates a raw map into a Context. Only numbers and
// strings are accepted.
func ParseContext(raw map[string]any) (Context, error) {
	ctx := make(Context, len(raw))
	for key, value := range raw {
		switch x := value.(type) {
		case float64:
			ctx[key] = Num(x)
		case int:
			ctx[key] = Num(float64(x))
		case string:
			ctx[key] = Label(x)
		default:
			return nil, fmt.Errorf("key %q: %w (got %T)", key, ErrInvalidContext, value)
		}
	}
	return ctx, nil
}

// Clone returns an independent copy.
func (c Context) Clone() Context {
	cp := make(Context, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Matches reports whether every condition entry is satisfied by this
// context: numeric entries within the relative tolerance, labels exactly.
// An entry missing from the context fails the match.
func (c Context) Matches(condition Context, tolerance float64) bool {
	for key, want := range condition {
		have, ok := c[key]
		if !ok || have.Kind != want.Kind {
			return false
		}
		switch want.Kind {
		case KindLabel:
			if have.Label != want.Label {
				return false
			}
		case KindNumber:
			if !withinTolerance(have.Number, want.Number, tolerance) {
				return false
			}
		}
	}
	return true
}

// withinTolerance compares a against b with relative tolerance. A zero
// reference only matches zero.
func withinTolerance(a, b, tolerance float64) bool {
	if b == 0 {
		return a == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	ref := b
	if ref < 0 {
		ref = -ref
	}
	return diff <= tolerance*ref
}

// CanonicalKey renders the context as sorted key/value pairs, used to
// group semantic patterns by condition during cross-skill promotion.
func (c Context) CanonicalKey() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(c[k].String())
	}
	return sb.String()
}

// Prediction is a belief registered before an action executes. Immutable
// once created; working memory owns it until its outcome arrives.
type Prediction struct {
	ID               string    `json:"id"`
	Tenant           string    `json:"tenant"`
	Skill            string    `json:"skill"`
	Domain           string    `json:"domain"`
	ExpectedSignal   float64   `json:"expected_signal"`
	ExpectedBaseline float64   `json:"expected_baseline"`
	Confidence       float64   `json:"confidence"`
	Context          Context   `json:"context,omitempty"`
	PatternIDs       []string  `json:"pattern_ids,omitempty"`
	Exploration      bool      `json:"exploration"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewPrediction validates inputs and assigns an ID and timestamp.
func NewPrediction(tenant, skill, domain string, expectedSignal, expectedBaseline, confidence float64, ctx Context) (*Prediction, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	if skill == "" {
		return nil, ErrEmptySkill
	}
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if expectedSignal < 0 || expectedBaseline < 0 {
		return nil, ErrNegativeMetric
	}
	return &Prediction{
		ID:               uuid.New().String(),
		Tenant:           tenant,
		Skill:            skill,
		Domain:           domain,
		ExpectedSignal:   expectedSignal,
		ExpectedBaseline: expectedBaseline,
		Confidence:       clamp(confidence, 0, 1),
		Context:          ctx.Clone(),
		CreatedAt:        time.Now(),
	}, nil
}

// ExpectedRatio is the predicted signal over its floored baseline.
func (p *Prediction) ExpectedRatio() float64 {
	return ratio(p.ExpectedSignal, p.ExpectedBaseline)
}

// Outcome is the observed result after the action executed. Immutable.
type Outcome struct {
	PredictionID     string    `json:"prediction_id"`
	ObservedSignal   float64   `json:"observed_signal"`
	ObservedBaseline float64   `json:"observed_baseline"`
	Error            float64   `json:"error"`
	Success          bool      `json:"success"`
	Impact           float64   `json:"impact"`
	ObservedAt       time.Time `json:"observed_at"`
}

// ObservedRatio is the observed signal over its floored baseline.
func (o *Outcome) ObservedRatio() float64 {
	return ratio(o.ObservedSignal, o.ObservedBaseline)
}

func ratio(signal, baseline float64) float64 {
	if baseline < minBaseline {
		baseline = minBaseline
	}
	return signal / baseline
}

// Episode is one persisted experience: a prediction joined with its
// outcome, carrying a relevance weight that decays over time.
type Episode struct {
	ID             string     `json:"id"`
	Tenant         string     `json:"tenant"`
	Skill          string     `json:"skill"`
	Domain         string     `json:"domain"`
	Prediction     Prediction `json:"prediction"`
	Outcome        Outcome    `json:"outcome"`
	Weight         float64    `json:"weight"`
	RetrievalCount int        `json:"retrieval_count"`
	CreatedAt      time.Time  `json:"created_at"`
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// PatternState is the lifecycle state of a semantic pattern.
type PatternState string

const (
	// PatternActive patterns participate in retrieval.
	PatternActive PatternState = "active"

	// PatternArchived patterns were forgotten or superseded; preserved
	// in the archive namespace for attribution.
	PatternArchived PatternState = "archived"
)

// SemanticPattern is a generalized condition -> recommendation rule with
// a confidence learned from evidence.
type SemanticPattern struct {
	ID             string       `json:"id"`
	Skill          string       `json:"skill"`
	Domain         string       `json:"domain"`
	Condition      Context      `json:"condition"`
	Recommendation Context      `json:"recommendation"`
	Confidence     float64      `json:"confidence"`
	ExpectedValue  float64      `json:"expected_value"`
	Variance       float64      `json:"variance"`
	EvidenceCount  int          `json:"evidence_count"`
	SuccessCount   int          `json:"success_count"`
	FailureCount   int          `json:"failure_count"`
	RecentAccuracy float64      `json:"recent_accuracy"`
	Tenants        []string     `json:"tenants,omitempty"`
	DecayRate      float64      `json:"decay_rate"`
	State          PatternState `json:"state"`
	// LastReinforcedAt anchors read-time decay. Decay is always computed
	// from this timestamp, never from a running multiplier, so applying
	// it twice for the same elapsed interval cannot double-discount.
	LastReinforcedAt time.Time `json:"last_reinforced_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProceduralKnowledge is a generalization corroborated across skills.
type ProceduralKnowledge struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Domains     []string `json:"domains"`
	// ConditionKey is the canonical key of the source patterns' shared
	// condition, used to corroborate instead of duplicate on later cycles.
	ConditionKey   string  `json:"condition_key"`
	Recommendation Context `json:"recommendation"`
	// CrossSkillConfidence is the mean confidence of the source patterns.
	CrossSkillConfidence float64 `json:"cross_skill_confidence"`
	// SkillAccuracy records each contributing skill's recent accuracy at
	// promotion time, the per-skill validation of the generalization.
	SkillAccuracy    map[string]float64 `json:"skill_accuracy"`
	SourcePatternIDs []string           `json:"source_pattern_ids,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ExploreReason tags why guidance chose exploration.
type ExploreReason string

const (
	ExploreRandom        ExploreReason = "random_exploration"
	ExploreNoPatterns    ExploreReason = "no_candidate_patterns"
	ExploreLowConfidence ExploreReason = "confidence_below_threshold"
	ExploreNovelContext  ExploreReason = "novel_context"
	ExploreStoreDown     ExploreReason = "store_unavailable"
)

// Guidance is the advice returned to a caller. Constructed fresh per
// request and never persisted.
type Guidance struct {
	Parameters        Context       `json:"parameters"`
	Confidence        float64       `json:"confidence"`
	Uncertainty       float64       `json:"uncertainty"`
	Reasoning         string        `json:"reasoning"`
	PatternIDs        []string      `json:"pattern_ids,omitempty"`
	KnowledgeIDs      []string      `json:"knowledge_ids,omitempty"`
	Exploration       bool          `json:"exploration"`
	ExplorationReason ExploreReason `json:"exploration_reason,omitempty"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Document paths (see the docstore package for the namespace layout).

func episodePath(tenant, skill, id string) string {
	return fmt.Sprintf("tenant/%s/episodic/%s/%s", tenant, skill, id)
}

func episodeCollection(tenant, skill string) string {
	return fmt.Sprintf("tenant/%s/episodic/%s", tenant, skill)
}

func archivedEpisodePath(tenant, skill, id string) string {
	return "archive/" + episodePath(tenant, skill, id)
}

func archivedEpisodeCollection(tenant, skill string) string {
	return "archive/" + episodeCollection(tenant, skill)
}

func patternPath(domain, id string) string {
	return fmt.Sprintf("semantic/%s/patterns/%s", domain, id)
}

func patternCollection(domain string) string {
	return fmt.Sprintf("semantic/%s/patterns", domain)
}

func archivedPatternPath(domain, id string) string {
	return "archive/" + patternPath(domain, id)
}

func knowledgePath(id string) string {
	return "procedural/" + id
}

const knowledgeCollection = "procedural"
