package http

import (
	"time"

	"github.com/fyrsmithlabs/braind/internal/memory"
)

// GuidanceRequest is the request body for POST /api/v1/guidance.
type GuidanceRequest struct {
	Tenant  string         `json:"tenant"`
	Skill   string         `json:"skill"`
	Domain  string         `json:"domain"`
	Context map[string]any `json:"context"`
}

// PredictionRequest is the request body for POST /api/v1/predictions.
type PredictionRequest struct {
	Tenant           string         `json:"tenant"`
	Skill            string         `json:"skill"`
	Domain           string         `json:"domain"`
	ExpectedSignal   float64        `json:"expected_signal"`
	ExpectedBaseline float64        `json:"expected_baseline"`
	Confidence       float64        `json:"confidence"`
	Context          map[string]any `json:"context"`
	PatternIDs       []string       `json:"pattern_ids"`
	Exploration      bool           `json:"exploration"`
}

// PredictionResponse is the response body for POST /api/v1/predictions.
type PredictionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// OutcomeRequest is the request body for
// POST /api/v1/predictions/:id/outcome.
type OutcomeRequest struct {
	ObservedSignal   float64 `json:"observed_signal"`
	ObservedBaseline float64 `json:"observed_baseline"`
	Impact           float64 `json:"impact"`
	Success          bool    `json:"success"`
}

// OutcomeResponse is the response body for outcome completion.
type OutcomeResponse struct {
	EpisodeID       string  `json:"episode_id"`
	Error           float64 `json:"error"`
	PatternsUpdated int     `json:"patterns_updated"`
	DriftDetected   bool    `json:"drift_detected"`
}

// ConsolidationRequest is the request body for
// POST /api/v1/consolidation/run.
type ConsolidationRequest struct {
	Tenants []string `json:"tenants"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// parseContext validates the raw request context.
func parseContext(raw map[string]any) (memory.Context, error) {
	if raw == nil {
		return memory.Context{}, nil
	}
	return memory.ParseContext(raw)
}
