package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/braind/internal/brain"
	"github.com/fyrsmithlabs/braind/internal/consolidation"
	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/learning"
	"github.com/fyrsmithlabs/braind/internal/logging"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	store := docstore.NewMemoryStore()
	logger := zaptest.NewLogger(t)

	working := memory.NewWorkingMemory(memory.WorkingConfig{}, logger)
	episodic := memory.NewEpisodicStore(store, memory.EpisodicConfig{}, logger)
	semantic := memory.NewSemanticStore(store, memory.SemanticConfig{}, logger)
	procedural := memory.NewProceduralStore(store, logger)
	state := learning.NewStateStore(store, learning.StateConfig{}, logger)

	predictor := learning.NewPredictor(semantic, procedural, learning.PredictorConfig{
		SkillDefaults: map[string]memory.Context{
			"subject-line": {"length": memory.Num(50)},
		},
	}, logger)
	learner := learning.NewLearner(semantic, state, nil, learning.LearnerConfig{}, logger)

	b, err := brain.New(working, episodic, predictor, learner, logger)
	require.NoError(t, err)

	manager, err := consolidation.NewManager(episodic, semantic, procedural,
		consolidation.ManagerConfig{}, logger)
	require.NoError(t, err)

	server, err := NewServer(b, manager, logger, nil)
	require.NoError(t, err)
	return server
}

func postJSON(t *testing.T, server *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
	})

	t.Run("returns error when brain is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "brain cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		server := setupTestServer(t)
		_, err := NewServer(server.brain, server.manager, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})
}

func TestRequestIDOnHandlerContext(t *testing.T) {
	server := setupTestServer(t)

	var seen string
	server.echo.GET("/inspect", func(c echo.Context) error {
		seen = logging.RequestIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/inspect", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, seen, "middleware must carry the request id on the context")
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), seen)
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleGuidance(t *testing.T) {
	t.Run("returns exploration guidance on a fresh system", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/guidance", GuidanceRequest{
			Tenant:  "acme",
			Skill:   "subject-line",
			Domain:  "email",
			Context: map[string]any{"budget": 100.0},
		})

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp memory.Guidance
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Exploration)
		assert.NotEmpty(t, resp.Parameters)
	})

	t.Run("rejects malformed context values", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/guidance", GuidanceRequest{
			Tenant:  "acme",
			Skill:   "subject-line",
			Domain:  "email",
			Context: map[string]any{"budget": []any{1, 2}},
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing skill", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/guidance", GuidanceRequest{
			Tenant: "acme",
			Domain: "email",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPredictionEndpoints(t *testing.T) {
	t.Run("register then complete", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/predictions", PredictionRequest{
			Tenant:           "acme",
			Skill:            "subject-line",
			Domain:           "email",
			ExpectedSignal:   30,
			ExpectedBaseline: 100,
			Confidence:       0.2,
			Context:          map[string]any{"budget": 100.0},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var created PredictionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		require.NotEmpty(t, created.ID)

		rec = postJSON(t, server, "/api/v1/predictions/"+created.ID+"/outcome", OutcomeRequest{
			ObservedSignal:   45,
			ObservedBaseline: 100,
			Impact:           0.1,
			Success:          true,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var outcome OutcomeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
		assert.NotEmpty(t, outcome.EpisodeID)
		assert.InDelta(t, 0.15, outcome.Error, 1e-9)
		assert.Equal(t, 0, outcome.PatternsUpdated, "prediction carried no pattern IDs")
		assert.False(t, outcome.DriftDetected)
	})

	t.Run("completing an unknown prediction returns 404", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/predictions/nope/outcome", OutcomeRequest{
			ObservedSignal:   45,
			ObservedBaseline: 100,
			Success:          true,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("negative metrics are rejected", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/predictions", PredictionRequest{
			Tenant:           "acme",
			Skill:            "subject-line",
			Domain:           "email",
			ExpectedSignal:   -1,
			ExpectedBaseline: 100,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleRunConsolidation(t *testing.T) {
	t.Run("runs a cycle for each tenant", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/consolidation/run", ConsolidationRequest{
			Tenants: []string{"acme", "globex"},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var results map[string]*consolidation.CycleStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
		assert.Len(t, results, 2)
	})

	t.Run("rejects empty tenant list", func(t *testing.T) {
		server := setupTestServer(t)

		rec := postJSON(t, server, "/api/v1/consolidation/run", ConsolidationRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
