package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/remedia/internal/dedupe"
	"github.com/opsforge/remedia/internal/engine"
	"github.com/opsforge/remedia/internal/executor"
	"github.com/opsforge/remedia/internal/feedback"
	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/orchestrator"
	"github.com/opsforge/remedia/internal/resolver"
	"github.com/opsforge/remedia/internal/router"
	"github.com/opsforge/remedia/internal/rules"
	"github.com/opsforge/remedia/internal/store"
)

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, models.Action, string, string) (executor.Result, error) {
	return executor.Result{Status: executor.StatusSuccess}, nil
}

type fixture struct {
	router *gin.Engine
	store  store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulePath, []byte(`rules:
  - id: restart-crashloop
    match:
      type: crash_loop
    action:
      type: restart_service
    confidence: 0.97
    priority: 10
`), 0644))
	ruleEngine, err := rules.NewEngine(rulePath, logger)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	locks := resolver.NewTargetLocks()
	res := resolver.New(st, locks, resolver.Policy{ActionThreshold: 0.8}, logger)
	orch := orchestrator.New(st, stubExecutor{}, locks, orchestrator.Config{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	}, logger)
	recorder := feedback.NewRecorder(st, logger)
	rt := router.New(ruleEngine, 0.95, logger)

	coordinator := engine.New(logger, st, rt, nil, res, orch, recorder, engine.Config{
		Workers:   2,
		QueueSize: 8,
	})
	ctx, cancel := context.WithCancel(context.Background())
	coordinator.Start(ctx)
	t.Cleanup(func() {
		coordinator.Stop()
		cancel()
	})

	h := NewHandlers(logger, st, coordinator, orch, dedupe.NewMemoryProvider(), ruleEngine, time.Hour)

	r := gin.New()
	r.GET("/health", h.Health)
	v1 := r.Group("/api/v1")
	v1.POST("/anomalies", h.SubmitAnomaly)
	v1.GET("/anomalies", h.ListIncidents)
	v1.GET("/anomalies/:id", h.GetIncident)
	v1.POST("/remediate", h.Remediate)
	v1.GET("/actions/:id", h.GetAction)
	v1.POST("/actions/:id/rollback", h.RollbackAction)
	v1.GET("/status", h.Status)

	return &fixture{router: r, store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func anomalyBody(eventID, target string) map[string]any {
	return map[string]any{
		"event_id": eventID,
		"target":   target,
		"signature": map[string]any{
			"type":     "crash_loop",
			"severity": "high",
		},
		"features": []float64{0.3, 0.7},
		"severity": "high",
	}
}

func TestSubmitAnomalyAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/anomalies", anomalyBody("ev-1", "svc-a"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitAnomalyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.IncidentID)
	assert.False(t, resp.Deduplicated)

	inc, err := f.store.Get(context.Background(), resp.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, "svc-a", inc.Target)
	assert.NotEmpty(t, inc.History)
}

func TestSubmitAnomalyValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/anomalies", map[string]any{"target": "svc-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/anomalies", map[string]any{
		"signature": map[string]any{"type": "crash_loop"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAnomalyDeduplicates(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/api/v1/anomalies", anomalyBody("ev-1", "svc-a"))
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp submitAnomalyResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := f.do(t, http.MethodPost, "/api/v1/anomalies", anomalyBody("ev-1", "svc-a"))
	require.Equal(t, http.StatusAccepted, second.Code)
	var secondResp submitAnomalyResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.True(t, secondResp.Deduplicated)
	assert.Equal(t, firstResp.IncidentID, secondResp.IncidentID)
}

func TestGetIncidentNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/anomalies/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListIncidentsFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"inc-1", "inc-2"} {
		require.NoError(t, f.store.Put(ctx, models.Incident{
			ID: id, Target: "svc-" + id, Signature: models.Signature{Type: "crash_loop"},
			Status: models.StatusNew, CreatedAt: now,
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/anomalies?target=svc-inc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Incidents []models.Incident `json:"incidents"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Incidents, 1)
	assert.Equal(t, "inc-1", resp.Incidents[0].ID)
}

func TestRemediateConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An action already holds the target.
	require.NoError(t, f.store.PutAction(ctx, models.AdmittedAction{
		ID: "act-held", IncidentID: "inc-0", Target: "svc-a",
		Source: models.SourceRule, Action: models.Action{Type: "restart_service"},
		State: models.ActionPending, AdmittedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/api/v1/remediate", map[string]any{
		"target":   "svc-a",
		"action":   map[string]any{"type": "drain_node"},
		"operator": "oncall",
		"reason":   "stuck deployment",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRemediateAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/remediate", map[string]any{
		"target":   "svc-b",
		"action":   map[string]any{"type": "drain_node", "parameters": map[string]string{"grace": "30s"}},
		"operator": "oncall",
		"reason":   "stuck deployment",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		IncidentID string `json:"incident_id"`
		ActionID   string `json:"action_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.IncidentID)
	assert.NotEmpty(t, resp.ActionID)
}

func TestRemediateValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/remediate", map[string]any{"target": "svc-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollbackNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/actions/missing/rollback", map[string]any{"operator": "oncall"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackConflictOnTerminalAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.PutAction(ctx, models.AdmittedAction{
		ID: "act-1", IncidentID: "inc-1", Target: "svc-a",
		Source: models.SourceRule, Action: models.Action{Type: "restart_service"},
		State: models.ActionSucceeded, AdmittedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/api/v1/actions/act-1/rollback", map[string]any{"operator": "oncall"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRollbackInFlightAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.Put(ctx, models.Incident{
		ID: "inc-1", Target: "svc-a", Signature: models.Signature{Type: "crash_loop"},
		Status: models.StatusAdmitted, CreatedAt: now,
	}))
	require.NoError(t, f.store.PutAction(ctx, models.AdmittedAction{
		ID: "act-1", IncidentID: "inc-1", Target: "svc-a",
		Source: models.SourceRule, Action: models.Action{Type: "restart_service"},
		State: models.ActionDispatched, Attempts: 1, AdmittedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/api/v1/actions/act-1/rollback", map[string]any{"operator": "oncall"})
	require.Equal(t, http.StatusOK, rec.Code)

	var action models.AdmittedAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, models.ActionRolledBack, action.State)
}

func TestGetAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.PutAction(ctx, models.AdmittedAction{
		ID: "act-1", IncidentID: "inc-1", Target: "svc-a",
		Source: models.SourceInference, Action: models.Action{Type: "scale_out"},
		Confidence: 0.88, State: models.ActionPending, AdmittedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/actions/act-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var action models.AdmittedAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, models.SourceInference, action.Source)

	rec = f.do(t, http.MethodGet, "/api/v1/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "counts")
	assert.Contains(t, resp, "queueDepth")
	assert.Contains(t, resp, "admissionLatency")
	assert.Contains(t, resp, "rulesSize")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
