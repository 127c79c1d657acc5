package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opsforge/remedia/internal/dedupe"
	"github.com/opsforge/remedia/internal/engine"
	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/orchestrator"
	"github.com/opsforge/remedia/internal/resolver"
	"github.com/opsforge/remedia/internal/rules"
	"github.com/opsforge/remedia/internal/store"
)

// Handlers binds HTTP routes to the coordination core.
type Handlers struct {
	logger       *slog.Logger
	store        store.Store
	coordinator  *engine.Coordinator
	orchestrator *orchestrator.Orchestrator
	dedupe       dedupe.Provider
	rules        *rules.Engine
	dedupeTTL    time.Duration
}

// NewHandlers wires the handler set. The dedupe provider may be a noop.
func NewHandlers(
	logger *slog.Logger,
	st store.Store,
	coord *engine.Coordinator,
	orch *orchestrator.Orchestrator,
	dd dedupe.Provider,
	ruleEngine *rules.Engine,
	dedupeTTL time.Duration,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if dd == nil {
		dd = dedupe.NoopProvider{}
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Handlers{
		logger:       logger,
		store:        st,
		coordinator:  coord,
		orchestrator: orch,
		dedupe:       dd,
		rules:        ruleEngine,
		dedupeTTL:    dedupeTTL,
	}
}

type submitAnomalyRequest struct {
	EventID   string `json:"event_id"`
	Target    string `json:"target" binding:"required"`
	Signature struct {
		Type      string `json:"type" binding:"required"`
		Component string `json:"component"`
		Severity  string `json:"severity"`
	} `json:"signature" binding:"required"`
	Features   []float64 `json:"features"`
	Severity   string    `json:"severity"`
	ObservedAt time.Time `json:"observed_at"`
}

type submitAnomalyResponse struct {
	IncidentID   string `json:"incident_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// SubmitAnomaly accepts an anomaly event, claims its event id against the
// dedupe provider, persists a new incident and hands it to the worker pool.
func (h *Handlers) SubmitAnomaly(c *gin.Context) {
	var req submitAnomalyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incidentID := uuid.NewString()
	if req.EventID != "" {
		won, existing, err := h.dedupe.Claim(c.Request.Context(), req.EventID, incidentID, h.dedupeTTL)
		if err != nil {
			h.logger.Warn("dedupe claim failed, admitting event",
				slog.String("eventId", req.EventID), slog.Any("error", err))
		} else if !won {
			c.JSON(http.StatusAccepted, submitAnomalyResponse{IncidentID: existing, Deduplicated: true})
			return
		}
	}

	observed := req.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	now := time.Now().UTC()
	inc := models.Incident{
		ID:      incidentID,
		EventID: req.EventID,
		Target:  req.Target,
		Signature: models.Signature{
			Type:      req.Signature.Type,
			Component: req.Signature.Component,
			Severity:  models.Severity(req.Signature.Severity),
		},
		Features:   req.Features,
		Severity:   models.Severity(req.Severity),
		ObservedAt: observed,
		Status:     models.StatusNew,
		History: []models.Transition{{
			To:     models.StatusNew,
			Actor:  "api",
			Detail: "anomaly event accepted",
			At:     now,
		}},
		CreatedAt: now,
	}
	if inc.Severity == "" {
		inc.Severity = inc.Signature.Severity
	}

	if err := h.store.Put(c.Request.Context(), inc); err != nil {
		h.logger.Error("persist incident failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist incident"})
		return
	}

	if err := h.coordinator.Submit(inc.ID); err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "incident_id": inc.ID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, submitAnomalyResponse{IncidentID: inc.ID})
}

// ListIncidents returns incidents filtered by status and target.
func (h *Handlers) ListIncidents(c *gin.Context) {
	filter := store.ListFilter{
		Status: models.IncidentStatus(c.Query("status")),
		Target: c.Query("target"),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	incidents, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// GetIncident returns a single incident including its full history.
func (h *Handlers) GetIncident(c *gin.Context) {
	inc, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inc)
}

type remediateRequest struct {
	Target string `json:"target" binding:"required"`
	Action struct {
		Type       string            `json:"type" binding:"required"`
		Parameters map[string]string `json:"parameters"`
	} `json:"action" binding:"required"`
	Operator string `json:"operator" binding:"required"`
	Reason   string `json:"reason"`
}

// Remediate admits an operator-requested action. Admission runs
// synchronously so a target conflict surfaces as 409; execution is async.
func (h *Handlers) Remediate(c *gin.Context) {
	var req remediateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	inc := models.Incident{
		ID:         uuid.NewString(),
		Target:     req.Target,
		Signature:  models.Signature{Type: "manual_remediation"},
		Severity:   models.SeverityMedium,
		ObservedAt: now,
		Status:     models.StatusNew,
		History: []models.Transition{{
			To:     models.StatusNew,
			Actor:  req.Operator,
			Detail: "manual remediation: " + req.Reason,
			At:     now,
		}},
		CreatedAt: now,
	}
	candidate := models.Candidate{
		IncidentID: inc.ID,
		Target:     req.Target,
		Source:     models.SourceManual,
		Action: models.Action{
			Type:       req.Action.Type,
			Parameters: req.Action.Parameters,
		},
		Confidence: 1.0,
		ProducedAt: now,
	}

	admitted, err := h.coordinator.ExecuteManual(c.Request.Context(), inc, candidate)
	if err != nil {
		if errors.Is(err, resolver.ErrTargetBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "incident_id": inc.ID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"incident_id": inc.ID,
		"action_id":   admitted.ID,
		"state":       admitted.State,
	})
}

// GetAction returns a single admitted action.
func (h *Handlers) GetAction(c *gin.Context) {
	action, err := h.store.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, action)
}

type rollbackRequest struct {
	Operator string `json:"operator" binding:"required"`
}

// RollbackAction marks an in-flight action rolled back. Terminal actions
// cannot be rolled back and answer 409.
func (h *Handlers) RollbackAction(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	action, err := h.orchestrator.Rollback(c.Request.Context(), c.Param("id"), req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
		case errors.Is(err, orchestrator.ErrActionTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, action)
}

// Status reports store counts, queue depth, rule catalog size and admission
// latency percentiles.
func (h *Handlers) Status(c *gin.Context) {
	counts, err := h.store.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	lat := h.coordinator.Latencies()
	c.JSON(http.StatusOK, gin.H{
		"counts":     counts,
		"queueDepth": h.coordinator.QueueDepth(),
		"rulesSize":  h.rules.Size(),
		"admissionLatency": gin.H{
			"p50": lat.Percentile(50).String(),
			"p95": lat.Percentile(95).String(),
			"p99": lat.Percentile(99).String(),
		},
	})
}

// Health answers 200 while the store is reachable.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
