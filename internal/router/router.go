// Package router decides, per incident, which decision layers to consult.
package router

import (
	"log/slog"

	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/rules"
)

// Plan is the routing decision for one incident. The rule layer is always
// consulted first (cheap, synchronous); inference is skipped when a rule
// matched at or above the auto-accept threshold.
type Plan struct {
	ConsultRule      bool
	ConsultInference bool
	// RuleCandidate is the deterministic layer's proposal, when it matched.
	RuleCandidate *models.Candidate
}

// Router routes incidents through the hybrid decision layers.
type Router struct {
	rules      *rules.Engine
	autoAccept float64
	logger     *slog.Logger
}

// New constructs a router over the rule engine with the given auto-accept
// confidence threshold.
func New(engine *rules.Engine, autoAccept float64, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{rules: engine, autoAccept: autoAccept, logger: logger}
}

// Route consults the rule engine and decides whether inference is needed.
func (r *Router) Route(inc models.Incident) Plan {
	plan := Plan{ConsultRule: true, ConsultInference: true}
	if r.rules == nil {
		return plan
	}

	candidate, found := r.rules.Match(inc)
	if !found {
		r.logger.Debug("no rule matched, routing to inference",
			slog.String("incident", inc.ID), slog.String("signature", inc.Signature.Type))
		return plan
	}

	plan.RuleCandidate = &candidate
	if candidate.Confidence >= r.autoAccept {
		// High-confidence known issue: skip inference entirely for latency.
		plan.ConsultInference = false
		r.logger.Debug("rule auto-accepted, skipping inference",
			slog.String("incident", inc.ID), slog.Float64("confidence", candidate.Confidence))
	}
	return plan
}
