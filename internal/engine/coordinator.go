// Package engine drives incidents from submission to a terminal state:
// route, consult the decision layers, resolve conflicts, execute, record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/remedia/internal/feedback"
	"github.com/opsforge/remedia/internal/metrics"
	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/orchestrator"
	"github.com/opsforge/remedia/internal/resolver"
	"github.com/opsforge/remedia/internal/router"
	"github.com/opsforge/remedia/internal/store"
	"github.com/opsforge/remedia/internal/utils"
)

// ErrQueueFull signals that the submission queue is at capacity. Callers
// should back off and resubmit; nothing was recorded as in-progress.
var ErrQueueFull = errors.New("incident queue is full")

// Scorer is the inference collaborator consulted for novel or ambiguous
// incidents.
type Scorer interface {
	Score(ctx context.Context, incidentID, target string, features []float64) (models.Candidate, error)
}

// Config sizes the worker pool and bounds collaborator calls.
type Config struct {
	Workers          int
	QueueSize        int
	InferenceTimeout time.Duration
}

// Coordinator owns the processing pool. Incidents from the queue are driven
// through the full decision flow; per-target serialization lives in the
// resolver and orchestrator, so distinct targets proceed in parallel.
type Coordinator struct {
	logger       *slog.Logger
	store        store.Store
	router       *router.Router
	scorer       Scorer
	resolver     *resolver.Resolver
	orchestrator *orchestrator.Orchestrator
	recorder     *feedback.Recorder
	latencies    *utils.LatencyTracker
	cfg          Config

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once
}

// New constructs a coordinator. All collaborators are injected; there is no
// hidden global state.
func New(
	logger *slog.Logger,
	st store.Store,
	rt *router.Router,
	scorer Scorer,
	rs *resolver.Resolver,
	orch *orchestrator.Orchestrator,
	recorder *feedback.Recorder,
	cfg Config,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 2 * time.Second
	}
	return &Coordinator{
		logger:       logger,
		store:        st,
		router:       rt,
		scorer:       scorer,
		resolver:     rs,
		orchestrator: orch,
		recorder:     recorder,
		latencies:    utils.NewLatencyTracker(1024),
		cfg:          cfg,
		queue:        make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers exit when the context is
// cancelled or the queue is closed.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-c.queue:
					if !ok {
						return
					}
					c.process(ctx, id)
				}
			}
		}()
	}
	c.logger.Info("coordinator started", slog.Int("workers", c.cfg.Workers))
}

// Stop closes the queue and waits for in-flight incidents to finish.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.queue) })
	c.wg.Wait()
}

// Submit enqueues an incident id for processing.
func (c *Coordinator) Submit(id string) error {
	select {
	case c.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports how many incidents are waiting for a worker.
func (c *Coordinator) QueueDepth() int { return len(c.queue) }

// Latencies exposes admission latency percentiles for the status endpoint.
func (c *Coordinator) Latencies() *utils.LatencyTracker { return c.latencies }

// process drives one incident to a terminal state. Every outcome leaves a
// non-empty history trail; nothing is dropped silently.
func (c *Coordinator) process(ctx context.Context, id string) {
	started := time.Now()

	inc, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Error("incident vanished from store", slog.String("incident", id), slog.Any("error", err))
		return
	}
	if inc.Status.Terminal() {
		return
	}

	plan := c.router.Route(inc)
	if err := c.transition(ctx, id, models.StatusRouted, "router", routeDetail(plan)); err != nil {
		return
	}

	candidates, consultDetail := c.consult(ctx, inc, plan)
	if len(candidates) == 0 {
		c.escalate(ctx, id, metrics.ReasonNoCandidate,
			"no decision layer produced a candidate: "+consultDetail)
		return
	}

	if err := c.transition(ctx, id, models.StatusResolving, "resolver",
		fmt.Sprintf("%d candidate(s)", len(candidates))); err != nil {
		return
	}

	admitted, err := c.resolver.Resolve(ctx, inc.Target, candidates)
	switch {
	case errors.Is(err, resolver.ErrTargetBusy):
		metrics.ObserveConflict()
		c.terminate(ctx, id, models.StatusRejected, "resolver", err.Error())
		return
	case errors.Is(err, resolver.ErrNoAdmissible):
		c.escalate(ctx, id, metrics.ReasonConfidenceGate,
			"all candidates below action threshold: "+candidateSummary(candidates))
		return
	case err != nil:
		c.logger.Error("resolve failed", slog.String("incident", id), slog.Any("error", err))
		c.escalate(ctx, id, metrics.ReasonNoCandidate, "resolver error: "+err.Error())
		return
	}

	admissionLatency := time.Since(started)
	c.latencies.Observe(admissionLatency)
	metrics.ObserveAdmission(string(admitted.Source), admissionLatency)
	if err := c.transition(ctx, id, models.StatusAdmitted, "resolver",
		fmt.Sprintf("action %s (%s %s, confidence %.2f)",
			admitted.ID, admitted.Source, admitted.Action.Type, admitted.Confidence)); err != nil {
		return
	}

	final, err := c.orchestrator.Execute(ctx, admitted)
	if err != nil {
		c.logger.Error("orchestration failed",
			slog.String("incident", id), slog.String("action", admitted.ID), slog.Any("error", err))
	}
	if final.State == models.ActionEscalated {
		metrics.ObserveEscalation(metrics.ReasonRetryExhausted)
	}

	c.recorder.RecordOutcome(ctx, id, feedback.Outcome{
		ActionID:   final.ID,
		Result:     final.State,
		Attempts:   final.Attempts,
		Resolution: time.Since(started),
		Detail:     final.LastError,
	})
	c.observeTerminal(ctx, id)
	c.refreshActiveGauge(ctx)
}

// ExecuteManual resolves and dispatches an operator-supplied candidate.
// Admission (including the 409-style busy rejection) happens synchronously
// so the API can answer; execution continues in the background.
func (c *Coordinator) ExecuteManual(ctx context.Context, inc models.Incident, candidate models.Candidate) (models.AdmittedAction, error) {
	if err := c.store.Put(ctx, inc); err != nil {
		return models.AdmittedAction{}, err
	}
	if err := c.transition(ctx, inc.ID, models.StatusResolving, "operator", "manual remediation request"); err != nil {
		return models.AdmittedAction{}, err
	}

	admitted, err := c.resolver.Resolve(ctx, candidate.Target, []models.Candidate{candidate})
	if err != nil {
		if errors.Is(err, resolver.ErrTargetBusy) {
			metrics.ObserveConflict()
			c.terminate(ctx, inc.ID, models.StatusRejected, "resolver", err.Error())
		}
		return models.AdmittedAction{}, err
	}

	metrics.ObserveAdmission(string(admitted.Source), 0)
	if err := c.transition(ctx, inc.ID, models.StatusAdmitted, "operator",
		fmt.Sprintf("manual action %s (%s)", admitted.ID, admitted.Action.Type)); err != nil {
		return models.AdmittedAction{}, err
	}

	started := time.Now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		final, execErr := c.orchestrator.Execute(context.WithoutCancel(ctx), admitted)
		if execErr != nil {
			c.logger.Error("manual orchestration failed",
				slog.String("action", admitted.ID), slog.Any("error", execErr))
		}
		if final.State == models.ActionEscalated {
			metrics.ObserveEscalation(metrics.ReasonRetryExhausted)
		}
		c.recorder.RecordOutcome(context.WithoutCancel(ctx), inc.ID, feedback.Outcome{
			ActionID:   final.ID,
			Result:     final.State,
			Attempts:   final.Attempts,
			Resolution: time.Since(started),
			Detail:     final.LastError,
		})
		c.observeTerminal(context.WithoutCancel(ctx), inc.ID)
		c.refreshActiveGauge(context.WithoutCancel(ctx))
	}()

	return admitted, nil
}

// consult gathers candidates from the layers the plan selected.
func (c *Coordinator) consult(ctx context.Context, inc models.Incident, plan router.Plan) ([]models.Candidate, string) {
	var candidates []models.Candidate
	detail := "rule layer produced no match"

	if plan.RuleCandidate != nil {
		candidates = append(candidates, *plan.RuleCandidate)
		detail = "rule matched"
	}

	if plan.ConsultInference {
		if c.scorer == nil {
			detail += "; inference not configured"
		} else {
			scoreCtx, cancel := context.WithTimeout(ctx, c.cfg.InferenceTimeout)
			candidate, err := c.scorer.Score(scoreCtx, inc.ID, inc.Target, inc.Features)
			cancel()
			if err != nil {
				c.logger.Warn("inference consult failed",
					slog.String("incident", inc.ID), slog.Any("error", err))
				detail += "; inference failed: " + err.Error()
			} else {
				candidates = append(candidates, candidate)
				detail += fmt.Sprintf("; inference scored %.2f", candidate.Confidence)
			}
		}
	}
	return candidates, detail
}

func (c *Coordinator) transition(ctx context.Context, id string, to models.IncidentStatus, actor, detail string) error {
	if _, err := c.store.AppendTransition(ctx, id, models.Transition{To: to, Actor: actor, Detail: detail}); err != nil {
		c.logger.Error("transition failed",
			slog.String("incident", id), slog.String("to", string(to)), slog.Any("error", err))
		return err
	}
	return nil
}

// terminate applies a terminal transition and records the terminal metric.
func (c *Coordinator) terminate(ctx context.Context, id string, to models.IncidentStatus, actor, detail string) {
	if err := c.transition(ctx, id, to, actor, detail); err != nil {
		return
	}
	metrics.ObserveIncidentTerminal(string(to))
}

func (c *Coordinator) escalate(ctx context.Context, id, reason, detail string) {
	metrics.ObserveEscalation(reason)
	c.terminate(ctx, id, models.StatusEscalated, "coordinator", detail)
}

func (c *Coordinator) observeTerminal(ctx context.Context, id string) {
	inc, err := c.store.Get(ctx, id)
	if err != nil {
		return
	}
	if inc.Status.Terminal() {
		metrics.ObserveIncidentTerminal(string(inc.Status))
	}
}

func (c *Coordinator) refreshActiveGauge(ctx context.Context) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return
	}
	metrics.SetActiveActions(counts.ActiveActions)
}

func routeDetail(plan router.Plan) string {
	switch {
	case plan.RuleCandidate != nil && !plan.ConsultInference:
		return "rule matched at auto-accept confidence, inference skipped"
	case plan.RuleCandidate != nil:
		return "rule matched below auto-accept, consulting inference"
	default:
		return "no rule matched, consulting inference"
	}
}

func candidateSummary(candidates []models.Candidate) string {
	out := ""
	for i, cand := range candidates {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s (%.2f)", cand.Source, cand.Action.Type, cand.Confidence)
	}
	return out
}
