// Package resolver selects at most one admissible action per target,
// applying the confidence gate and the deterministic-priority policy.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/store"
)

var (
	// ErrTargetBusy signals an admitted action already in flight for the
	// target. The caller decides whether to resubmit; the resolver never
	// retries on its own.
	ErrTargetBusy = errors.New("target has an action in flight")
	// ErrNoAdmissible signals that every candidate was discarded by the
	// confidence gate (or none were supplied).
	ErrNoAdmissible = errors.New("no admissible candidate")
)

// Tiebreak policies for competing inference candidates (no rule involved).
const (
	TiebreakHighestConfidence = "highest_confidence"
	TiebreakLowestPriority    = "lowest_priority_value"
)

// Policy holds the resolver's decision thresholds.
type Policy struct {
	// ActionThreshold gates inference candidates: below it they may be
	// surfaced but must never be admitted for automatic execution.
	ActionThreshold   float64
	InferenceTiebreak string
}

// Resolver arbitrates candidates and admits the winner with write-ahead
// semantics: the Pending action record is durable before any side effect.
type Resolver struct {
	store  store.Store
	locks  *TargetLocks
	policy Policy
	logger *slog.Logger
}

// New constructs a resolver over the shared incident store and lock registry.
func New(st store.Store, locks *TargetLocks, policy Policy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.InferenceTiebreak == "" {
		policy.InferenceTiebreak = TiebreakHighestConfidence
	}
	return &Resolver{store: st, locks: locks, policy: policy, logger: logger}
}

// Resolve arbitrates the candidates for a target and admits exactly one as
// a Pending action, or reports why none could be admitted.
func (r *Resolver) Resolve(ctx context.Context, target string, candidates []models.Candidate) (models.AdmittedAction, error) {
	admissible := r.gate(candidates)
	if len(admissible) == 0 {
		return models.AdmittedAction{}, ErrNoAdmissible
	}

	winner := r.rank(admissible)[0]

	// The busy check and the admission write happen under the target lock so
	// two concurrent resolves can never both observe a free target.
	unlock := r.locks.Lock(target)
	defer unlock()

	active, busy, err := r.store.ActiveActionForTarget(ctx, target)
	if err != nil {
		return models.AdmittedAction{}, fmt.Errorf("check active action for %s: %w", target, err)
	}
	if busy {
		r.logger.Info("target busy, rejecting candidate",
			slog.String("target", target),
			slog.String("incident", winner.IncidentID),
			slog.String("activeAction", active.ID))
		return models.AdmittedAction{}, fmt.Errorf("target %s held by action %s: %w", target, active.ID, ErrTargetBusy)
	}

	now := time.Now().UTC()
	admitted := models.AdmittedAction{
		ID:         uuid.NewString(),
		IncidentID: winner.IncidentID,
		Target:     target,
		Source:     winner.Source,
		Action:     winner.Action,
		Confidence: winner.Confidence,
		Priority:   winner.Priority,
		State:      models.ActionPending,
		AdmittedAt: now,
		UpdatedAt:  now,
	}
	if err := r.store.PutAction(ctx, admitted); err != nil {
		return models.AdmittedAction{}, fmt.Errorf("record admitted action: %w", err)
	}

	r.logger.Info("action admitted",
		slog.String("action", admitted.ID),
		slog.String("target", target),
		slog.String("source", string(admitted.Source)),
		slog.Float64("confidence", admitted.Confidence))
	return admitted, nil
}

// gate discards inference candidates below the action threshold. Rule
// candidates carry fixed configured confidence and pass; manual candidates
// embody operator judgment and pass.
func (r *Resolver) gate(candidates []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Source == models.SourceInference && c.Confidence < r.policy.ActionThreshold {
			r.logger.Info("inference candidate below action threshold, not admitted",
				slog.String("incident", c.IncidentID),
				slog.Float64("confidence", c.Confidence),
				slog.Float64("threshold", r.policy.ActionThreshold))
			continue
		}
		out = append(out, c)
	}
	return out
}

// rank orders candidates best-first: manual overrides, then rule-sourced
// ("deterministic priority": known-issue handling precedes AI escalation),
// then inference-sourced per the configured tiebreak.
func (r *Resolver) rank(candidates []models.Candidate) []models.Candidate {
	ranked := append([]models.Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if sourceRank(a.Source) != sourceRank(b.Source) {
			return sourceRank(a.Source) < sourceRank(b.Source)
		}
		switch r.policy.InferenceTiebreak {
		case TiebreakLowestPriority:
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
		default: // highest confidence
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		}
		return a.ProducedAt.Before(b.ProducedAt)
	})
	return ranked
}

func sourceRank(s models.CandidateSource) int {
	switch s {
	case models.SourceManual:
		return 0
	case models.SourceRule:
		return 1
	default:
		return 2
	}
}
