// Package feedback appends outcome data to incident history for later
// offline analysis. It never blocks or fails the orchestration path.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/store"
)

// Outcome captures how an admitted action finished.
type Outcome struct {
	ActionID   string
	Result     models.ActionState
	Attempts   int
	Resolution time.Duration
	Detail     string
}

// Recorder appends outcomes to the incident store best-effort: a short
// local retry, failures logged, nothing propagated.
type Recorder struct {
	store   store.Store
	logger  *slog.Logger
	retries int
}

// NewRecorder constructs a recorder over the shared incident store.
func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger, retries: 2}
}

// RecordOutcome writes the terminal incident transition carrying the
// outcome data. The resulting status follows the action result: Succeeded
// maps to Remediated, Escalated stays Escalated, RolledBack stays RolledBack.
func (r *Recorder) RecordOutcome(ctx context.Context, incidentID string, outcome Outcome) {
	status := incidentStatusFor(outcome.Result)
	detail := fmt.Sprintf("action %s %s after %d attempt(s) in %s",
		outcome.ActionID, outcome.Result, outcome.Attempts, outcome.Resolution.Round(time.Millisecond))
	if outcome.Detail != "" {
		detail += ": " + outcome.Detail
	}

	tr := models.Transition{
		To:     status,
		Actor:  "orchestrator",
		Detail: detail,
	}

	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if _, err = r.store.AppendTransition(ctx, incidentID, tr); err == nil {
			return
		}
		if errors.Is(err, store.ErrConflict) {
			// Already terminal (e.g. a manual rollback recorded first).
			r.logger.Debug("outcome already recorded", slog.String("incident", incidentID))
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(50 * time.Millisecond):
			continue
		}
		break
	}
	r.logger.Error("failed to record outcome",
		slog.String("incident", incidentID),
		slog.String("action", outcome.ActionID),
		slog.Any("error", err))
}

func incidentStatusFor(result models.ActionState) models.IncidentStatus {
	switch result {
	case models.ActionSucceeded:
		return models.StatusRemediated
	case models.ActionRolledBack:
		return models.StatusRolledBack
	default:
		return models.StatusEscalated
	}
}
