// Package orchestrator drives admitted actions through their lifecycle:
// dispatch, await completion, retry with backoff, escalate, or roll back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/remedia/internal/executor"
	"github.com/opsforge/remedia/internal/metrics"
	"github.com/opsforge/remedia/internal/models"
	"github.com/opsforge/remedia/internal/resolver"
	"github.com/opsforge/remedia/internal/store"
)

// ErrActionTerminal signals a manual transition requested on an action that
// already finished.
var ErrActionTerminal = errors.New("action is in a terminal state")

// Executor is the external mutation collaborator. Calls must be idempotent
// per attempt id; the orchestrator assumes at-least-once delivery.
type Executor interface {
	Execute(ctx context.Context, action models.Action, target, attemptID string) (executor.Result, error)
}

// Config bounds the dispatch loop.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// Orchestrator executes admitted actions against the mutation executor,
// recording every transition in the store before and after each call so a
// crash mid-call leaves an auditable Dispatched record.
type Orchestrator struct {
	store  store.Store
	exec   Executor
	locks  *resolver.TargetLocks
	cfg    Config
	logger *slog.Logger
}

// New constructs an orchestrator. The lock registry must be the same one
// the resolver admits through.
func New(st store.Store, exec Executor, locks *resolver.TargetLocks, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Orchestrator{store: st, exec: exec, locks: locks, cfg: cfg, logger: logger}
}

// Execute drives the action to a terminal state and returns the final
// record. Exactly one executor call is made per dispatch attempt; a failed
// attempt below the limit loops back to Dispatched after backoff, and an
// exhausted action escalates.
func (o *Orchestrator) Execute(ctx context.Context, action models.AdmittedAction) (models.AdmittedAction, error) {
	current := action
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		updated, proceed, err := o.markDispatched(ctx, current.Target, current.ID, attempt)
		if err != nil {
			return current, err
		}
		if !proceed {
			// A manual rollback landed between attempts.
			return updated, nil
		}
		current = updated

		attemptID := uuid.NewString()
		callCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		}
		result, callErr := o.exec.Execute(callCtx, current.Action, current.Target, attemptID)
		if cancel != nil {
			cancel()
		}

		if callErr == nil && result.Succeeded() {
			metrics.ObserveDispatch(metrics.OutcomeSuccess)
			final, err := o.transition(ctx, current.Target, current.ID, models.ActionSucceeded, "")
			if err != nil {
				return current, err
			}
			o.logger.Info("action succeeded",
				slog.String("action", final.ID),
				slog.String("target", final.Target),
				slog.Int("attempts", final.Attempts))
			return final, nil
		}

		reason := dispatchFailure(result, callErr)
		metrics.ObserveDispatch(metrics.OutcomeError)
		failed, err := o.transition(ctx, current.Target, current.ID, models.ActionFailed, reason)
		if err != nil {
			return current, err
		}
		current = failed
		o.logger.Warn("dispatch attempt failed",
			slog.String("action", current.ID),
			slog.String("target", current.Target),
			slog.Int("attempt", attempt),
			slog.String("reason", reason))

		if attempt == o.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(o.cfg.Backoff << (attempt - 1)):
		}
	}

	escalated, err := o.transition(ctx, current.Target, current.ID, models.ActionEscalated, current.LastError)
	if err != nil {
		return current, err
	}
	o.logger.Warn("action escalated after exhausting retries",
		slog.String("action", escalated.ID),
		slog.String("target", escalated.Target),
		slog.Int("attempts", escalated.Attempts))
	return escalated, nil
}

// Rollback applies the operator override: any non-terminal action moves to
// RolledBack; terminal actions reject with ErrActionTerminal.
func (o *Orchestrator) Rollback(ctx context.Context, actionID, operator string) (models.AdmittedAction, error) {
	action, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return models.AdmittedAction{}, err
	}

	unlock := o.locks.Lock(action.Target)
	defer unlock()

	action, err = o.store.GetAction(ctx, actionID)
	if err != nil {
		return models.AdmittedAction{}, err
	}
	if action.State.Terminal() {
		return action, fmt.Errorf("action %s is %s: %w", actionID, action.State, ErrActionTerminal)
	}

	action.State = models.ActionRolledBack
	action.LastError = ""
	action.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateAction(ctx, action); err != nil {
		return models.AdmittedAction{}, fmt.Errorf("record rollback: %w", err)
	}

	// Rollback is also recorded on the owning incident so the audit trail
	// alone explains the outcome.
	if action.IncidentID != "" {
		if _, err := o.store.AppendTransition(ctx, action.IncidentID, models.Transition{
			To:     models.StatusRolledBack,
			Actor:  operator,
			Detail: fmt.Sprintf("action %s rolled back by operator", action.ID),
		}); err != nil && !errors.Is(err, store.ErrConflict) {
			o.logger.Warn("failed to record rollback on incident",
				slog.String("incident", action.IncidentID), slog.Any("error", err))
		}
	}

	o.logger.Info("action rolled back",
		slog.String("action", action.ID),
		slog.String("target", action.Target),
		slog.String("operator", operator))
	return action, nil
}

// markDispatched moves the action to Dispatched for the attempt under the
// target lock. It reports proceed=false when the action has meanwhile
// reached a terminal state.
func (o *Orchestrator) markDispatched(ctx context.Context, target, actionID string, attempt int) (models.AdmittedAction, bool, error) {
	unlock := o.locks.Lock(target)
	defer unlock()

	action, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return models.AdmittedAction{}, false, err
	}
	if action.State.Terminal() {
		return action, false, nil
	}

	action.State = models.ActionDispatched
	action.Attempts = attempt
	action.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateAction(ctx, action); err != nil {
		return models.AdmittedAction{}, false, fmt.Errorf("record dispatch: %w", err)
	}
	return action, true, nil
}

// transition applies a post-call state under the target lock, preserving a
// terminal state that landed concurrently (manual rollback).
func (o *Orchestrator) transition(ctx context.Context, target, actionID string, to models.ActionState, lastErr string) (models.AdmittedAction, error) {
	unlock := o.locks.Lock(target)
	defer unlock()

	action, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return models.AdmittedAction{}, err
	}
	if action.State.Terminal() {
		return action, nil
	}

	action.State = to
	action.LastError = lastErr
	action.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateAction(ctx, action); err != nil {
		return models.AdmittedAction{}, fmt.Errorf("record %s: %w", to, err)
	}
	return action, nil
}


func dispatchFailure(result executor.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if result.Detail != "" {
		return result.Detail
	}
	return "executor reported failure"
}
