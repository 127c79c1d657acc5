package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/remedia/internal/models"
)

// Both backends are driven through the same conformance cases: whatever
// holds for memory must hold for sqlite.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	gorm, err := NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gorm.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": gorm,
	}
}

func newIncident(id, target string, status models.IncidentStatus) models.Incident {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Incident{
		ID:         id,
		EventID:    "ev-" + id,
		Target:     target,
		Signature:  models.Signature{Type: "crash_loop", Component: "service", Severity: models.SeverityHigh},
		Features:   []float64{0.2, 0.8},
		Severity:   models.SeverityHigh,
		ObservedAt: now,
		Status:     status,
		History: []models.Transition{{
			To: status, Actor: "api", Detail: "accepted", At: now,
		}},
		CreatedAt: now,
	}
}

func newAction(id, incidentID, target string, state models.ActionState) models.AdmittedAction {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.AdmittedAction{
		ID:         id,
		IncidentID: incidentID,
		Target:     target,
		Source:     models.SourceRule,
		Action:     models.Action{Type: "restart_service", Parameters: map[string]string{"grace_period": "10s"}},
		Confidence: 0.9,
		Priority:   10,
		State:      state,
		AdmittedAt: now,
		UpdatedAt:  now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inc := newIncident("inc-1", "svc-a", models.StatusNew)
			require.NoError(t, st.Put(ctx, inc))

			got, err := st.Get(ctx, "inc-1")
			require.NoError(t, err)
			assert.Equal(t, inc.Target, got.Target)
			assert.Equal(t, inc.Signature, got.Signature)
			assert.Equal(t, models.StatusNew, got.Status)
			require.Len(t, got.History, 1)
			assert.Equal(t, "api", got.History[0].Actor)
		})
	}
}

func TestPutRejectsDuplicateID(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))
			err := st.Put(ctx, newIncident("inc-1", "svc-b", models.StatusNew))
			assert.ErrorIs(t, err, ErrDuplicateID)
		})
	}
}

func TestGetUnknownIncident(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAppendTransitionAdvancesStatus(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))

			got, err := st.AppendTransition(ctx, "inc-1", models.Transition{
				To: models.StatusRouted, Actor: "router", Detail: "rule matched",
			})
			require.NoError(t, err)
			assert.Equal(t, models.StatusRouted, got.Status)
			require.Len(t, got.History, 2)
			assert.Equal(t, models.StatusNew, got.History[1].From)
			assert.False(t, got.History[1].At.IsZero())
		})
	}
}

func TestAppendTransitionRejectsTerminalIncident(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))
			_, err := st.AppendTransition(ctx, "inc-1", models.Transition{To: models.StatusRemediated, Actor: "orchestrator"})
			require.NoError(t, err)

			_, err = st.AppendTransition(ctx, "inc-1", models.Transition{To: models.StatusEscalated, Actor: "coordinator"})
			assert.ErrorIs(t, err, ErrConflict)

			got, err := st.Get(ctx, "inc-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusRemediated, got.Status)
			assert.Len(t, got.History, 2)
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				inc := newIncident(fmt.Sprintf("inc-%d", i), "svc-a", models.StatusNew)
				if i%2 == 1 {
					inc.Target = "svc-b"
				}
				require.NoError(t, st.Put(ctx, inc))
			}
			_, err := st.AppendTransition(ctx, "inc-0", models.Transition{To: models.StatusEscalated, Actor: "coordinator"})
			require.NoError(t, err)

			byTarget, err := st.List(ctx, ListFilter{Target: "svc-b"})
			require.NoError(t, err)
			assert.Len(t, byTarget, 2)

			byStatus, err := st.List(ctx, ListFilter{Status: models.StatusEscalated})
			require.NoError(t, err)
			require.Len(t, byStatus, 1)
			assert.Equal(t, "inc-0", byStatus[0].ID)

			paged, err := st.List(ctx, ListFilter{Limit: 2, Offset: 1})
			require.NoError(t, err)
			assert.Len(t, paged, 2)
		})
	}
}

func TestListByTargetActiveOnly(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))
			require.NoError(t, st.Put(ctx, newIncident("inc-2", "svc-a", models.StatusNew)))
			_, err := st.AppendTransition(ctx, "inc-1", models.Transition{To: models.StatusRemediated, Actor: "orchestrator"})
			require.NoError(t, err)

			all, err := st.ListByTarget(ctx, "svc-a", false)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			active, err := st.ListByTarget(ctx, "svc-a", true)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "inc-2", active[0].ID)
		})
	}
}

func TestActiveActionForTarget(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, busy, err := st.ActiveActionForTarget(ctx, "svc-a")
			require.NoError(t, err)
			assert.False(t, busy)

			action := newAction("act-1", "inc-1", "svc-a", models.ActionPending)
			require.NoError(t, st.PutAction(ctx, action))

			got, busy, err := st.ActiveActionForTarget(ctx, "svc-a")
			require.NoError(t, err)
			require.True(t, busy)
			assert.Equal(t, "act-1", got.ID)
			assert.Equal(t, "10s", got.Action.Parameters["grace_period"])

			action.State = models.ActionSucceeded
			require.NoError(t, st.UpdateAction(ctx, action))

			_, busy, err = st.ActiveActionForTarget(ctx, "svc-a")
			require.NoError(t, err)
			assert.False(t, busy, "terminal action must release the target")
		})
	}
}

func TestFailedActionStillHoldsTarget(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			action := newAction("act-1", "inc-1", "svc-a", models.ActionPending)
			require.NoError(t, st.PutAction(ctx, action))

			action.State = models.ActionFailed
			action.LastError = "executor reported failure"
			action.Attempts = 1
			require.NoError(t, st.UpdateAction(ctx, action))

			got, busy, err := st.ActiveActionForTarget(ctx, "svc-a")
			require.NoError(t, err)
			require.True(t, busy, "failed is not terminal, the target stays held")
			assert.Equal(t, models.ActionFailed, got.State)
			assert.Equal(t, 1, got.Attempts)
		})
	}
}

func TestGetActionRoundTrip(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			action := newAction("act-1", "inc-1", "svc-a", models.ActionPending)
			require.NoError(t, st.PutAction(ctx, action))

			got, err := st.GetAction(ctx, "act-1")
			require.NoError(t, err)
			assert.Equal(t, action.Source, got.Source)
			assert.Equal(t, action.Action.Type, got.Action.Type)
			assert.Equal(t, models.ActionPending, got.State)

			_, err = st.GetAction(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCounts(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))
			require.NoError(t, st.Put(ctx, newIncident("inc-2", "svc-b", models.StatusNew)))
			_, err := st.AppendTransition(ctx, "inc-2", models.Transition{To: models.StatusEscalated, Actor: "coordinator"})
			require.NoError(t, err)
			require.NoError(t, st.PutAction(ctx, newAction("act-1", "inc-1", "svc-a", models.ActionPending)))

			counts, err := st.Counts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, counts.TotalIncidents)
			assert.Equal(t, 1, counts.ActiveIncidents)
			assert.Equal(t, 1, counts.Escalations)
			assert.Equal(t, 1, counts.ActiveActions)
			assert.Equal(t, 1, counts.TotalActions)
			assert.Equal(t, 1, counts.Incidents[models.StatusEscalated])
		})
	}
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Put(ctx, newIncident("inc-1", "svc-a", models.StatusNew)))

	first, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	first.History[0].Actor = "mutated"
	first.Features[0] = 99

	second, err := st.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "api", second.History[0].Actor)
	assert.Equal(t, 0.2, second.Features[0])
}
