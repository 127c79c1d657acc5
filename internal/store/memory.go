package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsforge/remedia/internal/models"
)

// MemoryStore keeps incidents and actions in process memory. It is the
// default backend for development and tests; all reads return copies so
// callers never observe partial transition lists.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	actions   map[string]*models.AdmittedAction
	// activeByTarget tracks the id of the one non-terminal action per target.
	activeByTarget map[string]string
	order          []string // incident insertion order for stable listings
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:      make(map[string]*models.Incident),
		actions:        make(map[string]*models.AdmittedAction),
		activeByTarget: make(map[string]string),
	}
}

// Put inserts a new incident. Ids are never reused.
func (s *MemoryStore) Put(_ context.Context, incident models.Incident) error {
	if incident.ID == "" {
		return fmt.Errorf("incident id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[incident.ID]; ok {
		return fmt.Errorf("incident %s: %w", incident.ID, ErrDuplicateID)
	}
	clone := cloneIncident(incident)
	s.incidents[incident.ID] = &clone
	s.order = append(s.order, incident.ID)
	return nil
}

// Get returns a copy of the incident with its full history.
func (s *MemoryStore) Get(_ context.Context, id string) (models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return cloneIncident(*inc), nil
}

// AppendTransition atomically appends a history entry and advances the status.
func (s *MemoryStore) AppendTransition(_ context.Context, id string, tr models.Transition) (models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return models.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if inc.Status.Terminal() {
		return models.Incident{}, fmt.Errorf("incident %s is %s: %w", id, inc.Status, ErrConflict)
	}

	if tr.From == "" {
		tr.From = inc.Status
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	inc.History = append(inc.History, tr)
	inc.Status = tr.To
	return cloneIncident(*inc), nil
}

// ListByTarget returns incidents for a target, optionally only active ones.
func (s *MemoryStore) ListByTarget(_ context.Context, target string, activeOnly bool) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Incident
	for _, id := range s.order {
		inc := s.incidents[id]
		if inc.Target != target {
			continue
		}
		if activeOnly && inc.Status.Terminal() {
			continue
		}
		out = append(out, cloneIncident(*inc))
	}
	return out, nil
}

// List returns incidents matching the filter in insertion order.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Incident
	for _, id := range s.order {
		inc := s.incidents[id]
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.Target != "" && inc.Target != filter.Target {
			continue
		}
		matched = append(matched, cloneIncident(*inc))
	}

	return paginate(matched, filter.Offset, filter.Limit), nil
}

// PutAction records a freshly admitted action. The caller (the resolver)
// guarantees no other non-terminal action exists for the target.
func (s *MemoryStore) PutAction(_ context.Context, action models.AdmittedAction) error {
	if action.ID == "" {
		return fmt.Errorf("action id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action.ID]; ok {
		return fmt.Errorf("action %s: %w", action.ID, ErrDuplicateID)
	}
	clone := cloneAction(action)
	s.actions[action.ID] = &clone
	if !action.State.Terminal() {
		s.activeByTarget[action.Target] = action.ID
	}
	return nil
}

// UpdateAction replaces the stored action record and releases the target
// slot when the action reaches a terminal state.
func (s *MemoryStore) UpdateAction(_ context.Context, action models.AdmittedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[action.ID]; !ok {
		return fmt.Errorf("action %s: %w", action.ID, ErrNotFound)
	}
	clone := cloneAction(action)
	s.actions[action.ID] = &clone
	if action.State.Terminal() {
		if s.activeByTarget[action.Target] == action.ID {
			delete(s.activeByTarget, action.Target)
		}
	} else {
		s.activeByTarget[action.Target] = action.ID
	}
	return nil
}

// GetAction returns a copy of the admitted-action record.
func (s *MemoryStore) GetAction(_ context.Context, id string) (models.AdmittedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	act, ok := s.actions[id]
	if !ok {
		return models.AdmittedAction{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return cloneAction(*act), nil
}

// ActiveActionForTarget reports the non-terminal action bound to the target.
func (s *MemoryStore) ActiveActionForTarget(_ context.Context, target string) (models.AdmittedAction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByTarget[target]
	if !ok {
		return models.AdmittedAction{}, false, nil
	}
	act := s.actions[id]
	return cloneAction(*act), true, nil
}

// Counts summarises current store contents.
func (s *MemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := Counts{Incidents: make(map[models.IncidentStatus]int)}
	for _, inc := range s.incidents {
		counts.Incidents[inc.Status]++
		counts.TotalIncidents++
		if inc.Status.Active() {
			counts.ActiveIncidents++
		}
		if inc.Status == models.StatusEscalated {
			counts.Escalations++
		}
	}
	counts.TotalActions = len(s.actions)
	counts.ActiveActions = len(s.activeByTarget)
	return counts, nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneIncident(inc models.Incident) models.Incident {
	out := inc
	out.History = append([]models.Transition(nil), inc.History...)
	out.Features = append([]float64(nil), inc.Features...)
	return out
}

func cloneAction(act models.AdmittedAction) models.AdmittedAction {
	out := act
	if act.Action.Parameters != nil {
		params := make(map[string]string, len(act.Action.Parameters))
		for k, v := range act.Action.Parameters {
			params[k] = v
		}
		out.Action.Parameters = params
	}
	return out
}

func paginate(items []models.Incident, offset, limit int) []models.Incident {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
