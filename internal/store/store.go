package store

import (
	"context"
	"errors"

	"github.com/opsforge/remedia/internal/models"
)

var (
	// ErrNotFound signals an unknown incident or action id.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a transition appended to an incident already in a
	// terminal state. The append is rejected, not silently applied.
	ErrConflict = errors.New("incident is in a terminal state")
	// ErrDuplicateID signals a Put with an id that already exists.
	ErrDuplicateID = errors.New("id already exists")
)

// ListFilter narrows incident listings for the query API.
type ListFilter struct {
	Status models.IncidentStatus
	Target string
	Limit  int
	Offset int
}

// Counts summarises store contents for the status endpoint.
type Counts struct {
	Incidents       map[models.IncidentStatus]int `json:"incidents"`
	ActiveIncidents int                           `json:"activeIncidents"`
	TotalIncidents  int                           `json:"totalIncidents"`
	ActiveActions   int                           `json:"activeActions"`
	TotalActions    int                           `json:"totalActions"`
	Escalations     int                           `json:"escalations"`
}

// Store is the durable, append-only record of incidents and admitted actions.
// It is the single source of truth shared by all components; implementations
// must make AppendTransition atomic with respect to concurrent writers on the
// same incident, and reads must observe consistent snapshots.
type Store interface {
	Put(ctx context.Context, incident models.Incident) error
	Get(ctx context.Context, id string) (models.Incident, error)
	// AppendTransition appends a history entry and moves the incident to
	// tr.To. It returns ErrConflict when the incident is already terminal.
	AppendTransition(ctx context.Context, id string, tr models.Transition) (models.Incident, error)
	ListByTarget(ctx context.Context, target string, activeOnly bool) ([]models.Incident, error)
	List(ctx context.Context, filter ListFilter) ([]models.Incident, error)

	PutAction(ctx context.Context, action models.AdmittedAction) error
	UpdateAction(ctx context.Context, action models.AdmittedAction) error
	GetAction(ctx context.Context, id string) (models.AdmittedAction, error)
	// ActiveActionForTarget returns the single non-terminal action for the
	// target, if any. This backs the core mutual-exclusion invariant.
	ActiveActionForTarget(ctx context.Context, target string) (models.AdmittedAction, bool, error)

	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
	Close() error
}
