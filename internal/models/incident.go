package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus enumerates the lifecycle states of an incident.
type IncidentStatus string

const (
	StatusNew        IncidentStatus = "new"
	StatusRouted     IncidentStatus = "routed"
	StatusResolving  IncidentStatus = "resolving"
	StatusAdmitted   IncidentStatus = "admitted"
	StatusRemediated IncidentStatus = "remediated"
	StatusEscalated  IncidentStatus = "escalated"
	StatusRejected   IncidentStatus = "rejected"
	StatusRolledBack IncidentStatus = "rolled_back"
)

// Terminal reports whether no further automatic transitions are allowed
// from this status.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case StatusRemediated, StatusEscalated, StatusRejected, StatusRolledBack:
		return true
	default:
		return false
	}
}

// Active reports whether the incident is still under automatic management.
func (s IncidentStatus) Active() bool { return !s.Terminal() }

// Signature is the structured category of an anomaly used for rule matching.
// Type is mandatory; Component and Severity narrow the match.
type Signature struct {
	Type      string   `json:"type"`
	Component string   `json:"component,omitempty"`
	Severity  Severity `json:"severity,omitempty"`
}

// Transition records a single state change in an incident's history.
// History entries are append-only and never rewritten.
type Transition struct {
	From   IncidentStatus `json:"from"`
	To     IncidentStatus `json:"to"`
	Actor  string         `json:"actor"`
	Detail string         `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Incident is a detected anomaly under management by the coordination core.
type Incident struct {
	ID         string         `json:"id"`
	EventID    string         `json:"eventId,omitempty"`
	Target     string         `json:"target"`
	Signature  Signature      `json:"signature"`
	Features   []float64      `json:"features,omitempty"`
	Severity   Severity       `json:"severity"`
	ObservedAt time.Time      `json:"observedAt"`
	Status     IncidentStatus `json:"status"`
	History    []Transition   `json:"history"`
	CreatedAt  time.Time      `json:"createdAt"`
}
