package models

import "time"

// CandidateSource tags which decision layer produced a candidate.
type CandidateSource string

const (
	SourceRule      CandidateSource = "rule"
	SourceInference CandidateSource = "inference"
	// SourceManual marks operator-triggered overrides. Manual candidates skip
	// the confidence gate but not the per-target mutual exclusion check.
	SourceManual CandidateSource = "manual"
)

// Action is an opaque remediation descriptor handed to the mutation executor.
type Action struct {
	Type       string            `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Candidate is a proposed corrective action produced by a decision layer.
type Candidate struct {
	IncidentID string          `json:"incidentId"`
	Target     string          `json:"target"`
	Source     CandidateSource `json:"source"`
	Action     Action          `json:"action"`
	Confidence float64         `json:"confidence"`
	Priority   int             `json:"priority"`
	ProducedAt time.Time       `json:"producedAt"`
}

// ActionState enumerates the admitted-action lifecycle.
type ActionState string

const (
	ActionPending    ActionState = "pending"
	ActionDispatched ActionState = "dispatched"
	ActionSucceeded  ActionState = "succeeded"
	ActionFailed     ActionState = "failed"
	ActionRolledBack ActionState = "rolled_back"
	ActionEscalated  ActionState = "escalated"
)

// Terminal reports whether the action has finished for good. Failed is not
// terminal: the orchestrator either re-dispatches or escalates it.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionRolledBack, ActionEscalated:
		return true
	default:
		return false
	}
}

// AdmittedAction is the single candidate chosen to execute for a target.
// At most one AdmittedAction per target may be in a non-terminal state.
type AdmittedAction struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incidentId"`
	Target     string          `json:"target"`
	Source     CandidateSource `json:"source"`
	Action     Action          `json:"action"`
	Confidence float64         `json:"confidence"`
	Priority   int             `json:"priority"`
	State      ActionState     `json:"state"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	AdmittedAt time.Time       `json:"admittedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
