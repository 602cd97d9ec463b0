// Package escalation implements the human-in-the-loop decision point: a
// store of pending HumanEscalationEvent records plus the decision→command
// mapping that turns a human's response into the CommandBus mutation it
// implies.
//
// Generalized from an approve/reject decision shape (Approved/Action/
// Message), widened from a single terminal-prompt approve/reject choice
// to a closed six-way Decision set and a programmatic store+responder
// API — the human-facing prompt formatting itself is out of scope here
// (an external collaborator), only the store and the resulting domain
// mutation are.
package escalation

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the closed set of responses a human may give to a pending
// escalation.
type Decision string

const (
	DecisionAccept       Decision = "accept"
	DecisionReject       Decision = "reject"
	DecisionClarify      Decision = "clarify"
	DecisionModifyIntent Decision = "modify_intent"
	DecisionAbort        Decision = "abort"
	DecisionDefer        Decision = "defer"
)

// Event is the full escalation record (spec glossary, "HumanEscalationEvent").
type Event struct {
	ID uuid.UUID `json:"id"`

	GoalID *uuid.UUID `json:"goal_id,omitempty"`
	TaskID *uuid.UUID `json:"task_id,omitempty"`

	Reason     string   `json:"reason"`
	Urgency    string   `json:"urgency"`
	Questions  []string `json:"questions,omitempty"`
	IsBlocking bool     `json:"is_blocking"`

	Deadline      *time.Time `json:"deadline,omitempty"`
	DefaultAction *Decision  `json:"default_action,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Resolved           bool       `json:"resolved"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	ResolutionDecision *Decision  `json:"resolution_decision,omitempty"`
	ResolutionDetail   string     `json:"resolution_detail,omitempty"`
}

// New constructs a pending escalation with a fresh ID and CreatedAt.
func New(reason, urgency string, isBlocking bool) *Event {
	return &Event{
		ID:         uuid.New(),
		Reason:     reason,
		Urgency:    urgency,
		IsBlocking: isBlocking,
		CreatedAt:  time.Now(),
	}
}

// Overdue reports whether e has a deadline that has elapsed and is still
// unresolved.
func (e *Event) Overdue(now time.Time) bool {
	return !e.Resolved && e.Deadline != nil && now.After(*e.Deadline)
}
