// Package goal implements the Goal entity and its status DFA. Constraints
// are inherited ancestor-first so that child goals may refine, never
// relax, an ancestor's constraints.
package goal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the goal lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusRetired   Status = "retired"
)

var transitions = map[Status]map[Status]bool{
	StatusActive: {StatusPaused: true, StatusCompleted: true, StatusCanceled: true, StatusRetired: true},
	StatusPaused: {StatusActive: true},
}

// CanTransition reports whether from→to is a legal DFA edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ErrInvalidStateTransition is returned when a transition is not allowed by
// the DFA.
type ErrInvalidStateTransition struct {
	GoalID   uuid.UUID
	From, To Status
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("goal %s: invalid transition %s -> %s", e.GoalID, e.From, e.To)
}

// Constraint is a single inherited rule a goal and its descendants must
// honor.
type Constraint struct {
	Description string
}

// Goal is the top-level unit of intent tasks are decomposed from.
type Goal struct {
	ID          uuid.UUID
	Name        string
	Description string
	Status      Status
	Priority    int
	ParentID    *uuid.UUID
	Constraints []Constraint
	Domains     []string // applicability domains

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewGoal constructs a Goal in StatusActive.
func NewGoal(name, description string) *Goal {
	now := time.Now()
	return &Goal{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		Status:      StatusActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition validates and applies a DFA edge.
func (g *Goal) Transition(to Status) error {
	if !CanTransition(g.Status, to) {
		return &ErrInvalidStateTransition{GoalID: g.ID, From: g.Status, To: to}
	}
	g.Status = to
	g.Version++
	g.UpdatedAt = time.Now()
	return nil
}

// InheritedConstraints walks ancestors (ancestor-first) via resolve and
// appends g's own constraints, so descendants may refine but never drop an
// ancestor's rule.
func InheritedConstraints(ctx context.Context, resolve func(context.Context, uuid.UUID) (*Goal, error), g *Goal) ([]Constraint, error) {
	var chain []*Goal
	cur := g
	for cur.ParentID != nil {
		parent, err := resolve(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("resolve ancestor %s: %w", *cur.ParentID, err)
		}
		chain = append(chain, parent)
		cur = parent
	}

	var out []Constraint
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Constraints...)
	}
	out = append(out, g.Constraints...)
	return out, nil
}
