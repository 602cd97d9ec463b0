// Package task implements the orchestration Task entity, its status DFA,
// the dependency graph readiness computation, and a repository contract.
// Generalized from a unified task record — the Status/IsTerminal pattern
// is kept, the channel/bridge-specific fields are dropped (out of scope
// for this domain) in favor of the dependency-graphed orchestration Task.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state, constrained by the DFA in
// CanTransition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusRunning    Status = "running"
	StatusValidating Status = "validating"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusBlocked    Status = "blocked"
)

// IsTerminal reports whether status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminalSuccessful reports whether status counts as a satisfied
// dependency for readiness computation.
func (s Status) IsTerminalSuccessful() bool {
	return s == StatusComplete
}

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusReady: true, StatusCanceled: true, StatusBlocked: true},
	StatusReady:      {StatusRunning: true, StatusCanceled: true, StatusBlocked: true},
	StatusRunning:    {StatusValidating: true, StatusComplete: true, StatusFailed: true, StatusCanceled: true},
	StatusValidating: {StatusRunning: true, StatusComplete: true, StatusFailed: true},
	StatusFailed:     {StatusReady: true, StatusCanceled: true},
	StatusBlocked:    {StatusReady: true, StatusCanceled: true, StatusFailed: true},
}

// CanTransition reports whether from→to is a legal DFA edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ErrInvalidStateTransition is returned when a transition is not allowed by
// the DFA.
type ErrInvalidStateTransition struct {
	TaskID   uuid.UUID
	From, To Status
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Source tags where a task originated, carried through to emitted events.
type Source struct {
	Kind     SourceKind
	ParentID uuid.UUID // set when Kind == SourceSubtaskOf
}

// SourceKind is the closed set of task origins.
type SourceKind string

const (
	SourceHuman     SourceKind = "human"
	SourceSystem    SourceKind = "system"
	SourceSubtaskOf SourceKind = "subtask_of"
)

// ExecutionMode selects direct substrate execution or the convergence loop.
type ExecutionMode struct {
	Convergent      bool
	ParallelSamples int // only meaningful when Convergent
}

// Task is the orchestration unit: dependency-graphed, state-machine-driven
// work assigned to an agent.
type Task struct {
	ID          uuid.UUID
	ParentID    *uuid.UUID // goal or task
	Title       string
	Description string
	Status      Status
	Priority    int
	AgentType   string
	TaskType    string // "standard" | "aggregator" | ...
	Source      Source

	DependsOn map[uuid.UUID]struct{}

	RetryCount int
	MaxRetries int

	WorktreePath  string
	Artifacts     []string
	ExecutionMode *ExecutionMode
	TrajectoryID  *uuid.UUID
	Deadline      *time.Time

	Context map[string]any

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTask constructs a Task in StatusPending with a fresh ID.
func NewTask(title string, src Source) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New(),
		Title:     title,
		Status:    StatusPending,
		TaskType:  "standard",
		Source:    src,
		DependsOn: make(map[uuid.UUID]struct{}),
		Context:   make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// Transition validates and applies a DFA edge, bumping Version and
// UpdatedAt.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return &ErrInvalidStateTransition{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}

// DependsOnList returns DependsOn as a slice, for iteration convenience.
func (t *Task) DependsOnList() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.DependsOn))
	for id := range t.DependsOn {
		out = append(out, id)
	}
	return out
}
