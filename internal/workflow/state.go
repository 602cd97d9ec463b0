package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// Status is the per-task workflow phase state, persisted in
// task.Task.Context under contextKeyState.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPhaseReady Status = "phase_ready"
	StatusRunning    Status = "phase_running"
	StatusFanningOut Status = "fanning_out"
	StatusAggregate  Status = "aggregating"
	StatusVerifying  Status = "verifying"
	StatusPhaseGate  Status = "phase_gate"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

var transitions = map[Status]map[Status]bool{
	StatusPending:    {StatusPhaseReady: true},
	StatusPhaseReady: {StatusRunning: true, StatusFanningOut: true},
	StatusRunning: {
		StatusAggregate: true, StatusVerifying: true, StatusPhaseGate: true,
		StatusPhaseReady: true, StatusFailed: true, StatusCompleted: true,
	},
	StatusFanningOut: {StatusAggregate: true, StatusFailed: true},
	StatusAggregate: {
		StatusVerifying: true, StatusPhaseGate: true, StatusPhaseReady: true,
		StatusCompleted: true,
	},
	StatusVerifying: {
		StatusPhaseReady: true, StatusPending: true, StatusPhaseGate: true,
		StatusCompleted: true,
	},
	StatusPhaseGate: {StatusPhaseReady: true, StatusRejected: true, StatusCompleted: true},
}

// CanTransition reports whether from→to is a legal DFA edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ErrInvalidPhaseTransition is returned when a transition is not allowed
// by the DFA.
type ErrInvalidPhaseTransition struct {
	TaskID   uuid.UUID
	From, To Status
}

func (e *ErrInvalidPhaseTransition) Error() string {
	return fmt.Sprintf("workflow task %s: invalid phase transition %s -> %s", e.TaskID, e.From, e.To)
}

// ErrSubtasksNonTerminal guards advance against racing with in-flight
// fan-out/aggregation subtasks still converging.
type ErrSubtasksNonTerminal struct {
	TaskID uuid.UUID
}

func (e *ErrSubtasksNonTerminal) Error() string {
	return fmt.Sprintf("workflow task %s: subtasks remain non-terminal", e.TaskID)
}

// State is the workflow enrollment record for one task, stored under
// contextKeyState in task.Task.Context.
type State struct {
	WorkflowName string      `json:"workflow_name"`
	PhaseIndex   int         `json:"phase_index"`
	PhaseName    string      `json:"phase_name"`
	Status       Status      `json:"status"`
	SubtaskIDs   []uuid.UUID `json:"subtask_ids,omitempty"`

	// FanOutSubtaskIDs records the original fan-out slice ids, used to
	// build the aggregation subtask's summary description.
	FanOutSubtaskIDs  []uuid.UUID `json:"fan_out_subtask_ids,omitempty"`
	AggregationTaskID *uuid.UUID  `json:"aggregation_task_id,omitempty"`

	// RetryCount tracks verification rework attempts for the current
	// phase; PhaseRetryCount tracks fan-out slice recovery attempts.
	RetryCount           int      `json:"retry_count"`
	PhaseRetryCount      int      `json:"phase_retry_count"`
	VerificationFeedback []string `json:"verification_feedback,omitempty"`
}

// contextKeyState is the task.Context key the workflow engine reads/writes.
const contextKeyState = "workflow_state"

// NewState enrolls a task in workflowName starting at phase 0, Pending.
func NewState(workflowName string) *State {
	return &State{WorkflowName: workflowName, Status: StatusPending}
}

// transition validates and applies a DFA edge.
func (s *State) transition(taskID uuid.UUID, to Status) error {
	if !CanTransition(s.Status, to) {
		return &ErrInvalidPhaseTransition{TaskID: taskID, From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// StateFromContext extracts a *State from a task's Context map, returning
// ok=false if the task is not workflow-enrolled.
func StateFromContext(ctx map[string]any) (*State, bool) {
	raw, ok := ctx[contextKeyState]
	if !ok {
		return nil, false
	}
	st, ok := raw.(*State)
	return st, ok
}

// PutContext writes s into ctx under contextKeyState.
func (s *State) PutContext(ctx map[string]any) {
	ctx[contextKeyState] = s
}
