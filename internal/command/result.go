package command

import (
	"fmt"

	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// ResultKind tags which field of Result is populated.
type ResultKind string

const (
	ResultKindTask   ResultKind = "task"
	ResultKindGoal   ResultKind = "goal"
	ResultKindMemory ResultKind = "memory"
	ResultKindAck    ResultKind = "ack"
)

// Result is the typed union CommandBus.Dispatch returns on success.
type Result struct {
	Kind   ResultKind
	Task   *task.Task
	Goal   *goal.Goal
	Memory string
}

// ErrorKind is the closed set of command-bus failure categories.
type ErrorKind string

const (
	ErrorKindValidation           ErrorKind = "validation"
	ErrorKindNotFound             ErrorKind = "not_found"
	ErrorKindConflictingState     ErrorKind = "conflicting_state"
	ErrorKindIdempotencyViolation ErrorKind = "idempotency_violation"
	ErrorKindInternal             ErrorKind = "internal"
)

// Error is the structured error CommandBus.Dispatch returns on failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func validationErr(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(cause error) *Error {
	return &Error{Kind: ErrorKindNotFound, Message: "entity not found", Cause: cause}
}

func conflictErr(cause error) *Error {
	return &Error{Kind: ErrorKindConflictingState, Message: "conflicting state", Cause: cause}
}

func internalErr(cause error) *Error {
	return &Error{Kind: ErrorKindInternal, Message: "internal error", Cause: cause}
}
