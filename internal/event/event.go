// Package event defines the control plane's durable event record: the
// append-only unit every other subsystem (journal, bus, dispatcher,
// command bus, workflow/convergence engines) reads and writes.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an event's importance. Ordering matters: dispatcher
// filters compare against MinSeverity using >=.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category is the closed set of event domains used for coarse filtering.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryGoal         Category = "goal"
	CategoryTask         Category = "task"
	CategoryConvergence  Category = "convergence"
	CategoryMemory       Category = "memory"
	CategoryScheduler    Category = "scheduler"
	CategoryWorkflow     Category = "workflow"
	CategoryEscalation   Category = "escalation"
	CategoryAgent        Category = "agent"
	CategoryVerification Category = "verification"
)

// PayloadKind names a payload variant. The (category, kind) pair is the
// filter contract referenced throughout spec.md.
type PayloadKind string

// Payload is a tagged union: Kind identifies the variant, Data carries its
// fields. Data is typically one of the concrete structs in payloads.go but
// is left as `any` so the journal/bus stay agnostic to the (large,
// growing) set of concrete variants.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Data any         `json:"data,omitempty"`
}

// Event is the single append-only record every subsystem is built from.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"timestamp"`
	Severity Severity  `json:"severity"`
	Category Category  `json:"category"`

	GoalID          *uuid.UUID `json:"goal_id,omitempty"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	CorrelationID   *uuid.UUID `json:"correlation_id,omitempty"`
	SourceProcessID string     `json:"source_process_id,omitempty"`

	Payload Payload `json:"payload"`
}

// New constructs an Event with a fresh ID and the current time. Sequence is
// left at zero; the bus/journal assign it atomically on publish.
func New(severity Severity, category Category, payload Payload) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now(),
		Severity: severity,
		Category: category,
		Payload:  payload,
	}
}

// WithGoal sets GoalID and returns the event for chaining.
func (e Event) WithGoal(id uuid.UUID) Event { e.GoalID = &id; return e }

// WithTask sets TaskID and returns the event for chaining.
func (e Event) WithTask(id uuid.UUID) Event { e.TaskID = &id; return e }

// WithCorrelation sets CorrelationID and returns the event for chaining.
func (e Event) WithCorrelation(id uuid.UUID) Event { e.CorrelationID = &id; return e }

// Correlation returns the event's correlation id, falling back to its own
// id when none was set explicitly (a seed event correlates with itself).
func (e Event) Correlation() uuid.UUID {
	if e.CorrelationID != nil {
		return *e.CorrelationID
	}
	return e.ID
}
