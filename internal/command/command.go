// Package command implements the control plane's single mutation gateway:
// a closed command union per domain (Task, Goal, Memory), idempotency,
// and typed results. Every state change flows through CommandBus.Dispatch
// so that event emission and idempotency are never bypassed.
package command

import (
	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/task"
)

// SourceKind tags where a command originated. Bus.Dispatch does not copy
// the Source onto the events it publishes.
type SourceKind string

const (
	SourceHuman        SourceKind = "human"
	SourceSystem       SourceKind = "system"
	SourceEventHandler SourceKind = "event_handler"
	SourceMCP          SourceKind = "mcp"
)

// Source identifies the command's origin.
type Source struct {
	Kind   SourceKind
	Detail string // handler name for EventHandler, client id for MCP
}

// Domain is the closed set of command targets.
type Domain string

const (
	DomainTask   Domain = "task"
	DomainGoal   Domain = "goal"
	DomainMemory Domain = "memory"
)

// Op is the closed set of operations within a domain.
type Op string

const (
	OpTaskSubmit     Op = "task.submit"
	OpTaskTransition Op = "task.transition"
	OpTaskClaim      Op = "task.claim"
	OpTaskComplete   Op = "task.complete"
	OpTaskFail       Op = "task.fail"
	OpTaskRetry      Op = "task.retry"
	OpTaskCancel     Op = "task.cancel"
	OpTaskClarify    Op = "task.clarify"

	OpGoalTransitionStatus Op = "goal.transition_status"
	OpGoalModifyIntent     Op = "goal.modify_intent"

	OpMemoryStore          Op = "memory.store"
	OpMemoryRecall         Op = "memory.recall"
	OpMemoryForget         Op = "memory.forget"
	OpMemoryRunMaintenance Op = "memory.run_maintenance"
)

// Command is the closed union dispatched through the bus. Exactly one of
// the domain-specific payload fields is populated, matching Domain/Op.
type Command struct {
	Domain Domain
	Op     Op

	IdempotencyKey string

	TaskSubmit     *TaskSubmit
	TaskTransition *TaskTransition
	TaskClaim      *TaskClaim
	TaskComplete   *TaskComplete
	TaskFail       *TaskFail
	TaskRetry      *TaskRetry
	TaskCancel     *TaskCancel
	TaskClarify    *TaskClarify

	GoalTransitionStatus *GoalTransitionStatus
	GoalModifyIntent     *GoalModifyIntent

	MemoryStore          *MemoryStore
	MemoryRecall         *MemoryRecall
	MemoryForget         *MemoryForget
	MemoryRunMaintenance *MemoryRunMaintenance
}

// TaskSubmit creates a new task.
type TaskSubmit struct {
	Title       string
	Description string
	ParentID    *uuid.UUID
	DependsOn   []uuid.UUID
	Source      task.Source
	Priority    int
	MaxRetries  int
}

// TaskTransition moves a task to an arbitrary legal DFA state.
type TaskTransition struct {
	TaskID uuid.UUID
	To     task.Status
}

// TaskClaim marks a task Running, recording the claiming agent.
type TaskClaim struct {
	TaskID  uuid.UUID
	AgentID string
}

// TaskComplete marks a task Complete.
type TaskComplete struct {
	TaskID     uuid.UUID
	Artifacts  []string
	TokensUsed int
}

// TaskFail marks a task Failed.
type TaskFail struct {
	TaskID uuid.UUID
	Error  string
}

// TaskRetry transitions a Failed task back to Ready.
type TaskRetry struct {
	TaskID uuid.UUID
}

// TaskCancel marks a task Canceled.
type TaskCancel struct {
	TaskID uuid.UUID
}

// TaskClarify appends clarifying detail supplied in an escalation response
// to a task's description, then unblocks it (Blocked -> Ready) in one
// atomic step.
type TaskClarify struct {
	TaskID        uuid.UUID
	EscalationID  uuid.UUID
	Clarification string
}

// GoalTransitionStatus moves a goal to an arbitrary legal DFA state.
type GoalTransitionStatus struct {
	GoalID uuid.UUID
	To     string
}

// GoalModifyIntent amends a goal's description in response to a
// ModifyIntent escalation decision. The goal's status is unaffected;
// callers unblock the dependent task separately.
type GoalModifyIntent struct {
	GoalID       uuid.UUID
	EscalationID uuid.UUID
	Amendment    string
}

// MemoryStore, MemoryRecall, MemoryForget, MemoryRunMaintenance are the
// Memory domain's operation payloads. The memory subsystem's backing store
// is out of scope (spec.md §1); these types exist so the command union and
// CommandBus dispatch path are complete. Bus acknowledges Store, Forget and
// RunMaintenance without storing anything and answers Recall with
// not-found.
type MemoryStore struct {
	Key   string
	Value string
}

// MemoryRecall looks up a previously stored value by key.
type MemoryRecall struct {
	Key string
}

// MemoryForget deletes a previously stored value by key.
type MemoryForget struct {
	Key string
}

// MemoryRunMaintenance triggers the memory subsystem's periodic upkeep
// (compaction, expiry) — a no-op contract here.
type MemoryRunMaintenance struct{}
