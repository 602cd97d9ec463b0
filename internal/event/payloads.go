package event

import "github.com/google/uuid"

// Concrete payload kinds. This is not the full ~100-variant catalog named
// in spec.md §3, but covers every event referenced by the end-to-end
// scenarios in spec.md §8 plus the lifecycle events named throughout §4.
const (
	KindGoalStarted             PayloadKind = "GoalStarted"
	KindGoalStatusChanged       PayloadKind = "GoalStatusChanged"
	KindGoalIterationCompleted  PayloadKind = "GoalIterationCompleted"
	KindTaskSubmitted           PayloadKind = "TaskSubmitted"
	KindTaskReady               PayloadKind = "TaskReady"
	KindTaskBlocked             PayloadKind = "TaskBlocked"
	KindTaskSpawned             PayloadKind = "TaskSpawned"
	KindTaskCompleted           PayloadKind = "TaskCompleted"
	KindTaskFailed              PayloadKind = "TaskFailed"
	KindTaskCanceled            PayloadKind = "TaskCanceled"
	KindTaskClaimed             PayloadKind = "TaskClaimed"
	KindTaskRetried             PayloadKind = "TaskRetried"
	KindScheduledEventFired     PayloadKind = "ScheduledEventFired"
	KindHandlerError            PayloadKind = "HandlerError"
	KindConvergenceIteration    PayloadKind = "ConvergenceIteration"
	KindConvergenceAttractor    PayloadKind = "ConvergenceAttractorTransition"
	KindConvergenceFreshStart   PayloadKind = "ConvergenceFreshStart"
	KindWorkflowPhaseAdvanced   PayloadKind = "WorkflowPhaseAdvanced"
	KindWorkflowPhaseGated      PayloadKind = "WorkflowPhaseGated"
	KindHumanEscalationNeeded   PayloadKind = "HumanEscalationNeeded"
	KindHumanEscalationRequired PayloadKind = "HumanEscalationRequired"
	KindHumanEscalationResolved PayloadKind = "HumanEscalationResolved"
	KindTriggerRuleFired        PayloadKind = "TriggerRuleFired"
	KindAbsenceTimerExpired     PayloadKind = "AbsenceTimerExpired"
	KindTaskClarified           PayloadKind = "TaskClarified"
	KindGoalIntentModified      PayloadKind = "GoalIntentModified"
)

// TaskSubmittedPayload is emitted by the command bus on Task.Submit.
type TaskSubmittedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Title  string    `json:"title"`
}

// TaskReadyPayload marks a task whose dependencies are all terminal and
// successful.
type TaskReadyPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskBlockedPayload marks a task blocked because a dependency failed.
type TaskBlockedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason"`
}

// TaskSpawnedPayload marks a task handed to the substrate.
type TaskSpawnedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	AgentType string    `json:"agent_type"`
}

// TaskCompletedPayload marks a task reaching Complete.
type TaskCompletedPayload struct {
	TaskID     uuid.UUID `json:"task_id"`
	TokensUsed int       `json:"tokens_used"`
}

// TaskFailedPayload marks a task reaching Failed.
type TaskFailedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Error  string    `json:"error"`
}

// TaskCanceledPayload marks a task reaching Canceled.
type TaskCanceledPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskClaimedPayload marks a task claimed by an agent (consumed by the
// trigger engine's absence-timer scenario: TaskClaimed → expect
// TaskCompleted within a deadline).
type TaskClaimedPayload struct {
	TaskID  uuid.UUID `json:"task_id"`
	AgentID string    `json:"agent_id"`
}

// TaskRetriedPayload marks a Failed task transitioned back to Ready by the
// retry sweep.
type TaskRetriedPayload struct {
	TaskID     uuid.UUID `json:"task_id"`
	RetryCount int       `json:"retry_count"`
}

// GoalStartedPayload marks a goal's first task submission.
type GoalStartedPayload struct {
	GoalID uuid.UUID `json:"goal_id"`
	Name   string    `json:"name"`
}

// GoalStatusChangedPayload marks a Goal DFA transition.
type GoalStatusChangedPayload struct {
	GoalID uuid.UUID `json:"goal_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
}

// GoalIterationCompletedPayload marks one pass of goal progress evaluation.
type GoalIterationCompletedPayload struct {
	GoalID uuid.UUID `json:"goal_id"`
}

// ScheduledEventFiredPayload is published by the scheduler tick loop.
type ScheduledEventFiredPayload struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
	Name       string    `json:"name"`
}

// HandlerErrorPayload is emitted by the dispatcher on handler failure or
// timeout.
type HandlerErrorPayload struct {
	HandlerName           string `json:"handler_name"`
	EventSequence         uint64 `json:"event_sequence"`
	Error                 string `json:"error"`
	CircuitBreakerTripped bool   `json:"circuit_breaker_tripped"`
}

// ConvergenceIterationPayload reports one convergence loop iteration.
type ConvergenceIterationPayload struct {
	TrajectoryID     uuid.UUID `json:"trajectory_id"`
	TaskID           uuid.UUID `json:"task_id"`
	ObservationIndex int       `json:"observation_index"`
	StrategyUsed     string    `json:"strategy_used"`
	ConvergenceLevel float64   `json:"convergence_level"`
}

// ConvergenceAttractorPayload reports a detected attractor-state change.
type ConvergenceAttractorPayload struct {
	TrajectoryID uuid.UUID `json:"trajectory_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Confidence   float64   `json:"confidence"`
}

// ConvergenceFreshStartPayload marks a worktree reset + fresh-start
// strategy invocation.
type ConvergenceFreshStartPayload struct {
	TrajectoryID     uuid.UUID `json:"trajectory_id"`
	TotalFreshStarts int       `json:"total_fresh_starts"`
}

// WorkflowPhaseAdvancedPayload marks a workflow phase transition.
type WorkflowPhaseAdvancedPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	Workflow  string    `json:"workflow"`
	Phase     string    `json:"phase"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
}

// WorkflowPhaseGatedPayload marks a phase entering PhaseGate.
type WorkflowPhaseGatedPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Phase  string    `json:"phase"`
}

// HumanEscalationNeededPayload is a non-blocking escalation suggestion
// (e.g. a high-impact convergence strategy).
type HumanEscalationNeededPayload struct {
	EscalationID uuid.UUID `json:"escalation_id"`
	Reason       string    `json:"reason"`
	Urgency      string    `json:"urgency"`
	IsBlocking   bool      `json:"is_blocking"`
}

// HumanEscalationRequiredPayload is a blocking escalation that pauses
// further work on the associated goal.
type HumanEscalationRequiredPayload struct {
	EscalationID uuid.UUID  `json:"escalation_id"`
	GoalID       *uuid.UUID `json:"goal_id,omitempty"`
	Reason       string     `json:"reason"`
}

// HumanEscalationResolvedPayload reports an escalation response and
// whether work may continue.
type HumanEscalationResolvedPayload struct {
	EscalationID       uuid.UUID `json:"escalation_id"`
	Decision           string    `json:"decision"`
	AllowsContinuation bool      `json:"allows_continuation"`
}

// TaskClarifiedPayload is emitted when a human's escalation response
// appends clarifying detail to a blocked task's description before
// unblocking it.
type TaskClarifiedPayload struct {
	TaskID        uuid.UUID `json:"task_id"`
	EscalationID  uuid.UUID `json:"escalation_id"`
}

// GoalIntentModifiedPayload is emitted when a human's escalation response
// amends a goal's description (its intent).
type GoalIntentModifiedPayload struct {
	GoalID       uuid.UUID `json:"goal_id"`
	EscalationID uuid.UUID `json:"escalation_id"`
}

// TriggerRuleFiredPayload reports a trigger rule firing.
type TriggerRuleFiredPayload struct {
	RuleID uuid.UUID `json:"rule_id"`
	Name   string    `json:"name"`
}

// AbsenceTimerExpiredPayload is the synthetic warning-category event
// produced when an absence timer's deadline elapses without the expected
// payload arriving.
type AbsenceTimerExpiredPayload struct {
	TimerID uuid.UUID `json:"timer_id"`
	RuleID  uuid.UUID `json:"rule_id"`
}
