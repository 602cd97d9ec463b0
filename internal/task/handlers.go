package task

import (
	"context"
	"fmt"
	"time"

	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/event"
)

// CompletedReadinessHandler implements the readiness cascade: when a task
// reaches Complete, its direct dependents whose remaining dependencies
// are all terminal-successful transition to Ready.
type CompletedReadinessHandler struct {
	repo Repository
}

// NewCompletedReadinessHandler constructs the handler over repo.
func NewCompletedReadinessHandler(repo Repository) *CompletedReadinessHandler {
	return &CompletedReadinessHandler{repo: repo}
}

// Metadata implements dispatcher.Handler.
func (h *CompletedReadinessHandler) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "task.completed-readiness",
		Name:     "TaskCompletedReadinessHandler",
		Priority: dispatcher.PriorityNormal,
		Filter:   event.Filter{Kinds: []event.PayloadKind{event.KindTaskCompleted}},
	}
}

// Handle implements dispatcher.Handler.
func (h *CompletedReadinessHandler) Handle(ctx context.Context, e event.Event) (dispatcher.Reaction, error) {
	payload, ok := e.Payload.Data.(event.TaskCompletedPayload)
	if !ok {
		return dispatcher.NoReaction, fmt.Errorf("unexpected payload type %T", e.Payload.Data)
	}

	dependents, err := h.repo.Dependents(ctx, payload.TaskID)
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("list dependents: %w", err)
	}

	var out []event.Event
	for _, dep := range dependents {
		if dep.Status != StatusPending {
			continue
		}
		ready, err := IsReady(ctx, h.repo, dep)
		if err != nil {
			return dispatcher.NoReaction, fmt.Errorf("check readiness of %s: %w", dep.ID, err)
		}
		if !ready {
			continue
		}
		if err := dep.Transition(StatusReady); err != nil {
			return dispatcher.NoReaction, err
		}
		if err := h.repo.Update(ctx, dep, dep.Version-1); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("persist %s: %w", dep.ID, err)
		}
		out = append(out, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
			Kind: event.KindTaskReady,
			Data: event.TaskReadyPayload{TaskID: dep.ID},
		}).WithTask(dep.ID))
	}
	return dispatcher.Reaction{Events: out}, nil
}

// FailedBlockHandler marks a task's direct dependents Blocked when the
// task itself reaches Failed or Canceled.
type FailedBlockHandler struct {
	repo Repository
}

// NewFailedBlockHandler constructs the handler over repo.
func NewFailedBlockHandler(repo Repository) *FailedBlockHandler {
	return &FailedBlockHandler{repo: repo}
}

// Metadata implements dispatcher.Handler.
func (h *FailedBlockHandler) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "task.failed-block",
		Name:     "TaskFailedBlockHandler",
		Priority: dispatcher.PriorityNormal,
		Filter: event.Filter{Kinds: []event.PayloadKind{
			event.KindTaskFailed, event.KindTaskCanceled,
		}},
	}
}

// Handle implements dispatcher.Handler.
func (h *FailedBlockHandler) Handle(ctx context.Context, e event.Event) (dispatcher.Reaction, error) {
	var failedID string
	var taskID = e.TaskID
	if taskID == nil {
		return dispatcher.NoReaction, fmt.Errorf("event missing task_id")
	}
	failedID = taskID.String()

	dependents, err := h.repo.Dependents(ctx, *taskID)
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("list dependents: %w", err)
	}

	var out []event.Event
	for _, dep := range dependents {
		if dep.Status.IsTerminal() || dep.Status == StatusBlocked {
			continue
		}
		if err := dep.Transition(StatusBlocked); err != nil {
			continue
		}
		if err := h.repo.Update(ctx, dep, dep.Version-1); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("persist %s: %w", dep.ID, err)
		}
		out = append(out, event.New(event.SeverityWarning, event.CategoryTask, event.Payload{
			Kind: event.KindTaskBlocked,
			Data: event.TaskBlockedPayload{TaskID: dep.ID, Reason: "dependency " + failedID + " did not complete"},
		}).WithTask(dep.ID))
	}
	return dispatcher.Reaction{Events: out}, nil
}

// RetrySweepHandler runs on a scheduled tick: Failed tasks with
// RetryCount < MaxRetries are transitioned back to Ready.
type RetrySweepHandler struct {
	repo    Repository
	backoff func(retryCount int) time.Duration
}

// NewRetrySweepHandler constructs the handler over repo, using an
// exponential backoff of 2^retryCount seconds between eligibility checks.
func NewRetrySweepHandler(repo Repository) *RetrySweepHandler {
	return &RetrySweepHandler{
		repo: repo,
		backoff: func(retryCount int) time.Duration {
			return time.Duration(1<<retryCount) * time.Second
		},
	}
}

// Metadata implements dispatcher.Handler.
func (h *RetrySweepHandler) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "task.retry-sweep",
		Name:     "RetrySweepHandler",
		Priority: dispatcher.PriorityLow,
		Filter:   event.Filter{Kinds: []event.PayloadKind{event.KindScheduledEventFired}},
	}
}

// Handle implements dispatcher.Handler.
func (h *RetrySweepHandler) Handle(ctx context.Context, _ event.Event) (dispatcher.Reaction, error) {
	failed := StatusFailed
	candidates, err := h.repo.List(ctx, Filter{Status: &failed})
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("list failed tasks: %w", err)
	}

	var out []event.Event
	for _, t := range candidates {
		if t.RetryCount >= t.MaxRetries {
			continue
		}
		if time.Since(t.UpdatedAt) < h.backoff(t.RetryCount) {
			continue
		}
		t.RetryCount++
		if err := t.Transition(StatusReady); err != nil {
			continue
		}
		if err := h.repo.Update(ctx, t, t.Version-1); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("persist %s: %w", t.ID, err)
		}
		out = append(out, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
			Kind: event.KindTaskRetried,
			Data: event.TaskRetriedPayload{TaskID: t.ID, RetryCount: t.RetryCount},
		}).WithTask(t.ID))
	}
	return dispatcher.Reaction{Events: out}, nil
}
