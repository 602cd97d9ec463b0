package command

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// Publisher is the subset of bus.Bus the command bus needs to emit events
// after a successful mutation.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Bus validates, deduplicates, and dispatches commands to the task/goal
// domain services, emitting the corresponding event on success. The one
// exception is OpTaskTransition, which updates the task without
// publishing an event; memory commands publish no events either.
type Bus struct {
	pub      Publisher
	taskRepo task.Repository
	goalRepo goal.Repository

	idempotency *lru.Cache[string, Result]
}

// Config bounds the idempotency cache.
type Config struct {
	IdempotencyCacheSize int
}

// DefaultConfig returns a 4096-entry idempotency cache.
func DefaultConfig() Config { return Config{IdempotencyCacheSize: 4096} }

// New constructs a Bus publishing through pub and mutating taskRepo/goalRepo.
func New(pub Publisher, taskRepo task.Repository, goalRepo goal.Repository, cfg Config) (*Bus, error) {
	cache, err := lru.New[string, Result](cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}
	return &Bus{pub: pub, taskRepo: taskRepo, goalRepo: goalRepo, idempotency: cache}, nil
}

// Dispatch validates cmd, checks idempotency, invokes the domain service,
// emits the resulting event, and returns a typed Result or *Error.
func (b *Bus) Dispatch(ctx context.Context, src Source, cmd Command) (Result, error) {
	if cmd.IdempotencyKey != "" {
		if cached, ok := b.idempotency.Get(cmd.IdempotencyKey); ok {
			return cached, nil
		}
	}

	result, err := b.route(ctx, src, cmd)
	if err != nil {
		return Result{}, err
	}

	if cmd.IdempotencyKey != "" {
		b.idempotency.Add(cmd.IdempotencyKey, result)
	}
	return result, nil
}

func (b *Bus) route(ctx context.Context, src Source, cmd Command) (Result, error) {
	switch cmd.Domain {
	case DomainTask:
		return b.dispatchTask(ctx, src, cmd)
	case DomainGoal:
		return b.dispatchGoal(ctx, src, cmd)
	case DomainMemory:
		return b.dispatchMemory(ctx, cmd)
	default:
		return Result{}, validationErr("unknown command domain %q", cmd.Domain)
	}
}

func (b *Bus) dispatchTask(ctx context.Context, src Source, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpTaskSubmit:
		return b.submitTask(ctx, cmd.TaskSubmit)
	case OpTaskTransition:
		return b.transitionTask(ctx, cmd.TaskTransition)
	case OpTaskClaim:
		return b.claimTask(ctx, cmd.TaskClaim)
	case OpTaskComplete:
		return b.completeTask(ctx, cmd.TaskComplete)
	case OpTaskFail:
		return b.failTask(ctx, cmd.TaskFail)
	case OpTaskRetry:
		return b.retryTask(ctx, cmd.TaskRetry)
	case OpTaskCancel:
		return b.cancelTask(ctx, cmd.TaskCancel)
	case OpTaskClarify:
		return b.clarifyTask(ctx, cmd.TaskClarify)
	default:
		return Result{}, validationErr("unknown task op %q", cmd.Op)
	}
}

func (b *Bus) submitTask(ctx context.Context, in *TaskSubmit) (Result, error) {
	if in == nil || in.Title == "" {
		return Result{}, validationErr("task submit requires a title")
	}
	t := task.NewTask(in.Title, in.Source)
	t.Description = in.Description
	t.ParentID = in.ParentID
	t.Priority = in.Priority
	t.MaxRetries = in.MaxRetries
	for _, dep := range in.DependsOn {
		t.DependsOn[dep] = struct{}{}
	}

	if err := b.taskRepo.Create(ctx, t); err != nil {
		return Result{}, internalErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskSubmitted,
		Data: event.TaskSubmittedPayload{TaskID: t.ID, Title: t.Title},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}

	ready, err := task.IsReady(ctx, b.taskRepo, t)
	if err != nil {
		return Result{}, internalErr(err)
	}
	if ready {
		if err := t.Transition(task.StatusReady); err != nil {
			return Result{}, internalErr(err)
		}
		if err := b.taskRepo.Update(ctx, t, t.Version-1); err != nil {
			return Result{}, internalErr(err)
		}
		if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
			Kind: event.KindTaskReady,
			Data: event.TaskReadyPayload{TaskID: t.ID},
		}).WithTask(t.ID)); err != nil {
			return Result{}, internalErr(err)
		}
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) transitionTask(ctx context.Context, in *TaskTransition) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task transition requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if err := t.Transition(in.To); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) claimTask(ctx context.Context, in *TaskClaim) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task claim requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if err := t.Transition(task.StatusRunning); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskClaimed,
		Data: event.TaskClaimedPayload{TaskID: t.ID, AgentID: in.AgentID},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) completeTask(ctx context.Context, in *TaskComplete) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task complete requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if err := t.Transition(task.StatusComplete); err != nil {
		return Result{}, conflictErr(err)
	}
	t.Artifacts = append(t.Artifacts, in.Artifacts...)
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: t.ID, TokensUsed: in.TokensUsed},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) failTask(ctx context.Context, in *TaskFail) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task fail requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if err := t.Transition(task.StatusFailed); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityError, event.CategoryTask, event.Payload{
		Kind: event.KindTaskFailed,
		Data: event.TaskFailedPayload{TaskID: t.ID, Error: in.Error},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) retryTask(ctx context.Context, in *TaskRetry) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task retry requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	if t.RetryCount >= t.MaxRetries {
		return Result{}, conflictErr(fmt.Errorf("retry budget exhausted (%d/%d)", t.RetryCount, t.MaxRetries))
	}
	prevVersion := t.Version
	t.RetryCount++
	if err := t.Transition(task.StatusReady); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskRetried,
		Data: event.TaskRetriedPayload{TaskID: t.ID, RetryCount: t.RetryCount},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) cancelTask(ctx context.Context, in *TaskCancel) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task cancel requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if err := t.Transition(task.StatusCanceled); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCanceled,
		Data: event.TaskCanceledPayload{TaskID: t.ID},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) clarifyTask(ctx context.Context, in *TaskClarify) (Result, error) {
	if in == nil {
		return Result{}, validationErr("task clarify requires a task id")
	}
	t, err := b.taskRepo.Get(ctx, in.TaskID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := t.Version
	if in.Clarification != "" {
		t.Description = t.Description + "\n\nClarification: " + in.Clarification
	}
	if err := t.Transition(task.StatusReady); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.taskRepo.Update(ctx, t, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskClarified,
		Data: event.TaskClarifiedPayload{TaskID: t.ID, EscalationID: in.EscalationID},
	}).WithTask(t.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindTask, Task: t}, nil
}

func (b *Bus) dispatchGoal(ctx context.Context, _ Source, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpGoalTransitionStatus:
		return b.transitionGoal(ctx, cmd.GoalTransitionStatus)
	case OpGoalModifyIntent:
		return b.modifyGoalIntent(ctx, cmd.GoalModifyIntent)
	default:
		return Result{}, validationErr("unknown goal op %q", cmd.Op)
	}
}

func (b *Bus) transitionGoal(ctx context.Context, in *GoalTransitionStatus) (Result, error) {
	if in == nil {
		return Result{}, validationErr("goal transition requires a goal id")
	}
	g, err := b.goalRepo.Get(ctx, in.GoalID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := g.Version
	prevStatus := g.Status
	if err := g.Transition(goal.Status(in.To)); err != nil {
		return Result{}, conflictErr(err)
	}
	if err := b.goalRepo.Update(ctx, g, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryGoal, event.Payload{
		Kind: event.KindGoalStatusChanged,
		Data: event.GoalStatusChangedPayload{GoalID: g.ID, From: string(prevStatus), To: string(g.Status)},
	}).WithGoal(g.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindGoal, Goal: g}, nil
}

func (b *Bus) modifyGoalIntent(ctx context.Context, in *GoalModifyIntent) (Result, error) {
	if in == nil {
		return Result{}, validationErr("goal modify_intent requires a goal id")
	}
	g, err := b.goalRepo.Get(ctx, in.GoalID)
	if err != nil {
		return Result{}, notFoundErr(err)
	}
	prevVersion := g.Version
	if in.Amendment != "" {
		g.Description = g.Description + "\n\nAmendment: " + in.Amendment
	}
	g.Version++
	g.UpdatedAt = time.Now()
	if err := b.goalRepo.Update(ctx, g, prevVersion); err != nil {
		return Result{}, conflictErr(err)
	}
	if _, err := b.pub.Publish(ctx, event.New(event.SeverityInfo, event.CategoryGoal, event.Payload{
		Kind: event.KindGoalIntentModified,
		Data: event.GoalIntentModifiedPayload{GoalID: g.ID, EscalationID: in.EscalationID},
	}).WithGoal(g.ID)); err != nil {
		return Result{}, internalErr(err)
	}
	return Result{Kind: ResultKindGoal, Goal: g}, nil
}

// dispatchMemory is a minimal contract satisfier: the memory subsystem's
// backing store is out of scope (spec.md §1's persistent-store-implementation
// non-goal), so Store/Forget/RunMaintenance succeed as acknowledgements and
// Recall always reports not-found. A real deployment wires a MemoryService
// here instead.
func (b *Bus) dispatchMemory(_ context.Context, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpMemoryStore, OpMemoryForget, OpMemoryRunMaintenance:
		return Result{Kind: ResultKindAck}, nil
	case OpMemoryRecall:
		return Result{}, notFoundErr(fmt.Errorf("memory store not wired"))
	default:
		return Result{}, validationErr("unknown memory op %q", cmd.Op)
	}
}
