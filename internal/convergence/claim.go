package convergence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// Commander is the subset of command.Bus the handler needs to close out a
// task once its trajectory reaches a terminal outcome, the same narrowing
// pattern workflow.Commander uses.
type Commander interface {
	Dispatch(ctx context.Context, src command.Source, cmd command.Command) (command.Result, error)
}

// ClaimHandler is the dispatcher.Handler that actually drives Engine for
// every claimed task whose ExecutionMode opts into the convergence loop:
// without it, a task's ExecutionMode.Convergent flag and
// task.Context["convergence_outcome"] (read by the workflow engine's
// allConverged gate) have nothing to populate them.
type ClaimHandler struct {
	Engine        *Engine
	TaskRepo      task.Repository
	Commander     Commander
	DefaultBudget Budget
	MaxTurns      int
}

// NewClaimHandler constructs a ClaimHandler. defaultBudget seeds a freshly
// started trajectory; maxTurns bounds each substrate invocation within one
// iteration.
func NewClaimHandler(engine *Engine, taskRepo task.Repository, cmd Commander, defaultBudget Budget, maxTurns int) *ClaimHandler {
	return &ClaimHandler{
		Engine:        engine,
		TaskRepo:      taskRepo,
		Commander:     cmd,
		DefaultBudget: defaultBudget,
		MaxTurns:      maxTurns,
	}
}

// Metadata implements dispatcher.Handler.
func (h *ClaimHandler) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "convergence.claim",
		Name:     "ConvergenceClaimHandler",
		Priority: dispatcher.PriorityNormal,
		Filter:   event.Filter{Kinds: []event.PayloadKind{event.KindTaskClaimed}},
	}
}

// Handle implements dispatcher.Handler: it runs the convergence loop to a
// terminal outcome and reports that outcome back through the task DFA.
// The loop itself runs synchronously inside the handler invocation, same
// as every other handler in this dispatcher — there is no separate
// worker pool for it.
func (h *ClaimHandler) Handle(ctx context.Context, ev event.Event) (dispatcher.Reaction, error) {
	payload, ok := ev.Payload.Data.(event.TaskClaimedPayload)
	if !ok {
		return dispatcher.NoReaction, fmt.Errorf("unexpected payload type %T", ev.Payload.Data)
	}

	t, err := h.TaskRepo.Get(ctx, payload.TaskID)
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("load claimed task %s: %w", payload.TaskID, err)
	}
	if t.ExecutionMode == nil || !t.ExecutionMode.Convergent {
		return dispatcher.NoReaction, nil
	}

	trajectory, err := h.resumeOrStart(ctx, t)
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("prepare trajectory for task %s: %w", t.ID, err)
	}

	var outcome Outcome
	if t.ExecutionMode.ParallelSamples > 1 {
		outcome, err = h.Engine.RunParallel(ctx, trajectory, t.ExecutionMode.ParallelSamples, nil, t.AgentType, "", h.MaxTurns, nil, 0)
	} else {
		outcome, err = h.Engine.RunSequential(ctx, trajectory, t.AgentType, "", t.WorktreePath, h.MaxTurns, nil)
	}
	if err != nil {
		return dispatcher.NoReaction, fmt.Errorf("run convergence loop for task %s: %w", t.ID, err)
	}

	if err := h.recordOutcome(ctx, t.ID, trajectory.ID, outcome); err != nil {
		return dispatcher.NoReaction, err
	}
	return h.closeOut(ctx, t.ID, outcome)
}

// resumeOrStart loads the task's existing trajectory, or starts a fresh
// one (persisting the link back onto the task) when none exists yet.
func (h *ClaimHandler) resumeOrStart(ctx context.Context, t *task.Task) (*Trajectory, error) {
	if t.TrajectoryID != nil {
		existing, err := h.Engine.Repo.Get(ctx, *t.TrajectoryID)
		if err == nil {
			return existing, nil
		}
		var notFound *ErrTrajectoryNotFound
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	trajectory := NewTrajectory(t.ID, h.DefaultBudget)
	if t.Deadline != nil {
		trajectory.Budget.CapWallTime(time.Until(*t.Deadline))
	}
	if err := h.Engine.Repo.Save(ctx, trajectory); err != nil {
		return nil, fmt.Errorf("save new trajectory: %w", err)
	}

	expected := t.Version
	t.TrajectoryID = &trajectory.ID
	t.Version++
	t.UpdatedAt = time.Now()
	if err := h.TaskRepo.Update(ctx, t, expected); err != nil {
		return nil, fmt.Errorf("link trajectory to task: %w", err)
	}
	return trajectory, nil
}

// recordOutcome stamps the trajectory's terminal outcome onto the task's
// context, where the workflow engine's allConverged gate reads it back.
func (h *ClaimHandler) recordOutcome(ctx context.Context, taskID, trajectoryID uuid.UUID, outcome Outcome) error {
	t, err := h.TaskRepo.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", taskID, err)
	}
	expected := t.Version
	if t.Context == nil {
		t.Context = make(map[string]any)
	}
	t.Context["convergence_outcome"] = string(outcome.Kind)
	t.TrajectoryID = &trajectoryID
	t.Version++
	t.UpdatedAt = time.Now()
	if err := h.TaskRepo.Update(ctx, t, expected); err != nil {
		return fmt.Errorf("persist convergence outcome for task %s: %w", taskID, err)
	}
	return nil
}

// closeOut issues the command that carries a terminal outcome back
// through the task DFA. Decomposed leaves the task as-is: spawning
// subtasks is outside this handler, and the strategy selection that led
// to it already raised a HumanEscalationNeeded via Engine.emitEscalation.
func (h *ClaimHandler) closeOut(ctx context.Context, taskID uuid.UUID, outcome Outcome) (dispatcher.Reaction, error) {
	if h.Commander == nil {
		return dispatcher.NoReaction, nil
	}

	src := command.Source{Kind: command.SourceEventHandler, Detail: "convergence.claim"}
	switch outcome.Kind {
	case OutcomeConverged, OutcomePartialAccepted:
		if _, err := h.Commander.Dispatch(ctx, src, command.Command{
			Domain:       command.DomainTask,
			Op:           command.OpTaskComplete,
			TaskComplete: &command.TaskComplete{TaskID: taskID},
		}); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("complete converged task %s: %w", taskID, err)
		}
	case OutcomeFailed, OutcomeCancelled:
		if _, err := h.Commander.Dispatch(ctx, src, command.Command{
			Domain:   command.DomainTask,
			Op:       command.OpTaskFail,
			TaskFail: &command.TaskFail{TaskID: taskID, Error: outcome.Reason},
		}); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("fail task %s: %w", taskID, err)
		}
	}
	return dispatcher.NoReaction, nil
}
