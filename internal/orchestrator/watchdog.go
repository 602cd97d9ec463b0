package orchestrator

import (
	"context"

	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/escalation"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// maxParentWalk bounds the goal-watchdog's walk up a task's ParentID
// chain (a parent may be another task before it reaches a goal).
const maxParentWalk = 32

// goalWatchdog answers the "a goal can't make progress" problem: when a
// task exhausts its retry budget, it raises a blocking escalation against
// the task's owning goal rather than leaving the goal to stall silently.
//
// Scoped deliberately narrow: only the "all retries exhausted" case
// triggers automatically. "No eligible strategies" would need deeper
// convergence-bandit integration this handler doesn't have visibility
// into, and "human rejected" already came from answering a prior
// escalation — auto-escalating it again risks a loop. Both are left for
// a human or a future handler to raise explicitly; see DESIGN.md.
//
// It also never transitions the goal's own status to Paused — that
// mutation belongs solely to the Responder's Abort decision, so Accept/
// Clarify/ModifyIntent's assumption that the goal stays Active through
// an escalation's lifecycle is never second-guessed by this handler.
type goalWatchdog struct {
	taskRepo task.Repository
	goalRepo goal.Repository
	store    escalation.Store
	pub      Publisher
}

func newGoalWatchdog(taskRepo task.Repository, goalRepo goal.Repository, store escalation.Store, pub Publisher) *goalWatchdog {
	return &goalWatchdog{taskRepo: taskRepo, goalRepo: goalRepo, store: store, pub: pub}
}

func (w *goalWatchdog) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "orchestrator.goal-watchdog",
		Name:     "GoalWatchdog",
		Priority: dispatcher.PriorityNormal,
		Filter:   event.Filter{Kinds: []event.PayloadKind{event.KindTaskFailed}},
	}
}

func (w *goalWatchdog) Handle(ctx context.Context, e event.Event) (dispatcher.Reaction, error) {
	payload, ok := e.Payload.Data.(event.TaskFailedPayload)
	if !ok {
		return dispatcher.NoReaction, nil
	}

	tk, err := w.taskRepo.Get(ctx, payload.TaskID)
	if err != nil {
		return dispatcher.NoReaction, nil
	}
	if tk.RetryCount < tk.MaxRetries {
		return dispatcher.NoReaction, nil
	}

	ev, err := w.raise(ctx, tk, "task exhausted its retry budget: "+payload.Error)
	if err != nil {
		return dispatcher.NoReaction, err
	}
	if ev == nil {
		return dispatcher.NoReaction, nil
	}
	return dispatcher.Reaction{Events: []event.Event{*ev}}, nil
}

// raiseIfNeeded raises a retry-exhausted escalation for tk if one isn't
// already pending for its owning goal. Used by the periodic goal-
// evaluation sweep as a backstop for the reactive Handle path above.
func (w *goalWatchdog) raiseIfNeeded(ctx context.Context, tk *task.Task, reason string) error {
	_, err := w.raise(ctx, tk, reason)
	return err
}

// raise resolves tk's owning goal, skips if an escalation is already
// pending for it, and otherwise creates and publishes a new one.
func (w *goalWatchdog) raise(ctx context.Context, tk *task.Task, reason string) (*event.Event, error) {
	g, err := w.resolveGoal(ctx, tk)
	if err != nil || g == nil {
		return nil, nil
	}

	pending, err := w.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	for _, existing := range pending {
		if existing.GoalID != nil && *existing.GoalID == g.ID {
			return nil, nil
		}
	}

	esc := escalation.New(reason, "high", true)
	esc.GoalID = &g.ID
	esc.TaskID = &tk.ID
	if err := w.store.Create(ctx, esc); err != nil {
		return nil, err
	}

	out, err := w.pub.Publish(ctx, event.New(event.SeverityError, event.CategoryEscalation, event.Payload{
		Kind: event.KindHumanEscalationRequired,
		Data: event.HumanEscalationRequiredPayload{
			EscalationID: esc.ID,
			GoalID:       &g.ID,
			Reason:       esc.Reason,
		},
	}).WithGoal(g.ID).WithTask(tk.ID))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolveGoal walks a task's ParentID chain, which may pass through
// intermediate subtasks before reaching the owning goal.
func (w *goalWatchdog) resolveGoal(ctx context.Context, tk *task.Task) (*goal.Goal, error) {
	parentID := tk.ParentID
	for hop := 0; hop < maxParentWalk && parentID != nil; hop++ {
		if g, err := w.goalRepo.Get(ctx, *parentID); err == nil {
			return g, nil
		}
		parent, err := w.taskRepo.Get(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		parentID = parent.ParentID
	}
	return nil, nil
}

// namedTickHandler answers a single named schedule's ScheduledEventFired
// ticks by invoking fn; every other named schedule's ticks are ignored.
type namedTickHandler struct {
	name   string
	fn     func(ctx context.Context) error
	logger interface{ Error(format string, args ...any) }
}

func (h *namedTickHandler) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "orchestrator.schedule." + h.name,
		Name:     h.name,
		Priority: dispatcher.PriorityNormal,
		Filter: event.Filter{
			Categories: []event.Category{event.CategoryScheduler},
			Kinds:      []event.PayloadKind{event.KindScheduledEventFired},
		},
	}
}

func (h *namedTickHandler) Handle(ctx context.Context, e event.Event) (dispatcher.Reaction, error) {
	payload, ok := e.Payload.Data.(event.ScheduledEventFiredPayload)
	if !ok || payload.Name != h.name {
		return dispatcher.NoReaction, nil
	}
	if err := h.fn(ctx); err != nil {
		h.logger.Error("scheduled task %s: %v", h.name, err)
		return dispatcher.NoReaction, err
	}
	return dispatcher.NoReaction, nil
}
