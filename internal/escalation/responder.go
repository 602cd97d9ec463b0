package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// Dispatcher is the minimal command.Bus subset the responder needs,
// matching the same narrowing pattern internal/trigger and
// internal/workflow use to avoid importing the concrete type.
type Dispatcher interface {
	Dispatch(ctx context.Context, src command.Source, cmd command.Command) (command.Result, error)
}

// Publisher is the minimal event-bus subset the responder needs.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// ErrAlreadyResolved is returned by Respond when the target escalation has
// already been answered.
type ErrAlreadyResolved struct {
	ID uuid.UUID
}

func (e *ErrAlreadyResolved) Error() string {
	return fmt.Sprintf("escalation: %s already resolved", e.ID)
}

// ErrMissingTarget is returned when a decision requires a task or goal
// reference the escalation does not carry.
type ErrMissingTarget struct {
	Decision Decision
	Want     string
}

func (e *ErrMissingTarget) Error() string {
	return fmt.Sprintf("escalation: decision %q requires a %s reference", e.Decision, e.Want)
}

// Responder implements the escalation response flow: find the matching
// escalation, then — per decision — dispatch the command it implies,
// mark the escalation resolved, and emit HumanEscalationResolved with
// allows_continuation.
type Responder struct {
	Store      Store
	Dispatcher Dispatcher
	Publisher  Publisher

	// DeferExtension is how far past now a Defer decision pushes the
	// escalation's deadline. Defaults to 1 hour.
	DeferExtension time.Duration
}

// NewResponder constructs a Responder with the default 1-hour defer
// extension.
func NewResponder(store Store, dispatcher Dispatcher, pub Publisher) *Responder {
	return &Responder{Store: store, Dispatcher: dispatcher, Publisher: pub, DeferExtension: time.Hour}
}

// Respond resolves the escalation id with decision, dispatching the
// command the decision implies:
//
//   - Accept: unblock the task (Blocked -> Ready).
//   - Reject: fail the task, detail becomes the failure reason.
//   - Clarify: append detail to the task's description, then unblock it.
//   - ModifyIntent: append detail to the goal's description, then unblock
//     the task if one is attached to the escalation.
//   - Abort: pause the goal.
//   - Defer: push the escalation's deadline out by DeferExtension without
//     resolving it.
func (r *Responder) Respond(ctx context.Context, id uuid.UUID, decision Decision, detail string) (*Event, error) {
	e, err := r.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Resolved {
		return nil, &ErrAlreadyResolved{ID: id}
	}

	allowsContinuation, err := r.applyDecision(ctx, e, decision, detail)
	if err != nil {
		return nil, err
	}

	if decision == DecisionDefer {
		deadline := time.Now().Add(r.DeferExtension)
		e.Deadline = &deadline
		if err := r.Store.Update(ctx, e); err != nil {
			return nil, err
		}
	} else {
		now := time.Now()
		e.Resolved = true
		e.ResolvedAt = &now
		resolved := decision
		e.ResolutionDecision = &resolved
		e.ResolutionDetail = detail
		if err := r.Store.Update(ctx, e); err != nil {
			return nil, err
		}
	}

	r.emit(ctx, e, decision, allowsContinuation)
	return e, nil
}

// applyDecision dispatches the command a decision implies and reports
// whether the decision allows blocked work to resume.
func (r *Responder) applyDecision(ctx context.Context, e *Event, decision Decision, detail string) (bool, error) {
	switch decision {
	case DecisionAccept:
		if e.TaskID == nil {
			return false, &ErrMissingTarget{Decision: decision, Want: "task"}
		}
		if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
			Domain:         command.DomainTask,
			Op:             command.OpTaskTransition,
			TaskTransition: &command.TaskTransition{TaskID: *e.TaskID, To: task.StatusReady},
		}); err != nil {
			return false, err
		}
		return true, nil

	case DecisionReject:
		if e.TaskID == nil {
			return false, &ErrMissingTarget{Decision: decision, Want: "task"}
		}
		if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
			Domain:   command.DomainTask,
			Op:       command.OpTaskFail,
			TaskFail: &command.TaskFail{TaskID: *e.TaskID, Error: detail},
		}); err != nil {
			return false, err
		}
		return true, nil

	case DecisionClarify:
		if e.TaskID == nil {
			return false, &ErrMissingTarget{Decision: decision, Want: "task"}
		}
		if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
			Domain:      command.DomainTask,
			Op:          command.OpTaskClarify,
			TaskClarify: &command.TaskClarify{TaskID: *e.TaskID, EscalationID: e.ID, Clarification: detail},
		}); err != nil {
			return false, err
		}
		return true, nil

	case DecisionModifyIntent:
		if e.GoalID == nil {
			return false, &ErrMissingTarget{Decision: decision, Want: "goal"}
		}
		if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
			Domain:           command.DomainGoal,
			Op:               command.OpGoalModifyIntent,
			GoalModifyIntent: &command.GoalModifyIntent{GoalID: *e.GoalID, EscalationID: e.ID, Amendment: detail},
		}); err != nil {
			return false, err
		}
		if e.TaskID != nil {
			if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
				Domain:         command.DomainTask,
				Op:             command.OpTaskTransition,
				TaskTransition: &command.TaskTransition{TaskID: *e.TaskID, To: task.StatusReady},
			}); err != nil {
				return false, err
			}
		}
		return true, nil

	case DecisionAbort:
		if e.GoalID == nil {
			return false, &ErrMissingTarget{Decision: decision, Want: "goal"}
		}
		if _, err := r.Dispatcher.Dispatch(ctx, command.Source{Kind: command.SourceHuman}, command.Command{
			Domain:               command.DomainGoal,
			Op:                   command.OpGoalTransitionStatus,
			GoalTransitionStatus: &command.GoalTransitionStatus{GoalID: *e.GoalID, To: string(goal.StatusPaused)},
		}); err != nil {
			return false, err
		}
		return false, nil

	case DecisionDefer:
		return false, nil

	default:
		return false, fmt.Errorf("escalation: unknown decision %q", decision)
	}
}

func (r *Responder) emit(ctx context.Context, e *Event, decision Decision, allowsContinuation bool) {
	if r.Publisher == nil {
		return
	}
	ev := event.New(event.SeverityInfo, event.CategoryEscalation, event.Payload{
		Kind: event.KindHumanEscalationResolved,
		Data: event.HumanEscalationResolvedPayload{
			EscalationID:       e.ID,
			Decision:           string(decision),
			AllowsContinuation: allowsContinuation,
		},
	})
	if e.TaskID != nil {
		ev = ev.WithTask(*e.TaskID)
	}
	if e.GoalID != nil {
		ev = ev.WithGoal(*e.GoalID)
	}
	_, _ = r.Publisher.Publish(ctx, ev)
}
