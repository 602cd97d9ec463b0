// Package orchestrator implements the control plane's shell: it owns the
// component lifecycle — the event journal, bus, reactive dispatcher,
// scheduler, command bus, and human-escalation store — wires the
// built-in handlers and schedules onto them, drives startup replay, and
// exposes the escalation query API the outer surface calls into.
//
// Generalized from internal/devops/orchestrator.go's service lifecycle
// (RegisterServices, Up starting services in order, Down stopping them in
// reverse, a Status query) from a dev-environment process supervisor to
// the control plane's own component graph: "services" become the
// dispatcher and scheduler run loops, "Up" becomes Start's replay-then-run
// sequence, "Down" becomes Shutdown's drain-then-stop sequence.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/async"
	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/escalation"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/journal"
	"github.com/odgrim/abathur-swarm/internal/logging"
	"github.com/odgrim/abathur-swarm/internal/scheduler"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// Publisher is the subset of bus.Bus the orchestrator and its built-in
// handlers need.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
	Subscribe(ctx context.Context, filter event.Filter) <-chan event.Event
}

// Dependencies bundles every component the orchestrator wires together.
// Journal, Bus, Dispatcher, Scheduler, CommandBus, TaskRepo, GoalRepo, and
// EscalationStore are required; Handlers are additional dispatcher.Handler
// implementations registered alongside the built-ins (trigger/workflow
// engines, readiness cascades, and the like).
type Dependencies struct {
	Journal         *journal.Journal
	Bus             Publisher
	Dispatcher      *dispatcher.Dispatcher
	Scheduler       *scheduler.Scheduler
	CommandBus      *command.Bus
	TaskRepo        task.Repository
	GoalRepo        goal.Repository
	EscalationStore escalation.Store
	Responder       *escalation.Responder
	Handlers        []dispatcher.Handler
	Schedules       Schedules
	Logger          logging.Logger
}

// Schedules bounds how often each built-in scheduled task runs. A zero
// duration disables that schedule entirely.
type Schedules struct {
	Reconciliation       time.Duration
	StatsUpdate          time.Duration
	EscalationDeadline   time.Duration
	MemoryMaintenance    time.Duration
	RetrySweep           time.Duration
	SpecialistCheck      time.Duration
	EvolutionEvaluation  time.Duration
	A2APoll              time.Duration
	GoalEvaluation       time.Duration
}

// DefaultSchedules returns a handful of seconds-scale housekeeping
// cadences suitable for a default deployment.
func DefaultSchedules() Schedules {
	return Schedules{
		Reconciliation:      10 * time.Second,
		StatsUpdate:         30 * time.Second,
		EscalationDeadline:  30 * time.Second,
		MemoryMaintenance:   time.Hour,
		RetrySweep:          15 * time.Second,
		SpecialistCheck:     time.Minute,
		EvolutionEvaluation: time.Hour,
		A2APoll:             5 * time.Second,
		GoalEvaluation:      20 * time.Second,
	}
}

// Orchestrator owns the control plane's component lifecycle.
type Orchestrator struct {
	deps   Dependencies
	logger logging.Logger

	mu           sync.Mutex
	running      bool
	dispatchDone chan struct{}
	schedDone    chan struct{}
	cancelDisp   context.CancelFunc
	cancelSched  context.CancelFunc
}

// New validates deps and constructs an Orchestrator. Built-in handlers and
// schedules are registered eagerly; callers still call Start to begin
// processing.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Journal == nil || deps.Bus == nil || deps.Dispatcher == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("orchestrator: journal, bus, dispatcher, and scheduler are required")
	}
	if deps.CommandBus == nil || deps.TaskRepo == nil || deps.GoalRepo == nil {
		return nil, fmt.Errorf("orchestrator: command bus, task repo, and goal repo are required")
	}
	if deps.EscalationStore == nil || deps.Responder == nil {
		return nil, fmt.Errorf("orchestrator: escalation store and responder are required")
	}
	if (deps.Schedules == Schedules{}) {
		deps.Schedules = DefaultSchedules()
	}

	o := &Orchestrator{deps: deps, logger: logging.OrNop(deps.Logger)}
	o.registerBuiltins()
	return o, nil
}

// registerBuiltins wires the caller-supplied handlers and the built-in
// goal watchdog onto the dispatcher, and every named schedule onto the
// scheduler.
func (o *Orchestrator) registerBuiltins() {
	for _, h := range o.deps.Handlers {
		o.deps.Dispatcher.Register(h)
	}
	o.deps.Dispatcher.Register(newGoalWatchdog(o.deps.TaskRepo, o.deps.GoalRepo, o.deps.EscalationStore, o.deps.Bus))

	o.scheduleNamed("reconciliation", o.deps.Schedules.Reconciliation, o.runReconciliation)
	o.scheduleNamed("stats_update", o.deps.Schedules.StatsUpdate, o.runStatsUpdate)
	o.scheduleNamed("escalation_deadline_check", o.deps.Schedules.EscalationDeadline, o.runEscalationDeadlineCheck)
	o.scheduleNamed("memory_maintenance", o.deps.Schedules.MemoryMaintenance, o.runMemoryMaintenance)
	o.scheduleNamed("retry_sweep", o.deps.Schedules.RetrySweep, o.runRetrySweep)
	o.scheduleNamed("specialist_check", o.deps.Schedules.SpecialistCheck, o.runSpecialistCheck)
	o.scheduleNamed("evolution_evaluation", o.deps.Schedules.EvolutionEvaluation, o.runEvolutionEvaluation)
	o.scheduleNamed("a2a_poll", o.deps.Schedules.A2APoll, o.runA2APoll)
	o.scheduleNamed("goal_evaluation", o.deps.Schedules.GoalEvaluation, o.runGoalEvaluation)
}

// scheduleNamed registers a periodic schedule and the handler that answers
// its ScheduledEventFired ticks, unless period is zero (disabled).
func (o *Orchestrator) scheduleNamed(name string, period time.Duration, fn func(ctx context.Context) error) {
	if period <= 0 {
		return
	}
	if _, err := o.deps.Scheduler.Register(name, scheduler.Interval(period)); err != nil {
		o.logger.Error("register schedule %s: %v", name, err)
		return
	}
	o.deps.Dispatcher.Register(&namedTickHandler{name: name, fn: fn, logger: o.logger})
}

// Start replays unprocessed journal history into the dispatcher for
// cold-start analysis, then launches the dispatcher and scheduler run
// loops in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: already started")
	}

	if err := o.deps.Dispatcher.ReplayFromWatermark(ctx); err != nil {
		return fmt.Errorf("replay from watermark: %w", err)
	}

	dispCtx, cancelDisp := context.WithCancel(ctx)
	schedCtx, cancelSched := context.WithCancel(ctx)
	o.cancelDisp = cancelDisp
	o.cancelSched = cancelSched
	o.dispatchDone = make(chan struct{})
	o.schedDone = make(chan struct{})

	async.Go(o.logger, "dispatcher", func() {
		defer close(o.dispatchDone)
		o.deps.Dispatcher.Run(dispCtx)
	})
	async.Go(o.logger, "scheduler", func() {
		defer close(o.schedDone)
		o.deps.Scheduler.Run(schedCtx)
	})

	o.running = true
	return nil
}

// Shutdown stops the scheduler first (no new ticks), then cancels the
// dispatcher and waits for its loop to flush watermarks and return (events
// still queued on its subscription are not dispatched) — the
// reverse of Start's replay-then-run sequence.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}

	o.cancelSched()
	select {
	case <-o.schedDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.cancelDisp()
	select {
	case <-o.dispatchDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.running = false
	return nil
}

// ListPendingEscalations exposes the escalation store's pending query.
func (o *Orchestrator) ListPendingEscalations(ctx context.Context) ([]*escalation.Event, error) {
	return o.deps.EscalationStore.ListPending(ctx)
}

// RespondToEscalation exposes Responder.Respond as the orchestrator's
// query-API surface for answering a pending escalation.
func (o *Orchestrator) RespondToEscalation(ctx context.Context, id uuid.UUID, decision escalation.Decision, detail string) (*escalation.Event, error) {
	return o.deps.Responder.Respond(ctx, id, decision, detail)
}
