package orchestrator

import (
	"context"
	"time"

	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/escalation"
	"github.com/odgrim/abathur-swarm/internal/task"
)

// runReconciliation catches Pending tasks whose dependencies are already
// all terminal-successful but that missed the reactive readiness cascade
// (task.CompletedReadinessHandler), e.g. because the triggering event was
// dropped. Mutates only through the command bus, same as every other
// built-in handler, so emission and idempotency are never bypassed.
func (o *Orchestrator) runReconciliation(ctx context.Context) error {
	pending := task.StatusPending
	tasks, err := o.deps.TaskRepo.List(ctx, task.Filter{Status: &pending})
	if err != nil {
		return err
	}
	for _, tk := range tasks {
		ready, err := task.IsReady(ctx, o.deps.TaskRepo, tk)
		if err != nil || !ready {
			continue
		}
		_, _ = o.deps.CommandBus.Dispatch(ctx, command.Source{Kind: command.SourceSystem, Detail: "reconciliation"}, command.Command{
			Domain:         command.DomainTask,
			Op:             command.OpTaskTransition,
			TaskTransition: &command.TaskTransition{TaskID: tk.ID, To: task.StatusReady},
		})
	}
	return nil
}

// runStatsUpdate is a thin placeholder: the schedule exists so a future
// stats subsystem has somewhere to hang its periodic update, but no such
// subsystem exists yet.
func (o *Orchestrator) runStatsUpdate(ctx context.Context) error {
	return nil
}

// runEscalationDeadlineCheck sweeps pending escalations for ones whose
// deadline has elapsed, auto-resolving the ones with a default action and
// deferring the rest.
func (o *Orchestrator) runEscalationDeadlineCheck(ctx context.Context) error {
	_, _, err := escalation.CheckOverdue(ctx, o.deps.EscalationStore, o.deps.Responder, time.Now())
	return err
}

// runMemoryMaintenance dispatches the memory domain's periodic upkeep
// command (compaction, decay, or whatever the memory subsystem implements
// behind OpMemoryRunMaintenance).
func (o *Orchestrator) runMemoryMaintenance(ctx context.Context) error {
	_, err := o.deps.CommandBus.Dispatch(ctx, command.Source{Kind: command.SourceSystem, Detail: "memory_maintenance"}, command.Command{
		Domain:               command.DomainMemory,
		Op:                   command.OpMemoryRunMaintenance,
		MemoryRunMaintenance: &command.MemoryRunMaintenance{},
	})
	return err
}

// runRetrySweep finds Failed tasks still under their retry budget and
// dispatches OpTaskRetry for each, catching any that the reactive path
// (a human Accept/Clarify response, or an automatic retry trigger
// elsewhere) didn't already pick up.
func (o *Orchestrator) runRetrySweep(ctx context.Context) error {
	failed := task.StatusFailed
	tasks, err := o.deps.TaskRepo.List(ctx, task.Filter{Status: &failed})
	if err != nil {
		return err
	}
	for _, tk := range tasks {
		if tk.RetryCount >= tk.MaxRetries {
			continue
		}
		_, _ = o.deps.CommandBus.Dispatch(ctx, command.Source{Kind: command.SourceSystem, Detail: "retry_sweep"}, command.Command{
			Domain:    command.DomainTask,
			Op:        command.OpTaskRetry,
			TaskRetry: &command.TaskRetry{TaskID: tk.ID},
		})
	}
	return nil
}

// runSpecialistCheck, runEvolutionEvaluation, and runA2APoll are thin
// stubs: no specialist registry, evolution/self-modification subsystem,
// or A2A transport exists yet to back them (A2A in particular belongs on
// an external HTTP surface, not this process). Registering the schedule
// now means wiring a real implementation later only needs a body here,
// not a new schedule.
func (o *Orchestrator) runSpecialistCheck(ctx context.Context) error     { return nil }
func (o *Orchestrator) runEvolutionEvaluation(ctx context.Context) error { return nil }
func (o *Orchestrator) runA2APoll(ctx context.Context) error             { return nil }

// runGoalEvaluation periodically re-runs the goal-watchdog's retry-
// exhausted check across every Failed task, whatever its goal's status, as
// a backstop for
// the reactive watchdog handler in case a TaskFailed event was dropped
// before the watchdog saw it.
func (o *Orchestrator) runGoalEvaluation(ctx context.Context) error {
	failed := task.StatusFailed
	tasks, err := o.deps.TaskRepo.List(ctx, task.Filter{Status: &failed})
	if err != nil {
		return err
	}
	wd := newGoalWatchdog(o.deps.TaskRepo, o.deps.GoalRepo, o.deps.EscalationStore, o.deps.Bus)
	for _, tk := range tasks {
		if tk.RetryCount < tk.MaxRetries {
			continue
		}
		if err := wd.raiseIfNeeded(ctx, tk, "retry budget exhausted"); err != nil {
			return err
		}
	}
	return nil
}
