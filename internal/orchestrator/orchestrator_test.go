package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/bus"
	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/escalation"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/journal"
	"github.com/odgrim/abathur-swarm/internal/scheduler"
	"github.com/odgrim/abathur-swarm/internal/task"
)

type harness struct {
	journal  *journal.Journal
	bus      *bus.Bus
	disp     *dispatcher.Dispatcher
	sched    *scheduler.Scheduler
	cmd      *command.Bus
	taskRepo task.Repository
	goalRepo goal.Repository
	store    *escalation.MemoryStore
	resp     *escalation.Responder
	orch     *Orchestrator
}

func newHarness(t *testing.T, schedules Schedules) *harness {
	t.Helper()
	j := journal.New(event.NewMemoryRepository())
	eb := bus.New(j)
	taskRepo := task.NewMemoryRepository()
	goalRepo := goal.NewMemoryRepository()

	disp, err := dispatcher.New(eb, j, dispatcher.DefaultConfig(), nil)
	require.NoError(t, err)
	sched := scheduler.New(eb, scheduler.DefaultConfig(), nil)

	cb, err := command.New(eb, taskRepo, goalRepo, command.DefaultConfig())
	require.NoError(t, err)

	store := escalation.NewMemoryStore()
	resp := escalation.NewResponder(store, cb, eb)

	orch, err := New(Dependencies{
		Journal:         j,
		Bus:             eb,
		Dispatcher:      disp,
		Scheduler:       sched,
		CommandBus:      cb,
		TaskRepo:        taskRepo,
		GoalRepo:        goalRepo,
		EscalationStore: store,
		Responder:       resp,
		Schedules:       schedules,
	})
	require.NoError(t, err)

	return &harness{
		journal: j, bus: eb, disp: disp, sched: sched, cmd: cb,
		taskRepo: taskRepo, goalRepo: goalRepo, store: store, resp: resp, orch: orch,
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
}

func TestStartAndShutdownDrainsCleanly(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	require.NoError(t, h.orch.Start(ctx))
	require.Error(t, h.orch.Start(ctx), "starting twice should fail")

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(shutdownCtx))
	require.NoError(t, h.orch.Shutdown(shutdownCtx), "shutdown is idempotent once stopped")
}

func TestReconciliationTransitionsReadyTask(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	tk := task.NewTask("subtask", task.Source{Kind: task.SourceHuman})
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	require.NoError(t, h.orch.runReconciliation(ctx))

	stored, err := h.taskRepo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusReady, stored.Status)
}

func TestReconciliationLeavesBlockedDependenciesPending(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	dep := task.NewTask("dependency", task.Source{Kind: task.SourceHuman})
	require.NoError(t, h.taskRepo.Create(ctx, dep))

	tk := task.NewTask("dependent", task.Source{Kind: task.SourceHuman})
	tk.DependsOn = map[uuid.UUID]struct{}{dep.ID: {}}
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	require.NoError(t, h.orch.runReconciliation(ctx))

	stored, err := h.taskRepo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, stored.Status)
}

func TestRetrySweepRetriesFailedTaskUnderBudget(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	tk := task.NewTask("flaky", task.Source{Kind: task.SourceHuman})
	tk.MaxRetries = 3
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, tk.Transition(task.StatusFailed))
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	require.NoError(t, h.orch.runRetrySweep(ctx))

	stored, err := h.taskRepo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusReady, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
}

func TestRetrySweepIgnoresExhaustedTask(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	tk := task.NewTask("doomed", task.Source{Kind: task.SourceHuman})
	tk.MaxRetries = 0
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, tk.Transition(task.StatusFailed))
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	require.NoError(t, h.orch.runRetrySweep(ctx))

	stored, err := h.taskRepo.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, stored.Status)
}

func TestGoalEvaluationRaisesEscalationForExhaustedTask(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	g := goal.NewGoal("ship feature", "intent")
	require.NoError(t, h.goalRepo.Create(ctx, g))

	tk := task.NewTask("leaf", task.Source{Kind: task.SourceHuman})
	tk.ParentID = &g.ID
	tk.MaxRetries = 0
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, tk.Transition(task.StatusFailed))
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	require.NoError(t, h.orch.runGoalEvaluation(ctx))

	pending, err := h.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, g.ID, *pending[0].GoalID)
	require.True(t, pending[0].IsBlocking)

	require.NoError(t, h.orch.runGoalEvaluation(ctx))
	pending, err = h.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "a second sweep must not duplicate the escalation")
}

func TestGoalWatchdogHandlesTaskFailedEvent(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	g := goal.NewGoal("ship feature", "intent")
	require.NoError(t, h.goalRepo.Create(ctx, g))

	tk := task.NewTask("leaf", task.Source{Kind: task.SourceHuman})
	tk.ParentID = &g.ID
	tk.MaxRetries = 0
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	wd := newGoalWatchdog(h.taskRepo, h.goalRepo, h.store, h.bus)
	ev := event.New(event.SeverityError, event.CategoryTask, event.Payload{
		Kind: event.KindTaskFailed,
		Data: event.TaskFailedPayload{TaskID: tk.ID, Error: "boom"},
	})

	reaction, err := wd.Handle(ctx, ev)
	require.NoError(t, err)
	require.Len(t, reaction.Events, 1)

	pending, err := h.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestListAndRespondToEscalation(t *testing.T) {
	h := newHarness(t, Schedules{})
	ctx := context.Background()

	tk := task.NewTask("investigate", task.Source{Kind: task.SourceHuman})
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusBlocked))
	require.NoError(t, h.taskRepo.Create(ctx, tk))

	esc := escalation.New("need input", "normal", true)
	esc.TaskID = &tk.ID
	require.NoError(t, h.store.Create(ctx, esc))

	pending, err := h.orch.ListPendingEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := h.orch.RespondToEscalation(ctx, esc.ID, escalation.DecisionAccept, "")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)

	pending, err = h.orch.ListPendingEscalations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
