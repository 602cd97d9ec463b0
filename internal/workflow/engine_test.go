package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/bus"
	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/journal"
	"github.com/odgrim/abathur-swarm/internal/task"
)

type fakeCommander struct {
	dispatched []command.Command
}

func (f *fakeCommander) Dispatch(_ context.Context, _ command.Source, cmd command.Command) (command.Result, error) {
	f.dispatched = append(f.dispatched, cmd)
	return command.Result{Kind: command.ResultKindAck}, nil
}

func newTestEngine(t *testing.T) (*Engine, task.Repository, *fakeCommander) {
	t.Helper()
	repo := task.NewMemoryRepository()
	b := bus.New(journal.New(event.NewMemoryRepository()))
	cmd := &fakeCommander{}
	eng := New(repo, b, cmd)
	return eng, repo, cmd
}

func completeTask(t *testing.T, ctx context.Context, repo task.Repository, id uuid.UUID) {
	t.Helper()
	tk, err := repo.Get(ctx, id)
	require.NoError(t, err)
	storedVersion := tk.Version
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, tk.Transition(task.StatusComplete))
	require.NoError(t, repo.Update(ctx, tk, storedVersion))
}

func TestEnrollAndAdvanceSingleSubtaskPhase(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "simple",
		Phases: []Phase{
			{Name: "build", Role: "engineer"},
		},
		MaxVerificationRetries: 2,
	})

	parent := task.NewTask("ship feature", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))

	require.NoError(t, eng.Enroll(ctx, parent.ID, "simple"))

	reloaded, err := repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, ok := StateFromContext(reloaded.Context)
	require.True(t, ok)
	require.Equal(t, StatusRunning, st.Status)
	require.Len(t, st.SubtaskIDs, 1)
}

func TestSingleSubtaskCompletionAdvancesToCompleted(t *testing.T) {
	eng, repo, cmd := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "simple",
		Phases: []Phase{
			{Name: "build", Role: "engineer"},
		},
	})

	parent := task.NewTask("ship feature", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "simple"))

	reloaded, err := repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, _ := StateFromContext(reloaded.Context)
	subID := st.SubtaskIDs[0]

	completeTask(t, ctx, repo, subID)

	sub, err := repo.Get(ctx, subID)
	require.NoError(t, err)
	_, err = eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: sub.ID},
	}).WithTask(sub.ID))
	require.NoError(t, err)

	reloaded, err = repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusCompleted, st.Status)
	require.Len(t, cmd.dispatched, 1)
	require.Equal(t, command.OpTaskComplete, cmd.dispatched[0].Op)
}

func TestFanOutCreatesNSubtasksAndAggregatesOnCompletion(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "fanout",
		Phases: []Phase{
			{Name: "research", Role: "researcher", FanOut: 3},
			{Name: "finalize", Role: "engineer"},
		},
	})

	parent := task.NewTask("investigate", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "fanout"))

	reloaded, err := repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, _ := StateFromContext(reloaded.Context)
	require.Equal(t, StatusFanningOut, st.Status)
	require.Len(t, st.SubtaskIDs, 3)

	var lastEvent event.Event
	for _, subID := range st.SubtaskIDs {
		completeTask(t, ctx, repo, subID)
		sub, err := repo.Get(ctx, subID)
		require.NoError(t, err)
		lastEvent = event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
			Kind: event.KindTaskCompleted,
			Data: event.TaskCompletedPayload{TaskID: sub.ID},
		}).WithTask(sub.ID)
		_, err = eng.Handle(ctx, lastEvent)
		require.NoError(t, err)
	}

	reloaded, err = repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusAggregate, st.Status)
	require.NotNil(t, st.AggregationTaskID)

	completeTask(t, ctx, repo, *st.AggregationTaskID)
	_, err = eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: *st.AggregationTaskID},
	}).WithTask(*st.AggregationTaskID))
	require.NoError(t, err)

	reloaded, err = repo.Get(ctx, parent.ID)
	require.NoError(t, err)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, "finalize", st.PhaseName)
}

func TestGatePhaseStopsAtPhaseGateUntilResolved(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "gated",
		Phases: []Phase{
			{Name: "triage", Role: "lead"},
			{Name: "build", Role: "engineer"},
		},
	})

	parent := task.NewTask("gated work", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "gated"))

	reloaded, _ := repo.Get(ctx, parent.ID)
	st, _ := StateFromContext(reloaded.Context)
	subID := st.SubtaskIDs[0]
	completeTask(t, ctx, repo, subID)
	_, err := eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: subID},
	}).WithTask(subID))
	require.NoError(t, err)

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusPhaseGate, st.Status)

	require.NoError(t, eng.ResolveGate(ctx, parent.ID, GateApprove))

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, "build", st.PhaseName)
}

func TestGateRejectTerminatesWorkflow(t *testing.T) {
	eng, repo, cmd := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name:   "gated",
		Phases: []Phase{{Name: "review", Role: "lead"}},
	})

	parent := task.NewTask("needs review", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "gated"))

	reloaded, _ := repo.Get(ctx, parent.ID)
	st, _ := StateFromContext(reloaded.Context)
	completeTask(t, ctx, repo, st.SubtaskIDs[0])
	_, err := eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: st.SubtaskIDs[0]},
	}).WithTask(st.SubtaskIDs[0]))
	require.NoError(t, err)

	require.NoError(t, eng.ResolveGate(ctx, parent.ID, GateReject))

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusRejected, st.Status)
	require.Len(t, cmd.dispatched, 1)
	require.Equal(t, command.OpTaskFail, cmd.dispatched[0].Op)
}

func TestVerificationFailureReworksAndRetriesPhase(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name:                   "verified",
		MaxVerificationRetries: 1,
		Phases: []Phase{
			{Name: "implement", Role: "engineer", Verify: true},
		},
	})

	parent := task.NewTask("verified work", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "verified"))

	reloaded, _ := repo.Get(ctx, parent.ID)
	st, _ := StateFromContext(reloaded.Context)
	completeTask(t, ctx, repo, st.SubtaskIDs[0])
	_, err := eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: st.SubtaskIDs[0]},
	}).WithTask(st.SubtaskIDs[0]))
	require.NoError(t, err)

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusVerifying, st.Status)

	require.NoError(t, eng.ReportVerification(ctx, parent.ID, false, "missing tests"))

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusRunning, st.Status)
	require.Equal(t, 1, st.RetryCount)
	require.Equal(t, []string{"missing tests"}, st.VerificationFeedback)
}

func TestVerificationSkippedWhenAllSubtasksConverged(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "convergent",
		Phases: []Phase{
			{Name: "implement", Role: "engineer", Verify: true},
		},
	})

	parent := task.NewTask("convergent work", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "convergent"))

	reloaded, _ := repo.Get(ctx, parent.ID)
	st, _ := StateFromContext(reloaded.Context)
	subID := st.SubtaskIDs[0]

	sub, err := repo.Get(ctx, subID)
	require.NoError(t, err)
	sub.Context["convergence_outcome"] = "converged"
	require.NoError(t, repo.Update(ctx, sub, sub.Version))
	completeTask(t, ctx, repo, subID)

	_, err = eng.Handle(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{
		Kind: event.KindTaskCompleted,
		Data: event.TaskCompletedPayload{TaskID: subID},
	}).WithTask(subID))
	require.NoError(t, err)

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusCompleted, st.Status)
}

func TestFanOutSliceFailureRetriesUpToPhaseLevelLimit(t *testing.T) {
	eng, repo, _ := newTestEngine(t)
	ctx := context.Background()

	eng.RegisterTemplate(&WorkflowTemplate{
		Name: "flaky-fanout",
		Phases: []Phase{
			{Name: "scan", Role: "scout", FanOut: 2},
		},
	})

	parent := task.NewTask("scan work", task.Source{Kind: task.SourceHuman})
	require.NoError(t, repo.Create(ctx, parent))
	require.NoError(t, eng.Enroll(ctx, parent.ID, "flaky-fanout"))

	reloaded, _ := repo.Get(ctx, parent.ID)
	st, _ := StateFromContext(reloaded.Context)
	failingID := st.SubtaskIDs[0]

	failTask(t, ctx, repo, failingID)
	_, err := eng.Handle(ctx, event.New(event.SeverityWarning, event.CategoryTask, event.Payload{
		Kind: event.KindTaskFailed,
		Data: event.TaskFailedPayload{TaskID: failingID, Error: "boom"},
	}).WithTask(failingID))
	require.NoError(t, err)

	reloaded, _ = repo.Get(ctx, parent.ID)
	st, _ = StateFromContext(reloaded.Context)
	require.Equal(t, StatusFanningOut, st.Status)
	require.Equal(t, 1, st.PhaseRetryCount)
	require.Len(t, st.SubtaskIDs, 2)
	require.NotEqual(t, failingID, st.SubtaskIDs[0])
}

func failTask(t *testing.T, ctx context.Context, repo task.Repository, id uuid.UUID) {
	t.Helper()
	tk, err := repo.Get(ctx, id)
	require.NoError(t, err)
	storedVersion := tk.Version
	require.NoError(t, tk.Transition(task.StatusReady))
	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, tk.Transition(task.StatusFailed))
	require.NoError(t, repo.Update(ctx, tk, storedVersion))
}
