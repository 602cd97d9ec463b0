package convergence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/event"
)

type fakeSubstrate struct {
	tokensPerCall uint64
}

func (f *fakeSubstrate) Execute(_ context.Context, req SubstrateRequest) (SubstrateResponse, error) {
	return SubstrateResponse{Messages: []string{"ok"}, TotalTokens: f.tokensPerCall}, nil
}

type fakeOverseer struct {
	signals OverseerSignals
}

func (f *fakeOverseer) Measure(_ context.Context, _ ArtifactReference) (OverseerSignals, error) {
	return f.signals, nil
}

type noopResetter struct{ calls int }

func (r *noopResetter) Reset(_ context.Context, _ string) error {
	r.calls++
	return nil
}

type noopPromptBuilder struct{}

func (noopPromptBuilder) Build(_ *Trajectory, _ StrategyKind) string { return "prompt" }

type recordingPublisher struct {
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) (event.Event, error) {
	p.events = append(p.events, e)
	return e, nil
}

func fullySuccessfulSignals() OverseerSignals {
	return OverseerSignals{
		BuildResult: &BuildResult{Success: true},
		TypeCheck:   &TypeCheckResult{Clean: true},
		TestResults: &TestResults{Passed: 10, Failed: 0, Total: 10},
	}
}

func mediocreSignals() OverseerSignals {
	return OverseerSignals{
		BuildResult: &BuildResult{Success: true},
		TypeCheck:   &TypeCheckResult{Clean: true},
		TestResults: &TestResults{Passed: 6, Failed: 4, Total: 10},
	}
}

func weakSignals() OverseerSignals {
	return OverseerSignals{
		TestResults: &TestResults{Passed: 1, Failed: 9, Total: 10},
	}
}

func TestRunSequentialConvergesOnHighLevel(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	engine := NewEngine(repo, &fakeSubstrate{tokensPerCall: 10}, &fakeOverseer{signals: fullySuccessfulSignals()}, &noopResetter{}, noopPromptBuilder{}, pub)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 5, MaxTokens: 100000, MaxWallTime: time.Hour})

	outcome, err := engine.RunSequential(context.Background(), traj, "coder", "system", "/tmp/work", 10, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, outcome.Kind)
	require.Equal(t, PhaseTerminal, traj.Phase)
	require.Len(t, traj.Observations, 2, "first observation has no predecessor to diff, so convergence is detected on the second")
}

func TestRunSequentialExhaustedFailsBelowPartialThreshold(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	engine := NewEngine(repo, &fakeSubstrate{tokensPerCall: 10}, &fakeOverseer{signals: weakSignals()}, &noopResetter{}, noopPromptBuilder{}, pub)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 2, MaxTokens: 100000, MaxWallTime: time.Hour})

	outcome, err := engine.RunSequential(context.Background(), traj, "coder", "system", "/tmp/work", 10, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome.Kind)
}

func TestRunSequentialPartialAcceptedUnderSLAPressure(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	engine := NewEngine(repo, &fakeSubstrate{tokensPerCall: 10}, &fakeOverseer{signals: mediocreSignals()}, &noopResetter{}, noopPromptBuilder{}, pub)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 2, MaxTokens: 100000, MaxWallTime: time.Hour})

	outcome, err := engine.RunSequential(context.Background(), traj, "coder", "system", "/tmp/work", 10, []string{HintSLACritical})
	require.NoError(t, err)
	require.Equal(t, OutcomePartialAccepted, outcome.Kind)
}

func TestRunSequentialCancelledContextReturnsImmediately(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	engine := NewEngine(repo, &fakeSubstrate{tokensPerCall: 10}, &fakeOverseer{signals: fullySuccessfulSignals()}, &noopResetter{}, noopPromptBuilder{}, pub)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 5, MaxTokens: 100000, MaxWallTime: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := engine.RunSequential(ctx, traj, "coder", "system", "/tmp/work", 10, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, outcome.Kind)
	require.Empty(t, traj.Observations)
}

func TestMaybeFreshStartResetsAndEmitsEvent(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	resetter := &noopResetter{}
	engine := NewEngine(repo, &fakeSubstrate{}, &fakeOverseer{}, resetter, noopPromptBuilder{}, pub)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 5})

	require.NoError(t, engine.MaybeFreshStart(context.Background(), traj, StrategyFreshStart, "/tmp/work"))
	require.Equal(t, 1, resetter.calls)
	require.Equal(t, 1, traj.TotalFreshStarts)
	require.Len(t, pub.events, 1)
	require.Equal(t, event.KindConvergenceFreshStart, pub.events[0].Payload.Kind)
}

func TestMaybeFreshStartNoOpForOtherStrategies(t *testing.T) {
	repo := NewMemoryRepository()
	resetter := &noopResetter{}
	engine := NewEngine(repo, &fakeSubstrate{}, &fakeOverseer{}, resetter, noopPromptBuilder{}, nil)

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 5})
	require.NoError(t, engine.MaybeFreshStart(context.Background(), traj, StrategyRetryWithFeedback, "/tmp/work"))
	require.Zero(t, resetter.calls)
	require.Zero(t, traj.TotalFreshStarts)
}

