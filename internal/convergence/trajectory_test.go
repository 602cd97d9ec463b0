package convergence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositorySaveGetRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 10, MaxTokens: 1000})
	traj.Observations = append(traj.Observations, Observation{Sequence: 0})
	traj.StrategyLog = append(traj.StrategyLog, StrategyRetryWithFeedback)

	require.NoError(t, repo.Save(ctx, traj))

	loaded, err := repo.Get(ctx, traj.ID)
	require.NoError(t, err)
	require.Equal(t, traj.ID, loaded.ID)
	require.Len(t, loaded.Observations, 1)
	require.Equal(t, StrategyRetryWithFeedback, loaded.StrategyLog[0])
}

func TestMemoryRepositorySaveOverwritesFullRecord(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 10})
	traj.Observations = append(traj.Observations, Observation{Sequence: 0}, Observation{Sequence: 1})
	require.NoError(t, repo.Save(ctx, traj))

	traj.Observations = traj.Observations[:1]
	require.NoError(t, repo.Save(ctx, traj))

	loaded, err := repo.Get(ctx, traj.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Observations, 1, "save must overwrite the full record, not append to it")
}

func TestMemoryRepositoryGetReturnsACopyNotAnAlias(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	traj := NewTrajectory(uuid.New(), Budget{MaxIterations: 10})
	traj.Observations = append(traj.Observations, Observation{Sequence: 0})
	require.NoError(t, repo.Save(ctx, traj))

	loaded, err := repo.Get(ctx, traj.ID)
	require.NoError(t, err)
	loaded.Observations[0].Sequence = 99

	reloaded, err := repo.Get(ctx, traj.ID)
	require.NoError(t, err)
	require.Equal(t, 0, reloaded.Observations[0].Sequence)
}

func TestMemoryRepositoryGetUnknownIDErrors(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), uuid.New())
	require.Error(t, err)
	var notFound *ErrTrajectoryNotFound
	require.ErrorAs(t, err, &notFound)
}
