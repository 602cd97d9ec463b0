package event

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndTime(t *testing.T) {
	e := New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskSubmitted})
	require.NotEqual(t, uuid.Nil, e.ID)
	require.False(t, e.Time.IsZero())
	require.Equal(t, uint64(0), e.Sequence)
}

func TestWithGoalTaskCorrelationChain(t *testing.T) {
	goalID := uuid.New()
	taskID := uuid.New()
	corrID := uuid.New()

	e := New(SeverityInfo, CategoryTask, Payload{}).
		WithGoal(goalID).
		WithTask(taskID).
		WithCorrelation(corrID)

	require.Equal(t, goalID, *e.GoalID)
	require.Equal(t, taskID, *e.TaskID)
	require.Equal(t, corrID, e.Correlation())
}

func TestCorrelationFallsBackToOwnID(t *testing.T) {
	e := New(SeverityInfo, CategoryTask, Payload{})
	require.Equal(t, e.ID, e.Correlation())
}

func TestSeverityString(t *testing.T) {
	require.Equal(t, "warning", SeverityWarning.String())
	require.Equal(t, "unknown", Severity(99).String())
}

func TestMemoryRepositoryAppendAssignsSequence(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.Append(ctx, New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskSubmitted}))
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Sequence)

	second, err := repo.Append(ctx, New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskReady}))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Sequence)

	latest, err := repo.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest)
}

func TestMemoryRepositoryQueryFiltersByCategoryAndSeverity(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	goalID := uuid.New()
	_, err := repo.Append(ctx, New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskSubmitted}))
	require.NoError(t, err)
	_, err = repo.Append(ctx, New(SeverityWarning, CategoryGoal, Payload{Kind: KindGoalStarted}).WithGoal(goalID))
	require.NoError(t, err)
	_, err = repo.Append(ctx, New(SeverityError, CategoryGoal, Payload{Kind: KindGoalStatusChanged}).WithGoal(goalID))
	require.NoError(t, err)

	results, err := repo.Query(ctx, Filter{
		Categories:  []Category{CategoryGoal},
		MinSeverity: SeverityError,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, KindGoalStatusChanged, results[0].Payload.Kind)
}

func TestMemoryRepositoryQueryFiltersByGoalID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	goalA := uuid.New()
	goalB := uuid.New()
	_, err := repo.Append(ctx, New(SeverityInfo, CategoryGoal, Payload{Kind: KindGoalStarted}).WithGoal(goalA))
	require.NoError(t, err)
	_, err = repo.Append(ctx, New(SeverityInfo, CategoryGoal, Payload{Kind: KindGoalStarted}).WithGoal(goalB))
	require.NoError(t, err)

	results, err := repo.Query(ctx, Filter{GoalID: &goalA})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, goalA, *results[0].GoalID)
}

func TestMemoryRepositoryQueryPagination(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Append(ctx, New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskSubmitted}))
		require.NoError(t, err)
	}

	page, err := repo.Query(ctx, Filter{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].Sequence)
	require.Equal(t, uint64(4), page[1].Sequence)
}

func TestMemoryRepositoryPruneOlderThan(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := repo.Append(ctx, New(SeverityInfo, CategoryTask, Payload{Kind: KindTaskSubmitted}))
		require.NoError(t, err)
	}

	removed, err := repo.PruneOlderThan(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	remaining, err := repo.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, uint64(3), remaining[0].Sequence)
}

func TestFilterSequenceRangeInclusive(t *testing.T) {
	e := Event{Sequence: 5}
	require.True(t, Filter{SinceSequence: 5, UntilSequence: 5}.Matches(e))
	require.False(t, Filter{SinceSequence: 6}.Matches(e))
	require.False(t, Filter{UntilSequence: 4}.Matches(e))
}
