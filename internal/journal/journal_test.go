package journal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/errors"
	"github.com/odgrim/abathur-swarm/internal/event"
)

func newTestJournal() *Journal {
	return New(event.NewMemoryRepository())
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	j := newTestJournal()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e, err := j.Append(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), e.Sequence)
	}

	gaps, err := j.DetectSequenceGaps(ctx, 1, 3)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestDetectSequenceGapsFindsMissingInterval(t *testing.T) {
	j := newTestJournal()
	ctx := context.Background()

	_, err := j.Append(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{}))
	require.NoError(t, err)

	// Simulate a gap: the repository's next append would be sequence 2, but
	// we ask for gaps in a range extending beyond what's been written.
	gaps, err := j.DetectSequenceGaps(ctx, 1, 5)
	require.NoError(t, err)
	require.Equal(t, [][2]uint64{{2, 5}}, gaps)
}

func TestWatermarkMonotonicity(t *testing.T) {
	j := newTestJournal()
	j.SetWatermark("handler-a", 5)
	require.Equal(t, uint64(5), j.GetWatermark("handler-a"))

	j.SetWatermark("handler-a", 3)
	require.Equal(t, uint64(5), j.GetWatermark("handler-a"), "watermark must never decrease")

	j.SetWatermark("handler-a", 7)
	require.Equal(t, uint64(7), j.GetWatermark("handler-a"))
}

func TestMinWatermarkAcrossHandlers(t *testing.T) {
	j := newTestJournal()
	j.SetWatermark("handler-a", 10)
	j.SetWatermark("handler-b", 4)

	require.Equal(t, uint64(4), j.MinWatermark([]string{"handler-a", "handler-b"}))
	require.Equal(t, uint64(0), j.MinWatermark([]string{"handler-a", "handler-c"}), "unseen handler counts as watermark 0")
}

func TestReplaySinceReturnsEventsAfterSequence(t *testing.T) {
	j := newTestJournal()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
		require.NoError(t, err)
	}

	replay, err := j.ReplaySince(ctx, 3)
	require.NoError(t, err)
	require.Len(t, replay, 2)
	require.Equal(t, uint64(4), replay[0].Sequence)
	require.Equal(t, uint64(5), replay[1].Sequence)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	j := newTestJournal()
	entry := DeadLetterEntry{
		EventID:     uuid.New(),
		Sequence:    12,
		HandlerName: "retry-sweep",
		Error:       "substrate timeout",
		RetryCount:  3,
		RecordedAt:  time.Now(),
	}
	j.AppendDeadLetter(entry)

	got := j.DeadLetters()
	require.Len(t, got, 1)
	require.Equal(t, entry, got[0])
}

func TestCircuitBreakerStateRoundTrip(t *testing.T) {
	j := newTestJournal()
	rec := CircuitBreakerRecord{
		HandlerName:  "handler-a",
		State:        errors.StateOpen,
		FailureCount: 5,
		TrippedAt:    time.Now(),
	}
	j.SaveCircuitBreakerState(rec)

	states := j.LoadCircuitBreakerStates()
	require.Len(t, states, 1)
	require.Equal(t, rec, states[0])
}
