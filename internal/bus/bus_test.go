package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/journal"
)

func newTestBus() *Bus {
	return New(journal.New(event.NewMemoryRepository()))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, event.Filter{})

	published, err := b.Publish(context.Background(), event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
	require.NoError(t, err)
	require.Equal(t, uint64(1), published.Sequence)

	select {
	case got := <-ch:
		require.Equal(t, published.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeChannelClosesOnCancel(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, event.Filter{})
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestPublishSkipsNonMatchingSubscribers(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, event.Filter{Categories: []event.Category{event.CategoryGoal}})

	_, err := b.Publish(context.Background(), event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
	require.NoError(t, err)

	select {
	case got := <-ch:
		t.Fatalf("expected no delivery, got %#v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsEventsForSlowSubscriberInsteadOfBlocking(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe but never read: the buffer fills and further publishes
	// must not block.
	b.Subscribe(ctx, event.Filter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			_, err := b.Publish(context.Background(), event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
			require.NoError(t, err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())

	require.Equal(t, 0, b.SubscriberCount())
	b.Subscribe(ctx, event.Filter{})
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCurrentSequenceReflectsJournal(t *testing.T) {
	b := newTestBus()
	seq, err := b.CurrentSequence(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)

	_, err = b.Publish(context.Background(), event.New(event.SeverityInfo, event.CategoryTask, event.Payload{Kind: event.KindTaskSubmitted}))
	require.NoError(t, err)

	seq, err = b.CurrentSequence(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}
