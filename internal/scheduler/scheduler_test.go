package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/logging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e event.Event) (event.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return e, nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestRegisterRejectsBeyondMaxSchedules(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, Config{TickInterval: time.Second, MaxSchedules: 1}, logging.Nop())

	_, err := s.Register("first", Interval(time.Minute))
	require.NoError(t, err)

	_, err = s.Register("second", Interval(time.Minute))
	require.Error(t, err)
}

func TestRegisterRejectsInvalidCronExpression(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, DefaultConfig(), logging.Nop())

	_, err := s.Register("bad", Cron("not a cron expr"))
	require.Error(t, err)
}

func TestOnceFiresAndDeactivates(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, DefaultConfig(), logging.Nop())

	id, err := s.Register("once", Once(time.Now().Add(-time.Second)))
	require.NoError(t, err)

	s.tick(context.Background(), time.Now())
	require.Equal(t, 1, pub.count())

	se, ok := s.Get(id)
	require.True(t, ok)
	require.False(t, se.Active)
	require.Equal(t, 1, se.FireCount)

	s.tick(context.Background(), time.Now())
	require.Equal(t, 1, pub.count(), "once schedule must not refire after deactivation")
}

func TestIntervalFiresRepeatedly(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, DefaultConfig(), logging.Nop())

	_, err := s.Register("interval", Interval(10*time.Millisecond))
	require.NoError(t, err)

	now := time.Now()
	s.tick(context.Background(), now)
	require.Equal(t, 1, pub.count())

	s.tick(context.Background(), now.Add(5*time.Millisecond))
	require.Equal(t, 1, pub.count(), "must not fire before the interval elapses")

	s.tick(context.Background(), now.Add(15*time.Millisecond))
	require.Equal(t, 2, pub.count())
}

func TestCronFiresWhenNextScheduledTimeElapsed(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, DefaultConfig(), logging.Nop())

	// Every minute.
	_, err := s.Register("cron", Cron("* * * * *"))
	require.NoError(t, err)

	now := time.Now()
	s.tick(context.Background(), now)
	require.Equal(t, 0, pub.count(), "must not fire before the first scheduled minute boundary")

	s.tick(context.Background(), now.Add(2*time.Minute))
	require.Equal(t, 1, pub.count())
}

func TestDeactivateStopsFutureFiring(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(pub, DefaultConfig(), logging.Nop())

	id, err := s.Register("interval", Interval(time.Millisecond))
	require.NoError(t, err)
	s.Deactivate(id)

	s.tick(context.Background(), time.Now())
	require.Equal(t, 0, pub.count())
}
