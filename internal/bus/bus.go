// Package bus implements the in-process publish/subscribe fanout that sits
// between the journal and every event consumer (reactive dispatcher,
// escalation store, CLI-facing watchers). It owns the monotonic sequence
// counter: Publish assigns the sequence, appends to the journal, then
// broadcasts.
package bus

import (
	"context"
	"sync"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/journal"
)

// subscriberBuffer bounds how far a subscriber may lag before further
// events are dropped for it rather than blocking the publisher.
const subscriberBuffer = 256

// Bus publishes journaled events to any number of subscribers. When a
// subscriber's channel is full the event is dropped for that subscriber
// rather than blocking the publisher; the subscriber stays registered. Generalized from a per-request-ID watch/cancel-closes-
// channel contract to category-scoped subscriptions.
type Bus struct {
	j *journal.Journal

	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch     chan event.Event
	filter event.Filter
}

// New wraps j, the durable append target every Publish call writes
// through before broadcasting.
func New(j *journal.Journal) *Bus {
	return &Bus{j: j, subs: make(map[int]*subscriber)}
}

// Publish appends e to the journal, assigning its sequence, then
// broadcasts it to every subscriber whose filter matches.
func (b *Bus) Publish(ctx context.Context, e event.Event) (event.Event, error) {
	stored, err := b.j.Append(ctx, e)
	if err != nil {
		return event.Event{}, err
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Matches(stored) {
			continue
		}
		select {
		case s.ch <- stored:
		default:
			// Subscriber is lagging; drop this event for it rather than
			// block the publisher. Slow consumers must poll the journal
			// directly to catch up.
		}
	}
	return stored, nil
}

// Subscribe registers a new subscriber scoped by filter. The returned
// channel is closed when ctx is cancelled, which also ends the unsubscribe
// goroutine whether or not the channel has been drained.
func (b *Bus) Subscribe(ctx context.Context, filter event.Filter) <-chan event.Event {
	s := &subscriber{ch: make(chan event.Event, subscriberBuffer), filter: filter}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(s.ch)
	}()

	return s.ch
}

// CurrentSequence returns the journal's latest assigned sequence number.
func (b *Bus) CurrentSequence(ctx context.Context) (uint64, error) {
	return b.j.LatestSequence(ctx)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
