// Package scheduler fires time-based events onto the event bus: one-shot,
// fixed-interval, and cron-expression schedules. Grounded on a
// robfig/cron-backed trigger scheduler, generalized from domain-specific
// triggers to bus-published ScheduledEventFired events, and supplemented
// with Once/Interval kinds a cron-only scheduler never needed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/logging"
)

// Kind distinguishes the three supported schedule shapes.
type Kind int

const (
	KindOnce Kind = iota
	KindInterval
	KindCron
)

// Schedule describes when a registered job should fire: once, at a fixed
// interval, or on a cron expression.
type Schedule struct {
	Kind  Kind
	At    time.Time     // KindOnce
	Every time.Duration // KindInterval
	Expr  string        // KindCron, standard 5-field
}

// Once builds a one-shot schedule firing at t.
func Once(t time.Time) Schedule { return Schedule{Kind: KindOnce, At: t} }

// Interval builds a fixed-period schedule firing every d.
func Interval(d time.Duration) Schedule { return Schedule{Kind: KindInterval, Every: d} }

// Cron builds a schedule parsed from a standard 5-field cron expression.
func Cron(expr string) Schedule { return Schedule{Kind: KindCron, Expr: expr} }

// ScheduledEvent is one registered schedule.
type ScheduledEvent struct {
	ID        uuid.UUID
	Name      string
	Schedule  Schedule
	Active    bool
	CreatedAt time.Time
	LastFired time.Time
	FireCount int

	cronSchedule cron.Schedule
}

// Publisher is the subset of bus.Bus the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Config bounds the scheduler's tick loop and registration limits.
type Config struct {
	TickInterval time.Duration
	MaxSchedules int
}

// DefaultConfig returns the scheduler's default tuning: 1s tick, at most
// 10000 registered schedules.
func DefaultConfig() Config {
	return Config{TickInterval: time.Second, MaxSchedules: 10000}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler evaluates registered ScheduledEvents on a tick loop and
// publishes ScheduledEventFired onto the bus.
type Scheduler struct {
	bus    Publisher
	cfg    Config
	logger logging.Logger

	mu        sync.Mutex
	schedules map[uuid.UUID]*ScheduledEvent
}

// New constructs a Scheduler publishing through bus.
func New(bus Publisher, cfg Config, logger logging.Logger) *Scheduler {
	return &Scheduler{
		bus:       bus,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		schedules: make(map[uuid.UUID]*ScheduledEvent),
	}
}

// Register adds a new schedule, failing if MaxSchedules would be exceeded
// or a Cron expression fails to parse.
func (s *Scheduler) Register(name string, sch Schedule) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.schedules) >= s.cfg.MaxSchedules {
		return uuid.Nil, fmt.Errorf("maximum schedule count %d exceeded", s.cfg.MaxSchedules)
	}

	se := &ScheduledEvent{
		ID:        uuid.New(),
		Name:      name,
		Schedule:  sch,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if sch.Kind == KindCron {
		parsed, err := cronParser.Parse(sch.Expr)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse cron expression %q: %w", sch.Expr, err)
		}
		se.cronSchedule = parsed
	}

	s.schedules[se.ID] = se
	return se.ID, nil
}

// Deactivate marks a schedule inactive; it is no longer evaluated by the
// tick loop but remains registered for inspection.
func (s *Scheduler) Deactivate(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.schedules[id]; ok {
		se.Active = false
	}
}

// Run evaluates due schedules every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var due []*ScheduledEvent
	s.mu.Lock()
	for _, se := range s.schedules {
		if !se.Active {
			continue
		}
		if s.isDue(se, now) {
			due = append(due, se)
		}
	}
	s.mu.Unlock()

	for _, se := range due {
		s.fire(ctx, se, now)
	}
}

func (s *Scheduler) isDue(se *ScheduledEvent, now time.Time) bool {
	switch se.Schedule.Kind {
	case KindOnce:
		return !now.Before(se.Schedule.At)
	case KindInterval:
		if se.LastFired.IsZero() {
			return true
		}
		return now.Sub(se.LastFired) >= se.Schedule.Every
	case KindCron:
		base := se.CreatedAt
		if !se.LastFired.IsZero() {
			base = se.LastFired
		}
		return !se.cronSchedule.Next(base).After(now)
	default:
		return false
	}
}

func (s *Scheduler) fire(ctx context.Context, se *ScheduledEvent, now time.Time) {
	s.mu.Lock()
	se.LastFired = now
	se.FireCount++
	if se.Schedule.Kind == KindOnce {
		se.Active = false
	}
	s.mu.Unlock()

	_, err := s.bus.Publish(ctx, event.New(event.SeverityInfo, event.CategoryScheduler, event.Payload{
		Kind: event.KindScheduledEventFired,
		Data: event.ScheduledEventFiredPayload{ScheduleID: se.ID, Name: se.Name},
	}))
	if err != nil {
		s.logger.Error("publish ScheduledEventFired for %s: %v", se.Name, err)
	}
}

// Get returns a snapshot of a registered schedule.
func (s *Scheduler) Get(id uuid.UUID) (ScheduledEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.schedules[id]
	if !ok {
		return ScheduledEvent{}, false
	}
	return *se, true
}

// Count returns the number of registered schedules.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}
