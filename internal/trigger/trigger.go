// Package trigger implements a declarative filter→condition→action rule
// engine, including persisted absence timers for timeout-style automation
// ("if X happened but Y didn't within N seconds, do Z").
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/event"
)

// ConditionKind is the closed set of trigger conditions.
type ConditionKind string

const (
	ConditionAlways         ConditionKind = "always"
	ConditionCountThreshold ConditionKind = "count_threshold"
	ConditionAbsence        ConditionKind = "absence"
)

// Condition evaluates whether a matched event should fire the rule.
type Condition struct {
	Kind ConditionKind

	// CountThreshold
	Count  int
	Window time.Duration

	// Absence
	TriggerType  event.PayloadKind
	ExpectedType event.PayloadKind
	DeadlineSecs int
}

// ActionKind is the closed set of trigger actions.
type ActionKind string

const (
	ActionEmitEvent    ActionKind = "emit_event"
	ActionIssueCommand ActionKind = "issue_command"
	ActionEmitAndIssue ActionKind = "emit_and_issue"
)

// Action describes what happens when a rule fires.
type Action struct {
	Kind    ActionKind
	Event   *event.Event
	Command *command.Command
}

// SerializableEventFilter mirrors event.Filter's matching semantics in a
// form safe for YAML/JSON round-tripping (event.Filter carries *uuid.UUID
// pointers that marshal fine, but this alias documents the wire contract).
type SerializableEventFilter = event.Filter

// Rule is a registered trigger-rule instance.
type Rule struct {
	ID        uuid.UUID
	Name      string
	Filter    SerializableEventFilter
	Condition Condition
	Action    Action
	Cooldown  time.Duration
	Enabled   bool

	FireCount int
	LastFired time.Time

	countWindow []time.Time
}

// Publisher is the subset of bus.Bus the engine needs to emit rule
// actions.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// CommandDispatcher is the subset of command.Bus the engine needs to issue
// commands as rule actions.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, src command.Source, cmd command.Command) (command.Result, error)
}

// AbsenceTimer is a persisted countdown started when a rule's
// Condition.TriggerType fires, cancelled if ExpectedType arrives in scope
// first, else expiring into a synthetic AbsenceTimerExpired event.
type AbsenceTimer struct {
	ID            uuid.UUID
	RuleID        uuid.UUID
	StartedAt     time.Time
	DeadlineSecs  int
	ExpectedType  event.PayloadKind
	TaskID        *uuid.UUID
	CorrelationID uuid.UUID
}

func (t AbsenceTimer) expired(now time.Time) bool {
	return now.Sub(t.StartedAt) >= time.Duration(t.DeadlineSecs)*time.Second
}

// Engine evaluates every journaled event against the registered rule set.
// It registers itself as a single normal-priority dispatcher.Handler whose
// filter matches everything.
type Engine struct {
	pub Publisher
	cmd CommandDispatcher

	mu     sync.Mutex
	rules  map[uuid.UUID]*Rule
	timers map[uuid.UUID]*AbsenceTimer
}

// New constructs an Engine publishing through pub and issuing commands
// through cmd.
func New(pub Publisher, cmd CommandDispatcher) *Engine {
	return &Engine{
		pub:    pub,
		cmd:    cmd,
		rules:  make(map[uuid.UUID]*Rule),
		timers: make(map[uuid.UUID]*AbsenceTimer),
	}
}

// Register adds a new rule, enabled by default.
func (e *Engine) Register(r *Rule) uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Enabled = true
	e.rules[r.ID] = r
	return r.ID
}

// LoadTimer rehydrates a persisted AbsenceTimer on startup.
func (e *Engine) LoadTimer(t AbsenceTimer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[t.ID] = &t
}

// Metadata implements dispatcher.Handler: the trigger engine matches every
// event, at normal priority.
func (e *Engine) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "trigger.engine",
		Name:     "TriggerRuleEngine",
		Priority: dispatcher.PriorityNormal,
	}
}

// Handle implements dispatcher.Handler.
func (e *Engine) Handle(ctx context.Context, ev event.Event) (dispatcher.Reaction, error) {
	e.cancelMatchingTimers(ev)
	expired, err := e.expireTimers(ctx, ev.Time)
	if err != nil {
		return dispatcher.Reaction{Events: expired}, err
	}

	var out []event.Event
	out = append(out, expired...)

	e.mu.Lock()
	var candidates []*Rule
	for _, r := range e.rules {
		if r.Enabled {
			candidates = append(candidates, r)
		}
	}
	e.mu.Unlock()

	for _, r := range candidates {
		fired, err := e.evaluate(ctx, r, ev)
		if err != nil {
			return dispatcher.Reaction{Events: out}, fmt.Errorf("evaluate rule %s: %w", r.Name, err)
		}
		if fired != nil {
			out = append(out, *fired)
		}
	}
	return dispatcher.Reaction{Events: out}, nil
}

func (e *Engine) evaluate(ctx context.Context, r *Rule, ev event.Event) (*event.Event, error) {
	if !r.Filter.Matches(ev) {
		return nil, nil
	}
	if !r.LastFired.IsZero() && ev.Time.Sub(r.LastFired) < r.Cooldown {
		return nil, nil
	}

	fire := false
	switch r.Condition.Kind {
	case ConditionAlways:
		fire = true
	case ConditionCountThreshold:
		e.mu.Lock()
		r.countWindow = append(r.countWindow, ev.Time)
		cutoff := ev.Time.Add(-r.Condition.Window)
		kept := r.countWindow[:0]
		for _, ts := range r.countWindow {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		r.countWindow = kept
		fire = len(r.countWindow) >= r.Condition.Count
		if fire {
			r.countWindow = nil
		}
		e.mu.Unlock()
	case ConditionAbsence:
		if ev.Payload.Kind == r.Condition.TriggerType {
			timer := &AbsenceTimer{
				ID:            uuid.New(),
				RuleID:        r.ID,
				StartedAt:     ev.Time,
				DeadlineSecs:  r.Condition.DeadlineSecs,
				ExpectedType:  r.Condition.ExpectedType,
				TaskID:        ev.TaskID,
				CorrelationID: ev.Correlation(),
			}
			e.mu.Lock()
			e.timers[timer.ID] = timer
			e.mu.Unlock()
		}
		// Absence never fires immediately; firing happens on timer expiry.
		return nil, nil
	}

	if !fire {
		return nil, nil
	}

	r.FireCount++
	r.LastFired = ev.Time

	return e.act(ctx, r, ev)
}

func (e *Engine) act(ctx context.Context, r *Rule, ev event.Event) (*event.Event, error) {
	var produced *event.Event
	if r.Action.Kind == ActionEmitEvent || r.Action.Kind == ActionEmitAndIssue {
		out := event.New(event.SeverityInfo, event.CategoryOrchestrator, event.Payload{
			Kind: event.KindTriggerRuleFired,
			Data: event.TriggerRuleFiredPayload{RuleID: r.ID, Name: r.Name},
		}).WithCorrelation(ev.Correlation())
		produced = &out
	}
	if r.Action.Kind == ActionIssueCommand || r.Action.Kind == ActionEmitAndIssue {
		if r.Action.Command != nil && e.cmd != nil {
			if _, err := e.cmd.Dispatch(ctx, command.Source{Kind: command.SourceEventHandler, Detail: r.Name}, *r.Action.Command); err != nil {
				return produced, fmt.Errorf("issue command for rule %s: %w", r.Name, err)
			}
		}
	}
	return produced, nil
}

// cancelMatchingTimers removes timers whose ExpectedType matches ev's
// payload kind and whose scope (task id or correlation) matches.
func (e *Engine) cancelMatchingTimers(ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		if t.ExpectedType != ev.Payload.Kind {
			continue
		}
		if t.TaskID != nil {
			if ev.TaskID == nil || *ev.TaskID != *t.TaskID {
				continue
			}
		} else if t.CorrelationID != ev.Correlation() {
			continue
		}
		delete(e.timers, id)
	}
}

// expireTimers inspects all remaining timers, and for each whose deadline
// has elapsed emits a synthetic AbsenceTimerExpired event and runs the
// owning rule's action path (the same e.act a matched condition goes
// through), so an absence rule's action actually fires on timeout rather
// than only producing the generic warning event.
func (e *Engine) expireTimers(ctx context.Context, now time.Time) ([]event.Event, error) {
	e.mu.Lock()
	var expired []*AbsenceTimer
	for id, t := range e.timers {
		if !t.expired(now) {
			continue
		}
		expired = append(expired, t)
		delete(e.timers, id)
	}
	e.mu.Unlock()

	var out []event.Event
	for _, t := range expired {
		warn := event.New(event.SeverityWarning, event.CategoryOrchestrator, event.Payload{
			Kind: event.KindAbsenceTimerExpired,
			Data: event.AbsenceTimerExpiredPayload{TimerID: t.ID, RuleID: t.RuleID},
		}).WithCorrelation(t.CorrelationID)
		out = append(out, warn)

		e.mu.Lock()
		r := e.rules[t.RuleID]
		if r != nil {
			r.FireCount++
			r.LastFired = now
		}
		e.mu.Unlock()
		if r == nil {
			continue
		}

		produced, err := e.act(ctx, r, warn)
		if produced != nil {
			out = append(out, *produced)
		}
		if err != nil {
			return out, fmt.Errorf("act on expired timer for rule %s: %w", r.Name, err)
		}
	}
	return out, nil
}

// Timers returns a snapshot of all active absence timers, for persistence.
func (e *Engine) Timers() []AbsenceTimer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AbsenceTimer, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, *t)
	}
	return out
}
