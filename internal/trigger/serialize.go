package trigger

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/odgrim/abathur-swarm/internal/event"
)

// wireRule is the YAML-safe projection of a Rule: Command actions are
// dropped from the round-trip (they reference live command.Command values,
// not data) — serialization scopes a TriggerRule to filter+condition+
// action *shape*, not a live command payload.
type wireRule struct {
	ID         uuid.UUID     `yaml:"id"`
	Name       string        `yaml:"name"`
	Filter     wireFilter    `yaml:"filter"`
	Condition  wireCondition `yaml:"condition"`
	ActionKind ActionKind    `yaml:"action_kind"`
	Cooldown   time.Duration `yaml:"cooldown"`
	Enabled    bool          `yaml:"enabled"`
	FireCount  int           `yaml:"fire_count"`
	LastFired  time.Time     `yaml:"last_fired"`
}

type wireFilter struct {
	Categories  []event.Category   `yaml:"categories,omitempty"`
	Kinds       []event.PayloadKind `yaml:"kinds,omitempty"`
	MinSeverity event.Severity     `yaml:"min_severity"`
}

type wireCondition struct {
	Kind         ConditionKind     `yaml:"kind"`
	Count        int               `yaml:"count,omitempty"`
	Window       time.Duration     `yaml:"window,omitempty"`
	TriggerType  event.PayloadKind `yaml:"trigger_type,omitempty"`
	ExpectedType event.PayloadKind `yaml:"expected_type,omitempty"`
	DeadlineSecs int               `yaml:"deadline_secs,omitempty"`
}

// MarshalYAML serializes r's filter/condition/action shape for on-disk
// persistence.
func MarshalYAML(r *Rule) ([]byte, error) {
	w := wireRule{
		ID:   r.ID,
		Name: r.Name,
		Filter: wireFilter{
			Categories:  r.Filter.Categories,
			Kinds:       r.Filter.Kinds,
			MinSeverity: r.Filter.MinSeverity,
		},
		Condition: wireCondition{
			Kind:         r.Condition.Kind,
			Count:        r.Condition.Count,
			Window:       r.Condition.Window,
			TriggerType:  r.Condition.TriggerType,
			ExpectedType: r.Condition.ExpectedType,
			DeadlineSecs: r.Condition.DeadlineSecs,
		},
		ActionKind: r.Action.Kind,
		Cooldown:   r.Cooldown,
		Enabled:    r.Enabled,
		FireCount:  r.FireCount,
		LastFired:  r.LastFired,
	}
	return yaml.Marshal(w)
}

// UnmarshalYAML deserializes a Rule previously written by MarshalYAML. The
// resulting Rule's Action.Command is always nil; callers rewire the live
// command payload after load.
func UnmarshalYAML(data []byte) (*Rule, error) {
	var w wireRule
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &Rule{
		ID:   w.ID,
		Name: w.Name,
		Filter: event.Filter{
			Categories:  w.Filter.Categories,
			Kinds:       w.Filter.Kinds,
			MinSeverity: w.Filter.MinSeverity,
		},
		Condition: Condition{
			Kind:         w.Condition.Kind,
			Count:        w.Condition.Count,
			Window:       w.Condition.Window,
			TriggerType:  w.Condition.TriggerType,
			ExpectedType: w.Condition.ExpectedType,
			DeadlineSecs: w.Condition.DeadlineSecs,
		},
		Action:    Action{Kind: w.ActionKind},
		Cooldown:  w.Cooldown,
		Enabled:   w.Enabled,
		FireCount: w.FireCount,
		LastFired: w.LastFired,
	}, nil
}

// wireAbsenceTimer is the YAML-safe projection of an AbsenceTimer.
type wireAbsenceTimer struct {
	ID            uuid.UUID         `yaml:"id"`
	RuleID        uuid.UUID         `yaml:"rule_id"`
	StartedAt     time.Time         `yaml:"started_at"`
	DeadlineSecs  int               `yaml:"deadline_secs"`
	ExpectedType  event.PayloadKind `yaml:"expected_type"`
	TaskID        *uuid.UUID        `yaml:"task_id,omitempty"`
	CorrelationID uuid.UUID         `yaml:"correlation_id"`
}

// MarshalTimerYAML serializes an AbsenceTimer for durable storage.
func MarshalTimerYAML(t AbsenceTimer) ([]byte, error) {
	return yaml.Marshal(wireAbsenceTimer{
		ID:            t.ID,
		RuleID:        t.RuleID,
		StartedAt:     t.StartedAt,
		DeadlineSecs:  t.DeadlineSecs,
		ExpectedType:  t.ExpectedType,
		TaskID:        t.TaskID,
		CorrelationID: t.CorrelationID,
	})
}

// UnmarshalTimerYAML deserializes an AbsenceTimer previously written by
// MarshalTimerYAML.
func UnmarshalTimerYAML(data []byte) (AbsenceTimer, error) {
	var w wireAbsenceTimer
	if err := yaml.Unmarshal(data, &w); err != nil {
		return AbsenceTimer{}, err
	}
	return AbsenceTimer{
		ID:            w.ID,
		RuleID:        w.RuleID,
		StartedAt:     w.StartedAt,
		DeadlineSecs:  w.DeadlineSecs,
		ExpectedType:  w.ExpectedType,
		TaskID:        w.TaskID,
		CorrelationID: w.CorrelationID,
	}, nil
}
