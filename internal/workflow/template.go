// Package workflow implements a deterministic phase DAG: a named, ordered
// sequence of phases driven entirely by repository state (no LLM calls),
// with fan-out/fan-in, verification gates, and human review gates.
//
// Generalized from a single-node Pending→Running→Succeeded/Failed
// lifecycle to a richer per-phase state machine. State.transition updates
// the State in place without taking a lock and returns only an error.
package workflow

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

// Phase describes one step of a WorkflowTemplate.
type Phase struct {
	Name     string   `toml:"name" json:"name"`
	Role     string   `toml:"role" json:"role"`
	ToolSet  []string `toml:"tool_set" json:"tool_set"`
	ReadOnly bool     `toml:"read_only" json:"read_only"`
	FanOut   int      `toml:"fan_out,omitempty" json:"fan_out,omitempty"`
	Verify   bool     `toml:"verify" json:"verify"`
}

// isGate reports whether phase is one of the human-review gate phases.
func (p Phase) isGate() bool {
	return p.Name == "triage" || p.Name == "review"
}

// WorkflowTemplate is a named, ordered sequence of phases, loaded from
// TOML (go-toml/v2, promoted here to a direct, exercised dependency) or
// JSON.
type WorkflowTemplate struct {
	Name                   string  `toml:"name" json:"name"`
	Phases                 []Phase `toml:"phases" json:"phases"`
	MaxVerificationRetries int     `toml:"max_verification_retries" json:"max_verification_retries"`
}

// ParseTemplateTOML decodes a WorkflowTemplate from TOML document bytes.
func ParseTemplateTOML(data []byte) (*WorkflowTemplate, error) {
	var wt WorkflowTemplate
	if err := toml.Unmarshal(data, &wt); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}
	if err := wt.validate(); err != nil {
		return nil, err
	}
	return &wt, nil
}

func (wt *WorkflowTemplate) validate() error {
	if wt.Name == "" {
		return fmt.Errorf("workflow template: name is required")
	}
	if len(wt.Phases) == 0 {
		return fmt.Errorf("workflow template %s: at least one phase is required", wt.Name)
	}
	if wt.MaxVerificationRetries <= 0 {
		wt.MaxVerificationRetries = 2
	}
	return nil
}

// Phase looks up a phase by index, reporting ok=false when idx is out of
// range.
func (wt *WorkflowTemplate) Phase(idx int) (Phase, bool) {
	if idx < 0 || idx >= len(wt.Phases) {
		return Phase{}, false
	}
	return wt.Phases[idx], true
}
