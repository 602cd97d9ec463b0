// Package convergence implements the per-task iterative refinement loop:
// a trajectory through solution space, observed via overseer signals
// after each substrate invocation, classified into an attractor state,
// and driven toward convergence, exhaustion, or decomposition by a
// Beta-bandit strategy selector.
//
// Generalized from a single-shot, bounded-fan-out agent dispatch into a
// stateful, resumable iteration loop; the bounded-concurrency fan-out
// pattern survives in parallel.go, now via errgroup.
package convergence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ArtifactReference identifies the work product of one iteration: a
// worktree-relative path plus a content hash, used both for storage and
// for cheap equality checks across observations.
type ArtifactReference struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// BuildResult reports whether the artifact compiles.
type BuildResult struct {
	Success    bool     `json:"success"`
	ErrorCount int      `json:"error_count"`
	Errors     []string `json:"errors,omitempty"`
}

// TypeCheckResult reports static type-checking outcome.
type TypeCheckResult struct {
	Clean      bool `json:"clean"`
	ErrorCount int  `json:"error_count"`
}

// TestResults reports the test-suite outcome, including regressions
// relative to the prior observation.
type TestResults struct {
	Passed           int      `json:"passed"`
	Failed           int      `json:"failed"`
	Skipped          int      `json:"skipped"`
	Total            int      `json:"total"`
	RegressionCount  int      `json:"regression_count"`
	FailingTestNames []string `json:"failing_test_names,omitempty"`
}

// LintResults reports static-analysis findings.
type LintResults struct {
	ErrorCount int `json:"error_count"`
}

// SecurityScanResult reports vulnerability-scan findings.
type SecurityScanResult struct {
	CriticalCount int `json:"critical_count"`
	HighCount     int `json:"high_count"`
}

// CustomCheck is one named pass/fail project-specific check.
type CustomCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// OverseerSignals is the full set of measurements an overseer run can
// produce for one artifact. Every field is optional since a given
// trajectory's policy may skip expensive overseers under SLA pressure.
type OverseerSignals struct {
	BuildResult   *BuildResult        `json:"build_result,omitempty"`
	TypeCheck     *TypeCheckResult    `json:"type_check,omitempty"`
	TestResults   *TestResults        `json:"test_results,omitempty"`
	LintResults   *LintResults        `json:"lint_results,omitempty"`
	SecurityScan  *SecurityScanResult `json:"security_scan,omitempty"`
	CustomChecks  []CustomCheck       `json:"custom_checks,omitempty"`
}

// VerificationResult carries an independent review pass over the artifact,
// used both for general pass/fail feedback and ambiguity detection (which
// feeds divergence-cause inference).
type VerificationResult struct {
	Passed         bool     `json:"passed"`
	AmbiguityGaps  []string `json:"ambiguity_gaps,omitempty"`
	Feedback       string   `json:"feedback,omitempty"`
}

// HasAmbiguityGaps reports whether verification flagged the specification
// as ambiguous.
func (v VerificationResult) HasAmbiguityGaps() bool {
	return len(v.AmbiguityGaps) > 0
}

// ObservationMetrics holds the deltas computed against the prior
// observation. Absent (nil) on the first observation of a trajectory,
// which has no predecessor to diff against.
type ObservationMetrics struct {
	ASTDiffNodes        int     `json:"ast_diff_nodes"`
	TestPassDelta        int     `json:"test_pass_delta"`
	TestRegressionCount  int     `json:"test_regression_count"`
	ErrorCountDelta      int     `json:"error_count_delta"`
	VulnerabilityDelta   int     `json:"vulnerability_delta"`
	ConvergenceDelta     float64 `json:"convergence_delta"`
	ConvergenceLevel     float64 `json:"convergence_level"`
	IntentBlendedLevel   *float64 `json:"intent_blended_level,omitempty"`
}

// Level returns the intent-blended level when present, else the raw
// convergence level — the same fallback used throughout attractor
// classification.
func (m ObservationMetrics) Level() float64 {
	if m.IntentBlendedLevel != nil {
		return *m.IntentBlendedLevel
	}
	return m.ConvergenceLevel
}

// Observation is one iteration's recorded result.
type Observation struct {
	ID             uuid.UUID            `json:"id"`
	Sequence       int                  `json:"sequence"`
	Timestamp      time.Time            `json:"timestamp"`
	Artifact       ArtifactReference    `json:"artifact"`
	OverseerSignals OverseerSignals     `json:"overseer_signals"`
	Verification   *VerificationResult  `json:"verification,omitempty"`
	Metrics        *ObservationMetrics  `json:"metrics,omitempty"`
	TokensUsed     uint64               `json:"tokens_used"`
	WallTimeMS     uint64               `json:"wall_time_ms"`
	StrategyUsed   StrategyKind         `json:"strategy_used"`
}

// SubstrateConfig bounds a single substrate invocation.
type SubstrateConfig struct {
	MaxTurns   int    `json:"max_turns"`
	WorkingDir string `json:"working_dir"`
}

// SubstrateRequest bundles task identity, agent selection, prompts, and
// invocation bounds for one substrate call.
type SubstrateRequest struct {
	TaskID       uuid.UUID       `json:"task_id"`
	AgentType    string          `json:"agent_type"`
	SystemPrompt string          `json:"system_prompt"`
	UserPrompt   string          `json:"user_prompt"`
	Config       SubstrateConfig `json:"config"`
}

// SubstrateResponse is the substrate's reply to one invocation.
type SubstrateResponse struct {
	Messages    []string `json:"messages"`
	TotalTokens uint64   `json:"total_tokens"`
}

// Substrate is the pluggable agent-runtime contract. Real implementations
// (CLI-backed, mock) live outside this package.
type Substrate interface {
	Execute(ctx context.Context, req SubstrateRequest) (SubstrateResponse, error)
}

// Overseer is the pluggable measurement contract: given an artifact,
// produce the signals that drive metric computation and attractor
// classification.
type Overseer interface {
	Measure(ctx context.Context, artifact ArtifactReference) (OverseerSignals, error)
}

// WorktreeResetter performs the FreshStart strategy's worktree reset
// (`git checkout -- .` then `git clean -fd`). The actual git plumbing is
// out of scope for this package; callers inject their own implementation.
type WorktreeResetter interface {
	Reset(ctx context.Context, workingDir string) error
}

// PromptBuilder bridges (task context, trajectory, strategy) into the user
// prompt handed to the substrate. Out of scope here beyond the interface:
// real prompt construction depends on task/goal context this package does
// not own.
type PromptBuilder interface {
	Build(trajectory *Trajectory, strategy StrategyKind) string
}
