package convergence

// Policy governs a trajectory's acceptance and risk-tolerance behavior.
type Policy struct {
	AcceptanceThreshold    float64 `json:"acceptance_threshold"`
	PartialAcceptance      bool    `json:"partial_acceptance"`
	PartialThreshold       float64 `json:"partial_threshold"`
	SkipExpensiveOverseers bool    `json:"skip_expensive_overseers"`
	MaxFreshStarts         int     `json:"max_fresh_starts"`
}

// DefaultPolicy returns the baseline policy applied to freshly-prepared
// trajectories.
func DefaultPolicy() Policy {
	return Policy{
		AcceptanceThreshold: 0.95,
		PartialThreshold:    0.70,
		MaxFreshStarts:      3,
	}
}

// SLA hint strings carried in task.Context hints, consumed by
// ApplySLAPressure.
const (
	HintSLAWarning  = "sla:warning"
	HintSLACritical = "sla:critical"
)

// ApplySLAPressure tightens acceptance thresholds and enables partial
// acceptance when the task carries an SLA pressure hint:
//
//   - sla:critical: acceptance_threshold capped at 0.80, partial
//     acceptance enabled with threshold capped at 0.50, expensive
//     overseers skipped.
//   - sla:warning: acceptance_threshold capped at 0.85, partial
//     acceptance enabled with threshold capped at 0.60.
func ApplySLAPressure(hints []string, policy *Policy) {
	critical, warning := false, false
	for _, h := range hints {
		switch h {
		case HintSLACritical:
			critical = true
		case HintSLAWarning:
			warning = true
		}
	}

	switch {
	case critical:
		policy.AcceptanceThreshold = minF(policy.AcceptanceThreshold, 0.80)
		policy.PartialAcceptance = true
		policy.PartialThreshold = minF(policy.PartialThreshold, 0.50)
		policy.SkipExpensiveOverseers = true
	case warning:
		policy.AcceptanceThreshold = minF(policy.AcceptanceThreshold, 0.85)
		policy.PartialAcceptance = true
		policy.PartialThreshold = minF(policy.PartialThreshold, 0.60)
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
