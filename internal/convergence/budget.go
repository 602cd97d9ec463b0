package convergence

import "time"

// Budget bounds a trajectory's total resource consumption, capped by the
// task deadline on prepare.
type Budget struct {
	MaxIterations int           `json:"max_iterations"`
	MaxTokens     uint64        `json:"max_tokens"`
	MaxWallTime   time.Duration `json:"max_wall_time"`

	IterationsUsed int           `json:"iterations_used"`
	TokensUsed     uint64        `json:"tokens_used"`
	WallTimeUsed   time.Duration `json:"wall_time_used"`

	// ExtensionGranted records whether RequestExtension has already been
	// used — it may be granted at most once per trajectory.
	ExtensionGranted bool `json:"extension_granted"`
}

// Exhausted reports whether any budget dimension has been consumed.
func (b Budget) Exhausted() bool {
	return b.IterationsUsed >= b.MaxIterations ||
		b.TokensUsed >= b.MaxTokens ||
		b.WallTimeUsed >= b.MaxWallTime
}

// RemainingFraction reports the fraction of iteration budget remaining,
// in [0, 1]; used to report SLA/progress context alongside events.
func (b Budget) RemainingFraction() float64 {
	if b.MaxIterations <= 0 {
		return 0
	}
	remaining := b.MaxIterations - b.IterationsUsed
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining) / float64(b.MaxIterations)
}

// Scale returns a copy of b with every ceiling multiplied by factor and
// consumption reset to zero, used to partition budget across parallel
// samples (each sample consumes 1/N of the budget in phase 1).
func (b Budget) Scale(factor float64) Budget {
	return Budget{
		MaxIterations: int(float64(b.MaxIterations) * factor),
		MaxTokens:     uint64(float64(b.MaxTokens) * factor),
		MaxWallTime:   time.Duration(float64(b.MaxWallTime) * factor),
	}
}

// CapWallTime lowers MaxWallTime to at most cap, used to enforce an SLA
// deadline on prepare.
func (b *Budget) CapWallTime(cap time.Duration) {
	if cap < b.MaxWallTime {
		b.MaxWallTime = cap
	}
}

// RequestExtension grants a one-time budget increase: +3 iterations and
// +30% tokens. Returns false if an extension was already granted.
func (b *Budget) RequestExtension() bool {
	if b.ExtensionGranted {
		return false
	}
	b.MaxIterations += 3
	b.MaxTokens += uint64(float64(b.MaxTokens) * 0.3)
	b.ExtensionGranted = true
	return true
}
