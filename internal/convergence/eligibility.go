package convergence

// EligibleStrategies is a stateless, exhaustively testable pure function
// of (attractor, fresh-start count, policy). The trajectory's remaining
// budget is not an input and does not affect the result.
func EligibleStrategies(attractor AttractorState, totalFreshStarts int, policy Policy) []StrategyKind {
	freshStartAvailable := totalFreshStarts < policy.MaxFreshStarts

	switch attractor.Classification.Kind {
	case AttractorFixedPoint:
		// Only exploitation strategies are eligible — refine the
		// current, working approach.
		return append([]StrategyKind(nil), exploitationStrategies...)

	case AttractorLimitCycle:
		// Only exploration strategies are eligible — never
		// RetryWithFeedback, which is what trapped the trajectory.
		out := make([]StrategyKind, 0, len(explorationStrategies))
		for _, s := range explorationStrategies {
			if s == StrategyFreshStart && !freshStartAvailable {
				continue
			}
			out = append(out, s)
		}
		return out

	case AttractorDivergent:
		switch attractor.Classification.ProbableCause {
		case CauseAccumulatedRegression:
			return []StrategyKind{StrategyRevertAndBranch}
		case CauseSpecificationAmbiguity:
			return []StrategyKind{StrategyArchitectReview, StrategyReframe}
		case CauseWrongApproach:
			return []StrategyKind{StrategyAlternativeApproach, StrategyReframe}
		default:
			return []StrategyKind{StrategyRetryWithFeedback, StrategyAlternativeApproach}
		}

	case AttractorPlateau:
		// A fresh start is offered while the quota allows; decomposition
		// is added once the stall lasts 3+ iterations or the quota is spent.
		var out []StrategyKind
		if freshStartAvailable {
			out = append(out, StrategyFreshStart)
		}
		if attractor.Classification.StallDuration >= 3 || !freshStartAvailable {
			out = append(out, StrategyDecompose)
		}
		if len(out) == 0 {
			out = append(out, StrategyRetryWithFeedback)
		}
		return out

	default: // AttractorIndeterminate
		out := []StrategyKind{StrategyRetryWithFeedback, StrategyAlternativeApproach}
		if freshStartAvailable {
			out = append(out, StrategyFreshStart)
		}
		return out
	}
}
