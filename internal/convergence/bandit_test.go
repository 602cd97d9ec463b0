package convergence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectWithSingleEligibleStrategyReturnsItWithoutSampling(t *testing.T) {
	b := NewStrategyBandit()
	strategy, err := b.Select(AttractorFixedPoint, []StrategyKind{StrategyRetryWithFeedback})
	require.NoError(t, err)
	require.Equal(t, StrategyRetryWithFeedback, strategy)
}

func TestSelectWithNoEligibleStrategiesErrors(t *testing.T) {
	b := NewStrategyBandit()
	_, err := b.Select(AttractorLimitCycle, nil)
	require.Error(t, err)
}

func TestSelectExploresUnpulledArmsFirst(t *testing.T) {
	b := NewStrategyBandit()
	eligible := []StrategyKind{StrategyFreshStart, StrategyAlternativeApproach, StrategyReframe}

	seen := make(map[StrategyKind]bool)
	for i := 0; i < len(eligible); i++ {
		strategy, err := b.Select(AttractorLimitCycle, eligible)
		require.NoError(t, err)
		require.False(t, seen[strategy], "expected each never-pulled arm to be explored before any repeats")
		seen[strategy] = true
		b.Update(AttractorLimitCycle, strategy, -0.01)
	}
	require.Len(t, seen, len(eligible))
}

func TestUpdateIncrementsAlphaOnPositiveDelta(t *testing.T) {
	b := NewStrategyBandit()
	b.Update(AttractorFixedPoint, StrategyRetryWithFeedback, 0.1)
	arm := b.armFor(AttractorFixedPoint, StrategyRetryWithFeedback)
	require.Equal(t, 2.0, arm.Alpha)
	require.Equal(t, 1.0, arm.Beta)
	require.Equal(t, 1, arm.Pulls)
}

func TestUpdateIncrementsBetaOnNonPositiveDelta(t *testing.T) {
	b := NewStrategyBandit()
	b.Update(AttractorFixedPoint, StrategyRetryWithFeedback, -0.1)
	arm := b.armFor(AttractorFixedPoint, StrategyRetryWithFeedback)
	require.Equal(t, 1.0, arm.Alpha)
	require.Equal(t, 2.0, arm.Beta)
}

func TestPreferredArmWinsAfterEnoughPulls(t *testing.T) {
	b := NewStrategyBandit()
	eligible := []StrategyKind{StrategyRetryWithFeedback, StrategyAlternativeApproach}

	// Pull both arms once to exit the "unpulled" exploration phase, then
	// feed RetryWithFeedback consistent success and the other consistent
	// failure; its higher posterior mean should dominate UCB1 scoring
	// after enough pulls shrink the confidence bound.
	b.Update(AttractorIndeterminate, StrategyRetryWithFeedback, 0.1)
	b.Update(AttractorIndeterminate, StrategyAlternativeApproach, -0.1)
	for i := 0; i < 50; i++ {
		b.Update(AttractorIndeterminate, StrategyRetryWithFeedback, 0.1)
		b.Update(AttractorIndeterminate, StrategyAlternativeApproach, -0.1)
	}

	strategy, err := b.Select(AttractorIndeterminate, eligible)
	require.NoError(t, err)
	require.Equal(t, StrategyRetryWithFeedback, strategy)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := NewStrategyBandit()
	b.Update(AttractorDivergent, StrategyRevertAndBranch, 0.2)
	b.Update(AttractorDivergent, StrategyRevertAndBranch, -0.1)

	snap := b.Snapshot()
	require.Len(t, snap, 1)

	restored := Restore(snap)
	arm := restored.armFor(AttractorDivergent, StrategyRevertAndBranch)
	require.Equal(t, 2.0, arm.Alpha)
	require.Equal(t, 2.0, arm.Beta)
	require.Equal(t, 2, arm.Pulls)
	require.Equal(t, 2, restored.totalPulls)
}
