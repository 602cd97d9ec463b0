package convergence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func obs(seq int, delta *float64, level float64, regressions int) Observation {
	var metrics *ObservationMetrics
	if delta != nil {
		metrics = &ObservationMetrics{ConvergenceDelta: *delta, ConvergenceLevel: level, TestRegressionCount: regressions}
	}
	return Observation{ID: uuid.New(), Sequence: seq, Metrics: metrics, TokensUsed: 20000}
}

func f(v float64) *float64 { return &v }

func TestClassifyTooFewObservationsIsIndeterminate(t *testing.T) {
	observations := []Observation{obs(0, nil, 0, 0), obs(1, f(0.1), 0.1, 0)}
	result := ClassifyAttractor(observations, 5)
	require.Equal(t, AttractorIndeterminate, result.Classification.Kind)
}

func TestClassifyIndeterminateTendencyImproving(t *testing.T) {
	observations := []Observation{obs(0, nil, 0, 0), obs(1, f(0.5), 0.3, 0)}
	result := ClassifyAttractor(observations, 5)
	require.Equal(t, AttractorIndeterminate, result.Classification.Kind)
	require.Equal(t, TendencyImproving, result.Classification.Tendency)
}

func TestClassifyFixedPoint(t *testing.T) {
	observations := []Observation{
		obs(0, nil, 0, 0),
		obs(1, f(0.15), 0.15, 0),
		obs(2, f(0.12), 0.27, 0),
		obs(3, f(0.10), 0.37, 0),
		obs(4, f(0.08), 0.45, 0),
	}
	result := ClassifyAttractor(observations, 5)
	require.Equal(t, AttractorFixedPoint, result.Classification.Kind)
	require.GreaterOrEqual(t, result.Classification.EstimatedRemainingIterations, uint32(1))
}

func TestClassifyDivergent(t *testing.T) {
	observations := []Observation{
		obs(0, nil, 0.5, 0),
		obs(1, f(-0.10), 0.40, 0),
		obs(2, f(-0.08), 0.32, 0),
		obs(3, f(-0.12), 0.20, 0),
		obs(4, f(-0.05), 0.15, 0),
	}
	result := ClassifyAttractor(observations, 5)
	require.Equal(t, AttractorDivergent, result.Classification.Kind)
	require.Less(t, result.Classification.DivergenceRate, 0.0)
}

func TestClassifyPlateau(t *testing.T) {
	observations := []Observation{
		obs(0, nil, 0.5, 0),
		obs(1, f(0.005), 0.505, 0),
		obs(2, f(-0.003), 0.502, 0),
		obs(3, f(0.002), 0.504, 0),
		obs(4, f(-0.001), 0.503, 0),
	}
	result := ClassifyAttractor(observations, 5)
	require.Equal(t, AttractorPlateau, result.Classification.Kind)
	require.GreaterOrEqual(t, result.Classification.StallDuration, uint32(2))
}

func TestDetectCyclePeriod2(t *testing.T) {
	sigs := []string{
		"build:pass|tests:5/10r0",
		"build:pass|tests:8/10r2",
		"build:pass|tests:5/10r0",
		"build:pass|tests:8/10r2",
	}
	period, ok := DetectCycle(sigs)
	require.True(t, ok)
	require.Equal(t, uint32(2), period)
}

func TestDetectCycleNoCycle(t *testing.T) {
	sigs := []string{
		"build:pass|tests:5/10r0",
		"build:pass|tests:6/10r0",
		"build:pass|tests:7/10r0",
		"build:pass|tests:8/10r0",
	}
	_, ok := DetectCycle(sigs)
	require.False(t, ok)
}

func TestDetectCycleAllIdenticalIsNotACycle(t *testing.T) {
	sigs := []string{"build:pass", "build:pass", "build:pass", "build:pass"}
	_, ok := DetectCycle(sigs)
	require.False(t, ok)
}

func TestFuzzySequenceMatchIdentical(t *testing.T) {
	a := []string{"abc", "def"}
	b := []string{"abc", "def"}
	require.True(t, FuzzySequenceMatch(a, b, 0.85))
}

func TestFuzzySequenceMatchDifferent(t *testing.T) {
	a := []string{"abc", "def"}
	b := []string{"xyz", "uvw"}
	require.False(t, FuzzySequenceMatch(a, b, 0.85))
}

func TestFuzzySequenceMatchLengthMismatch(t *testing.T) {
	require.False(t, FuzzySequenceMatch([]string{"abc"}, []string{"abc", "def"}, 0.85))
}

func TestFingerprintEmptySignals(t *testing.T) {
	require.Equal(t, "no_signals", FingerprintOverseerResults(OverseerSignals{}))
}

func TestFingerprintWithTestResults(t *testing.T) {
	signals := OverseerSignals{TestResults: &TestResults{Passed: 8, Failed: 2, Total: 10, RegressionCount: 1}}
	require.Contains(t, FingerprintOverseerResults(signals), "tests:8/10r1")
}

func TestFingerprintDeterministic(t *testing.T) {
	signals := OverseerSignals{
		BuildResult: &BuildResult{Success: true},
		TestResults: &TestResults{Passed: 5, Failed: 5, Total: 10},
	}
	require.Equal(t, FingerprintOverseerResults(signals), FingerprintOverseerResults(signals))
}

func TestEstimateRemainingBasic(t *testing.T) {
	require.Equal(t, uint32(5), EstimateRemainingIterations(0.1, 0.5))
}

func TestEstimateRemainingZeroRate(t *testing.T) {
	require.Equal(t, uint32(20), EstimateRemainingIterations(0.0, 0.5))
}

func TestEstimateRemainingNegativeRate(t *testing.T) {
	require.Equal(t, uint32(20), EstimateRemainingIterations(-0.1, 0.5))
}

func TestEstimateRemainingNearDone(t *testing.T) {
	require.Equal(t, uint32(1), EstimateRemainingIterations(0.1, 0.95))
}

func TestEstimateRemainingClampHigh(t *testing.T) {
	require.Equal(t, uint32(20), EstimateRemainingIterations(0.001, 0.0))
}

func TestInferRegressionCause(t *testing.T) {
	observations := []Observation{obs(0, f(-0.1), 0.4, 3), obs(1, f(-0.1), 0.3, 2)}
	require.Equal(t, CauseAccumulatedRegression, InferDivergenceCause(observations))
}

func TestInferUnknownCauseWithIdenticalSignatures(t *testing.T) {
	observations := []Observation{obs(0, f(-0.1), 0.4, 0), obs(1, f(-0.1), 0.3, 0)}
	require.Equal(t, CauseUnknown, InferDivergenceCause(observations))
}

func TestComputeTendencyImproving(t *testing.T) {
	require.Equal(t, TendencyImproving, ComputeTendency([]float64{0.05, 0.10, 0.08}))
}

func TestComputeTendencyDeclining(t *testing.T) {
	require.Equal(t, TendencyDeclining, ComputeTendency([]float64{-0.05, -0.10, -0.08}))
}

func TestComputeTendencyFlat(t *testing.T) {
	require.Equal(t, TendencyFlat, ComputeTendency([]float64{0.001, -0.001, 0.0}))
}

func TestComputeTendencyEmpty(t *testing.T) {
	require.Equal(t, TendencyFlat, ComputeTendency(nil))
}

func TestDefaultAttractorState(t *testing.T) {
	state := DefaultAttractorState()
	require.Equal(t, AttractorIndeterminate, state.Classification.Kind)
	require.Equal(t, TendencyFlat, state.Classification.Tendency)
	require.Zero(t, state.Confidence)
	require.Nil(t, state.DetectedAt)
}
