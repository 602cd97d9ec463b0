package convergence

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PlateauEpsilon is the average |delta| threshold below which a
// trajectory is classified Plateau.
const PlateauEpsilon = 0.02

// CycleSimilarityThreshold is the minimum bigram-Jaccard similarity for
// two overseer fingerprints to be considered "the same" during limit
// cycle detection.
const CycleSimilarityThreshold = 0.85

// AttractorKind is the closed set of attractor classifications.
type AttractorKind string

const (
	AttractorFixedPoint    AttractorKind = "fixed_point"
	AttractorLimitCycle    AttractorKind = "limit_cycle"
	AttractorDivergent     AttractorKind = "divergent"
	AttractorPlateau       AttractorKind = "plateau"
	AttractorIndeterminate AttractorKind = "indeterminate"
)

// ConvergenceTendency is the directional hint carried by an Indeterminate
// classification.
type ConvergenceTendency string

const (
	TendencyImproving ConvergenceTendency = "improving"
	TendencyDeclining ConvergenceTendency = "declining"
	TendencyFlat      ConvergenceTendency = "flat"
)

// DivergenceCause is the inferred root cause of a Divergent trajectory,
// driving which recovery strategies the eligibility filter admits.
type DivergenceCause string

const (
	CauseSpecificationAmbiguity DivergenceCause = "specification_ambiguity"
	CauseWrongApproach          DivergenceCause = "wrong_approach"
	CauseAccumulatedRegression  DivergenceCause = "accumulated_regression"
	CauseUnknown                DivergenceCause = "unknown"
)

// AttractorType carries the classification plus the fields specific to
// that classification. Only the fields relevant to Kind are populated;
// the rest are zero values.
type AttractorType struct {
	Kind AttractorKind

	// FixedPoint
	EstimatedRemainingIterations uint32
	EstimatedRemainingTokens     uint64

	// LimitCycle
	Period           uint32
	CycleSignatures  []string

	// Divergent
	DivergenceRate float64
	ProbableCause  DivergenceCause

	// Indeterminate
	Tendency ConvergenceTendency

	// Plateau
	StallDuration uint32
	PlateauLevel  float64
}

// AttractorEvidence captures the raw data behind a classification, for
// inspection and logging.
type AttractorEvidence struct {
	RecentDeltas     []float64 `json:"recent_deltas"`
	RecentSignatures []string  `json:"recent_signatures"`
	Rationale        string    `json:"rationale"`
}

// AttractorState is the trajectory's current attractor diagnosis, updated
// after every observation.
type AttractorState struct {
	Classification AttractorType     `json:"classification"`
	Confidence     float64           `json:"confidence"`
	DetectedAt     *uuid.UUID        `json:"detected_at,omitempty"`
	Evidence       AttractorEvidence `json:"evidence"`
}

// DefaultAttractorState is the starting diagnosis for every new
// trajectory: Indeterminate/Flat, zero confidence, no evidence.
func DefaultAttractorState() AttractorState {
	return AttractorState{
		Classification: AttractorType{Kind: AttractorIndeterminate, Tendency: TendencyFlat},
		Confidence:     0,
		Evidence: AttractorEvidence{
			RecentDeltas:     []float64{},
			RecentSignatures: []string{},
			Rationale:        "No observations yet",
		},
	}
}

// ClassifyAttractor examines the most recent window observations and
// returns the updated AttractorState.
func ClassifyAttractor(observations []Observation, window int) AttractorState {
	start := 0
	if len(observations) > window {
		start = len(observations) - window
	}
	recent := observations[start:]

	if len(recent) < 3 {
		tendency := TendencyFlat
		var detectedAt *uuid.UUID
		deltas := []float64{}
		if len(recent) > 0 {
			last := recent[len(recent)-1]
			detectedAt = &last.ID
			if last.Metrics != nil {
				switch {
				case last.Metrics.ConvergenceDelta > 0:
					tendency = TendencyImproving
				case last.Metrics.ConvergenceDelta < 0:
					tendency = TendencyDeclining
				}
			}
			for _, o := range recent {
				if o.Metrics != nil {
					deltas = append(deltas, o.Metrics.ConvergenceDelta)
				}
			}
		}
		return AttractorState{
			Classification: AttractorType{Kind: AttractorIndeterminate, Tendency: tendency},
			Confidence:     0.2,
			DetectedAt:     detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: []string{},
				Rationale: fmt.Sprintf(
					"Only %d observations available (minimum 3 required for classification)",
					len(recent)),
			},
		}
	}

	var deltas []float64
	for _, o := range recent {
		if o.Metrics != nil {
			deltas = append(deltas, o.Metrics.ConvergenceDelta)
		}
	}

	last := recent[len(recent)-1]
	detectedAt := &last.ID

	if len(deltas) < 2 {
		return AttractorState{
			Classification: AttractorType{Kind: AttractorIndeterminate, Tendency: TendencyFlat},
			Confidence:     0.15,
			DetectedAt:     detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: []string{},
				Rationale:        "Fewer than 2 observations with computed metrics; cannot classify",
			},
		}
	}

	signatures := make([]string, len(recent))
	for i, o := range recent {
		signatures[i] = FingerprintOverseerResults(o.OverseerSignals)
	}

	if period, ok := DetectCycle(signatures); ok {
		return AttractorState{
			Classification: AttractorType{
				Kind:            AttractorLimitCycle,
				Period:          period,
				CycleSignatures: append([]string(nil), signatures...),
			},
			Confidence: 0.85,
			DetectedAt: detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: signatures,
				Rationale:        fmt.Sprintf("Detected repeating overseer fingerprint cycle with period %d", period),
			},
		}
	}

	var absSum float64
	for _, d := range deltas {
		absSum += absF(d)
	}
	avgAbsDelta := absSum / float64(len(deltas))
	if avgAbsDelta < PlateauEpsilon {
		plateauLevel := last.Metrics.Level()
		return AttractorState{
			Classification: AttractorType{
				Kind:          AttractorPlateau,
				StallDuration: uint32(len(deltas)),
				PlateauLevel:  plateauLevel,
			},
			Confidence: 0.75,
			DetectedAt: detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: signatures,
				Rationale: fmt.Sprintf(
					"Average absolute delta %.4f is below plateau threshold %.4f; stalled at level %.3f",
					avgAbsDelta, PlateauEpsilon, plateauLevel),
			},
		}
	}

	negCount := 0
	var sum float64
	for _, d := range deltas {
		sum += d
		if d < 0 {
			negCount++
		}
	}
	negRatio := float64(negCount) / float64(len(deltas))
	if negRatio > 0.7 {
		rate := sum / float64(len(deltas))
		cause := InferDivergenceCause(recent)
		return AttractorState{
			Classification: AttractorType{
				Kind:           AttractorDivergent,
				DivergenceRate: rate,
				ProbableCause:  cause,
			},
			Confidence: 0.7 + (negRatio-0.7)*0.5,
			DetectedAt: detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: signatures,
				Rationale: fmt.Sprintf("%.0f%% of deltas are negative (threshold: 70%%); average rate %.4f",
					negRatio*100, rate),
			},
		}
	}

	posCount := 0
	for _, d := range deltas {
		if d > 0 {
			posCount++
		}
	}
	posRatio := float64(posCount) / float64(len(deltas))
	if posRatio > 0.6 {
		rate := sum / float64(len(deltas))
		level := last.Metrics.Level()
		remaining := EstimateRemainingIterations(rate, level)
		var tokenSum uint64
		for _, o := range recent {
			tokenSum += o.TokensUsed
		}
		avgTokensPerIter := uint64(20000)
		if len(recent) > 0 && tokenSum > 0 {
			avgTokensPerIter = tokenSum / uint64(len(recent))
		}
		estimatedTokens := uint64(remaining) * avgTokensPerIter
		return AttractorState{
			Classification: AttractorType{
				Kind:                          AttractorFixedPoint,
				EstimatedRemainingIterations:  remaining,
				EstimatedRemainingTokens:      estimatedTokens,
			},
			Confidence: 0.6 + (posRatio-0.6)*0.75,
			DetectedAt: detectedAt,
			Evidence: AttractorEvidence{
				RecentDeltas:     deltas,
				RecentSignatures: signatures,
				Rationale: fmt.Sprintf(
					"%.0f%% of deltas are positive (threshold: 60%%); average rate %.4f, current level %.3f, estimated %d iterations remaining",
					posRatio*100, rate, level, remaining),
			},
		}
	}

	tendency := ComputeTendency(deltas)
	return AttractorState{
		Classification: AttractorType{Kind: AttractorIndeterminate, Tendency: tendency},
		Confidence:     0.3,
		DetectedAt:     detectedAt,
		Evidence: AttractorEvidence{
			RecentDeltas:     deltas,
			RecentSignatures: signatures,
			Rationale:        "No attractor pattern matched with sufficient confidence; trajectory behavior is mixed",
		},
	}
}

// DetectCycle tries periods 2, 3, and 4 over the trailing signatures,
// returning the shortest matching period. All-identical signatures are
// never a cycle (that's a plateau).
func DetectCycle(signatures []string) (uint32, bool) {
	if len(signatures) > 0 {
		first := signatures[0]
		allSame := true
		for _, s := range signatures {
			if s != first {
				allSame = false
				break
			}
		}
		if allSame {
			return 0, false
		}
	}

	for period := 2; period <= 4; period++ {
		if len(signatures) < period*2 {
			continue
		}
		recent := signatures[len(signatures)-period*2:]
		firstHalf := recent[:period]
		secondHalf := recent[period:]
		if FuzzySequenceMatch(firstHalf, secondHalf, CycleSimilarityThreshold) {
			return uint32(period), true
		}
	}
	return 0, false
}

// FuzzySequenceMatch reports whether every corresponding pair in a and b
// meets the bigram-Jaccard similarity threshold.
func FuzzySequenceMatch(a, b []string, threshold float64) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if bigramJaccardSimilarity(a[i], b[i]) < threshold {
			return false
		}
	}
	return true
}

func bigramJaccardSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		if a == b {
			return 1.0
		}
		return 0.0
	}

	bigrams := func(r []rune) map[[2]rune]struct{} {
		set := make(map[[2]rune]struct{}, len(r))
		for i := 0; i+1 < len(r); i++ {
			set[[2]rune{r[i], r[i+1]}] = struct{}{}
		}
		return set
	}
	setA, setB := bigrams(ra), bigrams(rb)

	intersection := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// FingerprintOverseerResults reduces overseer signals to a deterministic,
// pipe-separated string fingerprint used for cycle detection.
func FingerprintOverseerResults(signals OverseerSignals) string {
	var parts []string

	if signals.BuildResult != nil {
		if signals.BuildResult.Success {
			parts = append(parts, "build:pass")
		} else {
			parts = append(parts, "build:fail")
		}
	}
	if signals.TypeCheck != nil {
		if signals.TypeCheck.Clean {
			parts = append(parts, "types:clean")
		} else {
			parts = append(parts, fmt.Sprintf("types:%d_errors", signals.TypeCheck.ErrorCount))
		}
	}
	if signals.TestResults != nil {
		t := signals.TestResults
		parts = append(parts, fmt.Sprintf("tests:%d/%dr%d", t.Passed, t.Total, t.RegressionCount))
	}
	if signals.LintResults != nil {
		parts = append(parts, fmt.Sprintf("lint:%d_errors", signals.LintResults.ErrorCount))
	}
	if signals.SecurityScan != nil {
		parts = append(parts, fmt.Sprintf("sec:%dc%dh", signals.SecurityScan.CriticalCount, signals.SecurityScan.HighCount))
	}
	if len(signals.CustomChecks) > 0 {
		passed := 0
		for _, c := range signals.CustomChecks {
			if c.Passed {
				passed++
			}
		}
		parts = append(parts, fmt.Sprintf("custom:%d/%d", passed, len(signals.CustomChecks)))
	}

	if len(parts) == 0 {
		return "no_signals"
	}
	return strings.Join(parts, "|")
}

// InferDivergenceCause examines recent observations to infer why a
// trajectory is diverging, in priority order: AccumulatedRegression,
// SpecificationAmbiguity, WrongApproach, Unknown.
func InferDivergenceCause(recent []Observation) DivergenceCause {
	hasRegressions := false
	for _, o := range recent {
		if o.Metrics != nil && o.Metrics.TestRegressionCount > 0 {
			hasRegressions = true
			break
		}
	}

	hasAmbiguity := false
	for _, o := range recent {
		if o.Verification != nil && o.Verification.HasAmbiguityGaps() {
			hasAmbiguity = true
			break
		}
	}

	signatures := make([]string, len(recent))
	for i, o := range recent {
		signatures[i] = FingerprintOverseerResults(o.OverseerSignals)
	}
	signaturesVary := len(signatures) >= 2
	for i := 0; i+1 < len(signatures) && signaturesVary; i++ {
		if signatures[i] == signatures[i+1] {
			signaturesVary = false
		}
	}

	switch {
	case hasRegressions:
		return CauseAccumulatedRegression
	case hasAmbiguity:
		return CauseSpecificationAmbiguity
	case signaturesVary:
		return CauseWrongApproach
	default:
		return CauseUnknown
	}
}

// EstimateRemainingIterations projects how many more iterations at rate
// are needed to reach convergence level 1.0, clamped to [1, 20].
func EstimateRemainingIterations(rate, level float64) uint32 {
	if rate <= 0 {
		return 20
	}
	remainingDistance := 1.0 - level
	if remainingDistance < 0 {
		remainingDistance = 0
	}
	raw := ceilF(remainingDistance / rate)
	return clampU32(uint32(raw), 1, 20)
}

// ComputeTendency averages the most recent (up to 3) deltas to report a
// directional hint.
func ComputeTendency(deltas []float64) ConvergenceTendency {
	if len(deltas) == 0 {
		return TendencyFlat
	}
	n := len(deltas)
	count := n
	if count > 3 {
		count = 3
	}
	var sum float64
	for _, d := range deltas[n-count:] {
		sum += d
	}
	avg := sum / float64(count)
	switch {
	case avg > PlateauEpsilon:
		return TendencyImproving
	case avg < -PlateauEpsilon:
		return TendencyDeclining
	default:
		return TendencyFlat
	}
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func ceilF(f float64) float64 {
	i := int64(f)
	if f > float64(i) {
		return float64(i + 1)
	}
	return float64(i)
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
