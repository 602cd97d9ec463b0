package convergence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/logging"
)

// Publisher is the minimal event-bus subset the engine needs, matching
// the same narrowing pattern used by internal/trigger and
// internal/workflow to avoid importing the concrete bus.Bus type.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// LoopControl is the decision made at the end of one iteration.
type LoopControl string

const (
	LoopContinue         LoopControl = "continue"
	LoopConverged        LoopControl = "converged"
	LoopExhausted        LoopControl = "exhausted"
	LoopTrapped          LoopControl = "trapped"
	LoopDecompose        LoopControl = "decompose"
	LoopRequestExtension LoopControl = "request_extension"
)

// OutcomeKind is the closed set of terminal outcomes reported to the
// caller (orchestrator) once the sequential loop exits.
type OutcomeKind string

const (
	OutcomeConverged       OutcomeKind = "converged"
	OutcomePartialAccepted OutcomeKind = "partial_accepted"
	OutcomeDecomposed      OutcomeKind = "decomposed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeCancelled       OutcomeKind = "cancelled"
)

// Outcome is returned by RunSequential/RunParallel.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Engine runs the convergence loop's granular primitives. The
// orchestrator (or RunSequential/RunParallel below) owns sequencing so
// that substrate execution can be injected between strategy selection
// and observation recording.
type Engine struct {
	Repo       Repository
	Substrate  Substrate
	Overseer   Overseer
	Resetter   WorktreeResetter
	Prompts    PromptBuilder
	Publisher  Publisher

	// Window is the sliding window size for attractor classification.
	Window int

	// Logger receives panic reports from RunParallel's sample goroutines.
	// Nil-safe: defaults to a no-op logger.
	Logger logging.Logger
}

// NewEngine constructs an Engine with a default window of 6.
func NewEngine(repo Repository, substrate Substrate, overseer Overseer, resetter WorktreeResetter, prompts PromptBuilder, pub Publisher) *Engine {
	return &Engine{
		Repo:      repo,
		Substrate: substrate,
		Overseer:  overseer,
		Resetter:  resetter,
		Prompts:   prompts,
		Publisher: pub,
		Window:    6,
		Logger:    logging.Nop(),
	}
}

// InitializeBandit rehydrates a StrategyBandit from the trajectory's
// persisted arm snapshot, or a fresh one if empty.
func (e *Engine) InitializeBandit(t *Trajectory) *StrategyBandit {
	if len(t.BanditArms) == 0 {
		return NewStrategyBandit()
	}
	return Restore(t.BanditArms)
}

// SelectStrategy honors ForcedStrategy when set; otherwise computes the
// eligible set and delegates to the bandit.
func (e *Engine) SelectStrategy(t *Trajectory, bandit *StrategyBandit) (StrategyKind, error) {
	if t.ForcedStrategy != nil {
		return *t.ForcedStrategy, nil
	}
	eligible := EligibleStrategies(t.Attractor, t.TotalFreshStarts, t.Policy)
	return bandit.Select(t.Attractor.Classification.Kind, eligible)
}

// MaybeFreshStart resets the worktree when strategy is FreshStart,
// bumping the fresh-start counter and emitting ConvergenceFreshStart.
func (e *Engine) MaybeFreshStart(ctx context.Context, t *Trajectory, strategy StrategyKind, workingDir string) error {
	if strategy != StrategyFreshStart {
		return nil
	}
	if e.Resetter != nil {
		if err := e.Resetter.Reset(ctx, workingDir); err != nil {
			return fmt.Errorf("convergence: fresh start reset: %w", err)
		}
	}
	t.TotalFreshStarts++
	e.emit(ctx, event.CategoryConvergence, t.TaskID, event.KindConvergenceFreshStart,
		event.ConvergenceFreshStartPayload{TrajectoryID: t.ID, TotalFreshStarts: t.TotalFreshStarts})
	return nil
}

// computeMetrics derives ObservationMetrics for a new observation against
// the immediately prior one. Returns nil for the trajectory's first
// observation, which has no predecessor.
func computeMetrics(prev *Observation, signals OverseerSignals) *ObservationMetrics {
	if prev == nil {
		return nil
	}

	level := levelFromSignals(signals)
	prevLevel := 0.0
	if prev.Metrics != nil {
		prevLevel = prev.Metrics.Level()
	}

	regressions := 0
	if signals.TestResults != nil {
		regressions = signals.TestResults.RegressionCount
	}

	return &ObservationMetrics{
		ConvergenceDelta:    level - prevLevel,
		ConvergenceLevel:    level,
		TestRegressionCount: regressions,
	}
}

// levelFromSignals derives a coarse [0,1] convergence level from
// overseer signals: build success, clean types, and test pass ratio each
// contribute, weighted toward tests since they are the strongest signal
// of correctness.
func levelFromSignals(signals OverseerSignals) float64 {
	var score, weight float64

	if signals.BuildResult != nil {
		weight += 0.2
		if signals.BuildResult.Success {
			score += 0.2
		}
	}
	if signals.TypeCheck != nil {
		weight += 0.2
		if signals.TypeCheck.Clean {
			score += 0.2
		}
	}
	if signals.TestResults != nil && signals.TestResults.Total > 0 {
		weight += 0.6
		score += 0.6 * float64(signals.TestResults.Passed) / float64(signals.TestResults.Total)
	}

	if weight == 0 {
		return 0
	}
	return score / weight
}

// IterateOnce appends the observation produced from the given overseer
// signals, reclassifies the attractor, updates the bandit, and decides
// loop control. The caller has already performed
// strategy selection, fresh-start handling, substrate execution, and
// overseer measurement; this is the "record + decide" tail of one
// iteration.
func (e *Engine) IterateOnce(
	t *Trajectory,
	bandit *StrategyBandit,
	strategy StrategyKind,
	artifact ArtifactReference,
	signals OverseerSignals,
	verification *VerificationResult,
	tokensUsed, wallTimeMS uint64,
) LoopControl {
	var prev *Observation
	if len(t.Observations) > 0 {
		prev = &t.Observations[len(t.Observations)-1]
	}

	priorAttractor := t.Attractor.Classification.Kind

	obs := Observation{
		ID:              uuid.New(),
		Sequence:        len(t.Observations),
		Timestamp:       time.Now(),
		Artifact:        artifact,
		OverseerSignals: signals,
		Verification:    verification,
		Metrics:         computeMetrics(prev, signals),
		TokensUsed:      tokensUsed,
		WallTimeMS:      wallTimeMS,
		StrategyUsed:    strategy,
	}
	t.Observations = append(t.Observations, obs)
	t.StrategyLog = append(t.StrategyLog, strategy)

	t.Budget.IterationsUsed++
	t.Budget.TokensUsed += tokensUsed
	t.Budget.WallTimeUsed += time.Duration(wallTimeMS) * time.Millisecond

	t.Attractor = ClassifyAttractor(t.Observations, e.Window)

	if obs.Metrics != nil {
		bandit.Update(priorAttractor, strategy, obs.Metrics.ConvergenceDelta)
	}
	t.BanditArms = bandit.Snapshot()

	return e.decide(t)
}

// decide implements the loop-control decision table.
func (e *Engine) decide(t *Trajectory) LoopControl {
	level := 0.0
	if n := len(t.Observations); n > 0 && t.Observations[n-1].Metrics != nil {
		level = t.Observations[n-1].Metrics.Level()
	}

	if level >= t.Policy.AcceptanceThreshold {
		return LoopConverged
	}

	eligible := EligibleStrategies(t.Attractor, t.TotalFreshStarts, t.Policy)
	if t.Attractor.Classification.Kind == AttractorPlateau &&
		t.Attractor.Classification.StallDuration >= 3 &&
		len(eligible) == 1 && eligible[0] == StrategyDecompose {
		return LoopDecompose
	}
	if t.Budget.Exhausted() {
		if !t.Budget.ExtensionGranted {
			return LoopRequestExtension
		}
		return LoopExhausted
	}
	if len(eligible) == 0 {
		return LoopTrapped
	}
	return LoopContinue
}

// Finalize persists the trajectory's terminal state.
func (e *Engine) Finalize(ctx context.Context, t *Trajectory, outcome Outcome) error {
	t.Phase = PhaseTerminal
	return e.Repo.Save(ctx, t)
}

func (e *Engine) emit(ctx context.Context, category event.Category, taskID uuid.UUID, kind event.PayloadKind, payload any) {
	if e.Publisher == nil {
		return
	}
	ev := event.New(event.SeverityInfo, category, event.Payload{Kind: kind, Data: payload}).WithTask(taskID)
	_, _ = e.Publisher.Publish(ctx, ev)
}

// emitEscalation emits HumanEscalationNeeded for high-impact strategies
// (ArchitectReview, Decompose).
func (e *Engine) emitEscalation(ctx context.Context, t *Trajectory, strategy StrategyKind, reason string) {
	if strategy != StrategyArchitectReview && strategy != StrategyDecompose {
		return
	}
	e.emit(ctx, event.CategoryConvergence, t.TaskID, event.KindHumanEscalationNeeded,
		event.HumanEscalationNeededPayload{
			EscalationID: uuid.New(),
			Reason:       reason,
			Urgency:      "medium",
			IsBlocking:   false,
		})
}

// emitIteration emits ConvergenceIteration and, on an attractor-kind
// change, ConvergenceAttractorTransition.
func (e *Engine) emitIteration(ctx context.Context, t *Trajectory, strategy StrategyKind, from AttractorKind) {
	n := len(t.Observations)
	level := 0.0
	if n > 0 && t.Observations[n-1].Metrics != nil {
		level = t.Observations[n-1].Metrics.Level()
	}
	e.emit(ctx, event.CategoryConvergence, t.TaskID, event.KindConvergenceIteration,
		event.ConvergenceIterationPayload{
			TrajectoryID:     t.ID,
			TaskID:           t.TaskID,
			ObservationIndex: n - 1,
			StrategyUsed:     string(strategy),
			ConvergenceLevel: level,
		})

	if t.Attractor.Classification.Kind != from {
		e.emit(ctx, event.CategoryConvergence, t.TaskID, event.KindConvergenceAttractor,
			event.ConvergenceAttractorPayload{
				TrajectoryID: t.ID,
				From:         string(from),
				To:           string(t.Attractor.Classification.Kind),
				Confidence:   t.Attractor.Confidence,
			})
	}
}

// RunSequential drives the standard (non-parallel) convergence loop to
// completion, injecting substrate execution between strategy selection
// and overseer measurement.
func (e *Engine) RunSequential(ctx context.Context, t *Trajectory, agentType, systemPrompt, workingDir string, maxTurns int, hints []string) (Outcome, error) {
	bandit := e.InitializeBandit(t)
	t.Phase = PhaseIterating

	for {
		select {
		case <-ctx.Done():
			_ = e.Repo.Save(ctx, t)
			return Outcome{Kind: OutcomeCancelled, Reason: ctx.Err().Error()}, nil
		default:
		}

		ApplySLAPressure(hints, &t.Policy)

		strategy, err := e.SelectStrategy(t, bandit)
		if err != nil {
			outcome := Outcome{Kind: OutcomeFailed, Reason: "trapped: no eligible strategies"}
			_ = e.Finalize(ctx, t, outcome)
			return outcome, nil
		}

		if err := e.MaybeFreshStart(ctx, t, strategy, workingDir); err != nil {
			return Outcome{}, err
		}

		prompt := ""
		if e.Prompts != nil {
			prompt = e.Prompts.Build(t, strategy)
		}

		start := time.Now()
		resp, err := e.Substrate.Execute(ctx, SubstrateRequest{
			TaskID:       t.TaskID,
			AgentType:    agentType,
			SystemPrompt: systemPrompt,
			UserPrompt:   prompt,
			Config:       SubstrateConfig{MaxTurns: maxTurns, WorkingDir: workingDir},
		})
		wallTime := uint64(time.Since(start).Milliseconds())
		if err != nil {
			outcome := Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("substrate execution failed: %v", err)}
			_ = e.Finalize(ctx, t, outcome)
			return outcome, nil
		}

		artifact := ArtifactReference{Path: workingDir}
		signals, err := e.Overseer.Measure(ctx, artifact)
		if err != nil {
			outcome := Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("overseer measurement failed: %v", err)}
			_ = e.Finalize(ctx, t, outcome)
			return outcome, nil
		}

		fromAttractor := t.Attractor.Classification.Kind
		control := e.IterateOnce(t, bandit, strategy, artifact, signals, nil, resp.TotalTokens, wallTime)
		e.emitIteration(ctx, t, strategy, fromAttractor)
		e.emitEscalation(ctx, t, strategy, fmt.Sprintf("strategy %s selected for attractor %s", strategy, t.Attractor.Classification.Kind))

		if err := e.Repo.Save(ctx, t); err != nil {
			return Outcome{}, fmt.Errorf("convergence: persist trajectory: %w", err)
		}

		switch control {
		case LoopContinue:
			continue

		case LoopConverged:
			outcome := Outcome{Kind: OutcomeConverged}
			return outcome, e.Finalize(ctx, t, outcome)

		case LoopDecompose:
			outcome := Outcome{Kind: OutcomeDecomposed}
			return outcome, e.Finalize(ctx, t, outcome)

		case LoopTrapped:
			outcome := Outcome{Kind: OutcomeFailed, Reason: "trapped: no eligible strategies remain"}
			return outcome, e.Finalize(ctx, t, outcome)

		case LoopExhausted:
			best := bestObservationLevel(t.Observations)
			if t.Policy.PartialAcceptance && best >= t.Policy.PartialThreshold {
				outcome := Outcome{Kind: OutcomePartialAccepted}
				return outcome, e.Finalize(ctx, t, outcome)
			}
			outcome := Outcome{Kind: OutcomeFailed, Reason: "convergence budget exhausted without reaching acceptance threshold"}
			return outcome, e.Finalize(ctx, t, outcome)

		case LoopRequestExtension:
			if t.Budget.RequestExtension() {
				continue
			}
			outcome := Outcome{Kind: OutcomeFailed, Reason: "budget extension denied"}
			return outcome, e.Finalize(ctx, t, outcome)
		}
	}
}

func bestObservationLevel(observations []Observation) float64 {
	best := 0.0
	for _, o := range observations {
		if o.Metrics == nil {
			continue
		}
		if l := o.Metrics.Level(); l > best {
			best = l
		}
	}
	return best
}
