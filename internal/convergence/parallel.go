package convergence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odgrim/abathur-swarm/internal/logging"
)

// SampleWorktree provisions (and later destroys) an isolated workspace
// for one parallel sample. Real worktree provisioning is out of scope
// here; callers inject their own implementation, keeping worktree
// management an external collaborator.
type SampleWorktree interface {
	// Provision returns a working directory for sample index idx.
	Provision(ctx context.Context, idx int) (string, error)
	// Destroy tears down the worktree for sample index idx.
	Destroy(ctx context.Context, idx int) error
}

type sampleResult struct {
	index      int
	trajectory *Trajectory
	workingDir string
	outcome    Outcome
	err        error
}

// RunParallel implements the engine's parallel-sample mode: Phase 1 spawns
// n worktrees and invocations concurrently, each independently selecting
// a strategy and consuming 1/n of the budget; the sample with the
// highest convergence level wins, losing worktrees are destroyed, and
// Phase 2 continues sequentially on the winner with the remaining
// budget.
//
// Bounded-concurrency fan-out grounded in errgroup.WithContext +
// g.SetLimit, the same pattern used for delegated sub-task execution
// elsewhere in the corpus this was adapted from.
func (e *Engine) RunParallel(
	ctx context.Context,
	base *Trajectory,
	n int,
	worktrees SampleWorktree,
	agentType, systemPrompt string,
	maxTurns int,
	hints []string,
	maxConcurrent int,
) (Outcome, error) {
	if n < 1 {
		n = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	base.Phase = PhaseIterating
	phase1Budget := base.Budget.Scale(1.0 / float64(n))

	samples := make([]*Trajectory, n)
	workingDirs := make([]string, n)
	for i := 0; i < n; i++ {
		s := *base
		s.ID = uuid.New()
		s.Budget = phase1Budget
		s.BanditArms = append([]armState(nil), base.BanditArms...)
		s.Observations = append([]Observation(nil), base.Observations...)
		samples[i] = &s

		if worktrees != nil {
			dir, err := worktrees.Provision(ctx, i)
			if err != nil {
				return Outcome{}, fmt.Errorf("convergence: provision sample %d worktree: %w", i, err)
			}
			workingDirs[i] = dir
		}
	}

	results := make([]sampleResult, n)
	log := logging.OrNop(e.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i := 0; i < n; i++ {
		idx := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in convergence sample %d: %v", idx, r)
					results[idx] = sampleResult{index: idx, trajectory: samples[idx], workingDir: workingDirs[idx], err: fmt.Errorf("panic: %v", r)}
				}
			}()
			_, runErr := e.runSingleIteration(gctx, samples[idx], workingDirs[idx], agentType, systemPrompt, maxTurns, hints)
			results[idx] = sampleResult{index: idx, trajectory: samples[idx], workingDir: workingDirs[idx], err: runErr}
			return nil
		})
	}
	_ = g.Wait()

	winner := -1
	bestLevel := -1.0
	for i, r := range results {
		if r.err != nil {
			continue
		}
		level := bestObservationLevel(r.trajectory.Observations)
		if level > bestLevel {
			bestLevel = level
			winner = i
		}
	}

	if worktrees != nil {
		for i := range results {
			if i != winner {
				_ = worktrees.Destroy(ctx, i)
			}
		}
	}

	if winner < 0 {
		outcome := Outcome{Kind: OutcomeFailed, Reason: "all parallel samples failed during phase 1"}
		_ = e.Finalize(ctx, base, outcome)
		return outcome, nil
	}

	winningTrajectory := results[winner].trajectory
	phase1Tokens := winningTrajectory.Budget.TokensUsed
	remainingTokens := uint64(0)
	if base.Budget.MaxTokens > phase1Tokens {
		remainingTokens = base.Budget.MaxTokens - phase1Tokens
	}
	remainingIterations := base.Budget.MaxIterations - winningTrajectory.Budget.IterationsUsed
	if remainingIterations < 1 {
		remainingIterations = 1
	}

	winningTrajectory.ID = base.ID
	winningTrajectory.Budget.MaxTokens = winningTrajectory.Budget.TokensUsed + remainingTokens
	winningTrajectory.Budget.MaxIterations = winningTrajectory.Budget.IterationsUsed + remainingIterations
	winningTrajectory.Budget.MaxWallTime = base.Budget.MaxWallTime

	return e.RunSequential(ctx, winningTrajectory, agentType, systemPrompt, results[winner].workingDir, maxTurns, hints)
}

// runSingleIteration runs exactly one strategy-select → fresh-start →
// substrate → overseer → record cycle for a parallel-sample trajectory,
// mirroring the body of RunSequential's loop without its control-flow
// decisions (Phase 1 always consumes exactly one iteration per sample).
func (e *Engine) runSingleIteration(ctx context.Context, t *Trajectory, workingDir, agentType, systemPrompt string, maxTurns int, hints []string) (StrategyKind, error) {
	bandit := e.InitializeBandit(t)
	ApplySLAPressure(hints, &t.Policy)

	strategy, err := e.SelectStrategy(t, bandit)
	if err != nil {
		return "", err
	}
	if err := e.MaybeFreshStart(ctx, t, strategy, workingDir); err != nil {
		return "", err
	}

	prompt := ""
	if e.Prompts != nil {
		prompt = e.Prompts.Build(t, strategy)
	}

	resp, err := e.Substrate.Execute(ctx, SubstrateRequest{
		TaskID:       t.TaskID,
		AgentType:    agentType,
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Config:       SubstrateConfig{MaxTurns: maxTurns, WorkingDir: workingDir},
	})
	if err != nil {
		return strategy, err
	}

	artifact := ArtifactReference{Path: workingDir}
	signals, err := e.Overseer.Measure(ctx, artifact)
	if err != nil {
		return strategy, err
	}

	e.IterateOnce(t, bandit, strategy, artifact, signals, nil, resp.TotalTokens, 0)
	return strategy, nil
}
