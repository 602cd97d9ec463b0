// Package overseer implements a pluggable measurement contract kept
// external to the core loop: internal/convergence.Overseer's
// Measure(ctx, artifact) runs the project's own build/test/lint tooling
// against an artifact and reports the signals convergence scores
// iterations on. The interface and
// signal shapes live in internal/convergence (the consumer); this package
// supplies implementations — a real one shelling out to `go build`/`go
// vet`/`go test`, and a mock for tests.
//
// Generalized from internal/infra/external/subprocess/subprocess.go's
// attached-subprocess pattern (exec.CommandContext, captured output),
// narrowed to three bounded, sequential invocations rather than one
// long-lived piped process, since a measurement pass runs to completion
// and reports a result rather than streaming a conversation.
package overseer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/odgrim/abathur-swarm/internal/convergence"
)

// Config configures a Go-toolchain-backed overseer.
type Config struct {
	WorkingDir string
	Packages   string // e.g. "./..."
	RunVet     bool
	RunTests   bool
}

// GoToolchain measures an artifact by invoking the Go toolchain directly
// against its working directory: `go build`, optionally `go vet`, and
// optionally `go test -json` for per-test pass/fail accounting.
type GoToolchain struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a GoToolchain overseer.
func New(cfg Config, logger *slog.Logger) *GoToolchain {
	if cfg.Packages == "" {
		cfg.Packages = "./..."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoToolchain{cfg: cfg, logger: logger}
}

// Measure implements convergence.Overseer.
func (g *GoToolchain) Measure(ctx context.Context, artifact convergence.ArtifactReference) (convergence.OverseerSignals, error) {
	dir := g.cfg.WorkingDir
	if artifact.Path != "" {
		dir = artifact.Path
	}

	var signals convergence.OverseerSignals
	signals.BuildResult = g.runBuild(ctx, dir)

	if g.cfg.RunVet {
		signals.TypeCheck = g.runVet(ctx, dir)
	}

	if g.cfg.RunTests && signals.BuildResult.Success {
		signals.TestResults = g.runTests(ctx, dir)
	}

	return signals, nil
}

func (g *GoToolchain) runBuild(ctx context.Context, dir string) *convergence.BuildResult {
	cmd := exec.CommandContext(ctx, "go", "build", g.cfg.Packages)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		lines := nonEmptyLines(out.String())
		g.logger.Debug("overseer build failed", "dir", dir, "error", err)
		return &convergence.BuildResult{Success: false, ErrorCount: len(lines), Errors: lines}
	}
	return &convergence.BuildResult{Success: true}
}

func (g *GoToolchain) runVet(ctx context.Context, dir string) *convergence.TypeCheckResult {
	cmd := exec.CommandContext(ctx, "go", "vet", g.cfg.Packages)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		lines := nonEmptyLines(out.String())
		return &convergence.TypeCheckResult{Clean: false, ErrorCount: len(lines)}
	}
	return &convergence.TypeCheckResult{Clean: true}
}

// testEvent mirrors the subset of `go test -json`'s test2json action
// stream this overseer cares about.
type testEvent struct {
	Action string `json:"Action"`
	Test   string `json:"Test"`
}

func (g *GoToolchain) runTests(ctx context.Context, dir string) *convergence.TestResults {
	cmd := exec.CommandContext(ctx, "go", "test", "-json", g.cfg.Packages)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &convergence.TestResults{}
	}
	if err := cmd.Start(); err != nil {
		return &convergence.TestResults{}
	}

	results := &convergence.TestResults{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev testEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Test == "" {
			continue
		}
		switch ev.Action {
		case "pass":
			results.Passed++
		case "fail":
			results.Failed++
			results.FailingTestNames = append(results.FailingTestNames, ev.Test)
		case "skip":
			results.Skipped++
		}
	}
	_ = cmd.Wait()
	results.Total = results.Passed + results.Failed + results.Skipped
	return results
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// Mock is a deterministic Overseer for tests: it returns fixed signals
// (or an error) regardless of the artifact, optionally recording calls.
type Mock struct {
	Signals convergence.OverseerSignals
	Err     error
	Calls   []convergence.ArtifactReference
}

// Measure implements convergence.Overseer.
func (m *Mock) Measure(_ context.Context, artifact convergence.ArtifactReference) (convergence.OverseerSignals, error) {
	m.Calls = append(m.Calls, artifact)
	if m.Err != nil {
		return convergence.OverseerSignals{}, m.Err
	}
	return m.Signals, nil
}
