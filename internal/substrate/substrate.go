// Package substrate implements the pluggable agent-runtime contract spec
// §6 keeps external: internal/convergence.Substrate's Execute(ctx, req)
// invokes one agent turn and returns its transcript. The interface and
// request/response shapes live in internal/convergence (the consumer);
// this package supplies implementations — a real one shelling out to an
// agent CLI, and a mock for tests.
//
// Generalized from internal/infra/external/subprocess/subprocess.go's
// attached-subprocess lifecycle (exec.CommandContext, piped stdin/stdout,
// a stderr tail buffer), narrowed to the substrate contract's single
// request/response round trip — the detached/session-leader mode and
// status-file bookkeeping that subprocess.go carries for long-lived
// services have no home here, since a substrate invocation is one bounded
// turn, not a supervised daemon.
package substrate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/odgrim/abathur-swarm/internal/convergence"
)

const defaultStderrTail = 8 * 1024

// Config configures a CLI-backed substrate.
type Config struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// CLI invokes an external agent binary once per Execute call, feeding the
// system and user prompts on stdin and treating each line of stdout as a
// message.
type CLI struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a CLI substrate.
func New(cfg Config, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{cfg: cfg, logger: logger}
}

// Execute runs one agent turn and returns its transcript.
func (c *CLI) Execute(ctx context.Context, req convergence.SubstrateRequest) (convergence.SubstrateResponse, error) {
	timeout := c.cfg.Timeout
	if req.Config.MaxTurns > 0 && timeout == 0 {
		timeout = time.Duration(req.Config.MaxTurns) * time.Minute
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if req.Config.WorkingDir != "" {
		cmd.Dir = req.Config.WorkingDir
	}
	if len(c.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range c.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	cmd.Stdin = bytes.NewBufferString(req.SystemPrompt + "\n---\n" + req.UserPrompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("substrate execute", "task_id", req.TaskID, "agent_type", req.AgentType, "command", c.cfg.Command)

	if err := cmd.Run(); err != nil {
		tail := stderr.Bytes()
		if len(tail) > defaultStderrTail {
			tail = tail[len(tail)-defaultStderrTail:]
		}
		return convergence.SubstrateResponse{}, fmt.Errorf("substrate execute: %w: %s", err, string(tail))
	}

	return convergence.SubstrateResponse{
		Messages:    splitLines(stdout.String()),
		TotalTokens: uint64(estimateTokens(stdout.Len() + len(req.SystemPrompt) + len(req.UserPrompt))),
	}, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// estimateTokens is a rough chars/4 fallback used when the CLI doesn't
// report its own usage on stdout; real token accounting belongs to the
// agent CLI itself.
func estimateTokens(chars int) int {
	return chars / 4
}

// Mock is a deterministic Substrate for tests: it returns a fixed response
// (or error) regardless of the request, optionally recording every call.
type Mock struct {
	Response convergence.SubstrateResponse
	Err      error
	Calls    []convergence.SubstrateRequest
}

// Execute implements convergence.Substrate.
func (m *Mock) Execute(_ context.Context, req convergence.SubstrateRequest) (convergence.SubstrateResponse, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return convergence.SubstrateResponse{}, m.Err
	}
	return m.Response, nil
}
