// Command orchestratord runs the control plane's orchestrator shell:
// journal, bus, dispatcher, scheduler, command bus, trigger/workflow/
// convergence engines, and the escalation store/responder, wired together
// and run until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/odgrim/abathur-swarm/internal/bus"
	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/convergence"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/escalation"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/goal"
	"github.com/odgrim/abathur-swarm/internal/journal"
	"github.com/odgrim/abathur-swarm/internal/logging"
	"github.com/odgrim/abathur-swarm/internal/orchestrator"
	"github.com/odgrim/abathur-swarm/internal/overseer"
	"github.com/odgrim/abathur-swarm/internal/scheduler"
	"github.com/odgrim/abathur-swarm/internal/substrate"
	"github.com/odgrim/abathur-swarm/internal/task"
	"github.com/odgrim/abathur-swarm/internal/trigger"
	"github.com/odgrim/abathur-swarm/internal/workflow"
)

func main() {
	var (
		logLevel       = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
		shutdownWindow = flag.Duration("shutdown-timeout", 10*time.Second, "Grace period for draining on shutdown")

		agentCommand = flag.String("agent-command", "", "Executable invoked once per convergence substrate turn")
		agentArgs    = flag.String("agent-args", "", "Comma-separated arguments passed to -agent-command")

		overseerPackages = flag.String("overseer-packages", "./...", "Go package pattern the overseer builds/vets/tests against")
		overseerRunVet   = flag.Bool("overseer-run-vet", true, "Run go vet as part of overseer measurement")
		overseerRunTests = flag.Bool("overseer-run-tests", true, "Run go test as part of overseer measurement")

		convergenceMaxIterations = flag.Int("convergence-max-iterations", 8, "Default iteration budget for a freshly started convergence trajectory")
		convergenceMaxTokens     = flag.Uint64("convergence-max-tokens", 200000, "Default token budget for a freshly started convergence trajectory")
		convergenceMaxWallTime   = flag.Duration("convergence-max-wall-time", 30*time.Minute, "Default wall-time budget for a freshly started convergence trajectory")
		convergenceMaxTurns      = flag.Int("convergence-max-turns", 6, "Max substrate turns per convergence iteration")
	)
	flag.Parse()

	level := parseLevel(*logLevel)
	logger := logging.New(logging.Config{Level: level})

	j := journal.New(event.NewMemoryRepository())
	eb := bus.New(j)

	taskRepo := task.NewMemoryRepository()
	goalRepo := goal.NewMemoryRepository()

	cmdBus, err := command.New(eb, taskRepo, goalRepo, command.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init command bus: %v\n", err)
		os.Exit(1)
	}

	disp, err := dispatcher.New(eb, j, dispatcher.DefaultConfig(), logger.With("component"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init dispatcher: %v\n", err)
		os.Exit(1)
	}
	sched := scheduler.New(eb, scheduler.DefaultConfig(), logger.With("component"))

	escStore := escalation.NewMemoryStore()
	responder := escalation.NewResponder(escStore, cmdBus, eb)

	triggerEngine := trigger.New(eb, cmdBus)
	workflowEngine := workflow.New(taskRepo, eb, cmdBus)

	sub := substrate.New(substrate.Config{Command: *agentCommand, Args: splitArgs(*agentArgs)}, nil)
	ov := overseer.New(overseer.Config{Packages: *overseerPackages, RunVet: *overseerRunVet, RunTests: *overseerRunTests}, nil)
	convergenceEngine := convergence.NewEngine(convergence.NewMemoryRepository(), sub, ov, nil, nil, eb)
	convergenceEngine.Logger = logger.With("component")
	convergenceClaimHandler := convergence.NewClaimHandler(convergenceEngine, taskRepo, cmdBus, convergence.Budget{
		MaxIterations: *convergenceMaxIterations,
		MaxTokens:     *convergenceMaxTokens,
		MaxWallTime:   *convergenceMaxWallTime,
	}, *convergenceMaxTurns)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Journal:         j,
		Bus:             eb,
		Dispatcher:      disp,
		Scheduler:       sched,
		CommandBus:      cmdBus,
		TaskRepo:        taskRepo,
		GoalRepo:        goalRepo,
		EscalationStore: escStore,
		Responder:       responder,
		Handlers: []dispatcher.Handler{
			triggerEngine,
			workflowEngine,
			task.NewCompletedReadinessHandler(taskRepo),
			task.NewFailedBlockHandler(taskRepo),
			convergenceClaimHandler,
		},
		Logger:          logger.With("component"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init orchestrator: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start orchestrator: %v\n", err)
		os.Exit(1)
	}

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			cancel()
			drainCtx, drainCancel := context.WithTimeout(context.Background(), *shutdownWindow)
			defer drainCancel()
			if err := orch.Shutdown(drainCtx); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
			}
		})
	}
	defer shutdown()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	<-quit
}

// splitArgs turns a comma-separated -agent-args flag value into an argv
// slice, ignoring empty entries so an unset flag yields no arguments.
func splitArgs(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
