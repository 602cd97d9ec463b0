package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/command"
	"github.com/odgrim/abathur-swarm/internal/dispatcher"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/task"
)

const maxFanOutRetries = 2

// Publisher is the subset of bus.Bus the engine needs to emit phase
// transition events.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Commander is the subset of command.Bus the engine needs to close out a
// workflow's owning task once the last phase completes or the workflow is
// rejected/failed.
type Commander interface {
	Dispatch(ctx context.Context, src command.Source, cmd command.Command) (command.Result, error)
}

// GateVerdict is the closed set of human-review decisions at a PhaseGate.
type GateVerdict string

const (
	GateApprove GateVerdict = "approve"
	GateReject  GateVerdict = "reject"
	GateRework  GateVerdict = "rework"
)

// Engine drives the workflow phase DAG purely off task.Repository state —
// no LLM calls.
type Engine struct {
	repo      task.Repository
	pub       Publisher
	cmd       Commander
	templates map[string]*WorkflowTemplate
}

// New constructs an Engine over repo, publishing phase-transition events
// through pub and closing out owning tasks through cmd.
func New(repo task.Repository, pub Publisher, cmd Commander) *Engine {
	return &Engine{repo: repo, pub: pub, cmd: cmd, templates: make(map[string]*WorkflowTemplate)}
}

// RegisterTemplate makes wt available for Enroll by name.
func (e *Engine) RegisterTemplate(wt *WorkflowTemplate) {
	e.templates[wt.Name] = wt
}

func (e *Engine) template(name string) (*WorkflowTemplate, error) {
	wt, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("workflow template %q not registered", name)
	}
	return wt, nil
}

// Enroll attaches a fresh State to parent's context and advances it
// through PhaseReady into the template's first phase, creating that
// phase's subtasks.
func (e *Engine) Enroll(ctx context.Context, parentID uuid.UUID, workflowName string) error {
	tmpl, err := e.template(workflowName)
	if err != nil {
		return err
	}
	parent, err := e.repo.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("get workflow task: %w", err)
	}
	st := NewState(workflowName)
	st.PhaseName = tmpl.Phases[0].Name
	st.PutContext(parent.Context)
	if err := e.repo.Update(ctx, parent, parent.Version); err != nil {
		return fmt.Errorf("persist enrollment: %w", err)
	}
	return e.Advance(ctx, parentID)
}

// Advance is the explicit driver: Pending→PhaseReady, then
// PhaseReady→PhaseRunning/FanningOut. It fails with
// ErrSubtasksNonTerminal if the task's subtasks are still in flight,
// preventing a race with the completion handler.
func (e *Engine) Advance(ctx context.Context, taskID uuid.UUID) error {
	parent, st, tmpl, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if len(st.SubtaskIDs) > 0 {
		done, err := e.allTerminalSuccessful(ctx, st.SubtaskIDs)
		if err != nil {
			return err
		}
		if !done {
			return &ErrSubtasksNonTerminal{TaskID: taskID}
		}
	}

	switch st.Status {
	case StatusPending:
		if err := st.transition(taskID, StatusPhaseReady); err != nil {
			return err
		}
	case StatusPhaseReady:
		// fallthrough to subtask creation below
	default:
		return fmt.Errorf("workflow task %s: Advance called from non-advanceable status %s", taskID, st.Status)
	}

	if err := e.createSubtasksForCurrentPhase(ctx, parent, st, tmpl); err != nil {
		return err
	}
	return e.persist(ctx, parent)
}

func (e *Engine) load(ctx context.Context, taskID uuid.UUID) (*task.Task, *State, *WorkflowTemplate, error) {
	t, err := e.repo.Get(ctx, taskID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get workflow task: %w", err)
	}
	st, ok := StateFromContext(t.Context)
	if !ok {
		return nil, nil, nil, fmt.Errorf("task %s is not workflow-enrolled", taskID)
	}
	tmpl, err := e.template(st.WorkflowName)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, st, tmpl, nil
}

func (e *Engine) persist(ctx context.Context, t *task.Task) error {
	return e.repo.Update(ctx, t, t.Version)
}

func (e *Engine) allTerminalSuccessful(ctx context.Context, ids []uuid.UUID) (bool, error) {
	for _, id := range ids {
		sub, err := e.repo.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("get subtask %s: %w", id, err)
		}
		if !sub.Status.IsTerminalSuccessful() {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) anyFailed(ctx context.Context, ids []uuid.UUID) (bool, error) {
	for _, id := range ids {
		sub, err := e.repo.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("get subtask %s: %w", id, err)
		}
		if sub.Status == task.StatusFailed || sub.Status == task.StatusCanceled {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) createSubtasksForCurrentPhase(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate) error {
	phase, ok := tmpl.Phase(st.PhaseIndex)
	if !ok {
		return fmt.Errorf("workflow task %s: phase index %d out of range", parent.ID, st.PhaseIndex)
	}
	st.PhaseName = phase.Name

	if phase.FanOut > 1 {
		ids := make([]uuid.UUID, 0, phase.FanOut)
		for i := 0; i < phase.FanOut; i++ {
			sub := task.NewTask(fmt.Sprintf("%s: slice %d/%d", phase.Name, i+1, phase.FanOut),
				task.Source{Kind: task.SourceSubtaskOf, ParentID: parent.ID})
			sub.ParentID = &parent.ID
			sub.AgentType = phase.Role
			if err := e.repo.Create(ctx, sub); err != nil {
				return fmt.Errorf("create fan-out subtask: %w", err)
			}
			ids = append(ids, sub.ID)
		}
		st.FanOutSubtaskIDs = ids
		st.SubtaskIDs = append([]uuid.UUID(nil), ids...)
		st.PhaseRetryCount = 0
		if err := st.transition(parent.ID, StatusFanningOut); err != nil {
			return err
		}
	} else {
		sub := task.NewTask(phase.Name, task.Source{Kind: task.SourceSubtaskOf, ParentID: parent.ID})
		sub.ParentID = &parent.ID
		sub.AgentType = phase.Role
		if err := e.repo.Create(ctx, sub); err != nil {
			return fmt.Errorf("create phase subtask: %w", err)
		}
		st.SubtaskIDs = []uuid.UUID{sub.ID}
		if err := st.transition(parent.ID, StatusRunning); err != nil {
			return err
		}
	}
	st.PutContext(parent.Context)
	return nil
}

// Metadata implements dispatcher.Handler: the engine reacts to subtask
// completion/failure to drive fan-in and phase-completion checks.
func (e *Engine) Metadata() dispatcher.Metadata {
	return dispatcher.Metadata{
		ID:       "workflow.engine",
		Name:     "WorkflowEngine",
		Priority: dispatcher.PriorityNormal,
		Filter: event.Filter{Kinds: []event.PayloadKind{
			event.KindTaskCompleted, event.KindTaskFailed, event.KindTaskCanceled,
		}},
	}
}

// Handle implements dispatcher.Handler.
func (e *Engine) Handle(ctx context.Context, ev event.Event) (dispatcher.Reaction, error) {
	if ev.TaskID == nil {
		return dispatcher.NoReaction, nil
	}
	sub, err := e.repo.Get(ctx, *ev.TaskID)
	if err != nil {
		return dispatcher.NoReaction, nil //nolint:nilerr // task may belong to a different subsystem
	}
	if sub.ParentID == nil {
		return dispatcher.NoReaction, nil
	}
	parent, st, tmpl, err := e.load(ctx, *sub.ParentID)
	if err != nil {
		return dispatcher.NoReaction, nil //nolint:nilerr // parent is not workflow-enrolled
	}
	return e.onSubtaskTerminal(ctx, parent, st, tmpl, sub)
}

func (e *Engine) onSubtaskTerminal(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate, sub *task.Task) (dispatcher.Reaction, error) {
	switch st.Status {
	case StatusFanningOut:
		if sub.Status == task.StatusFailed || sub.Status == task.StatusCanceled {
			return e.handleFanOutFailure(ctx, parent, st, tmpl, sub)
		}
		done, err := e.allTerminalSuccessful(ctx, st.SubtaskIDs)
		if err != nil {
			return dispatcher.NoReaction, err
		}
		if !done {
			return dispatcher.NoReaction, nil
		}
		return e.createAggregationSubtask(ctx, parent, st, tmpl)
	case StatusRunning:
		if len(st.SubtaskIDs) == 0 || sub.ID != st.SubtaskIDs[0] {
			return dispatcher.NoReaction, nil
		}
		if sub.Status != task.StatusComplete {
			return e.failWorkflow(ctx, parent, st, fmt.Sprintf("phase %s subtask failed", st.PhaseName))
		}
		return e.resolvePhaseOutcome(ctx, parent, st, tmpl, []*task.Task{sub})
	case StatusAggregate:
		if len(st.SubtaskIDs) == 0 || sub.ID != st.SubtaskIDs[0] {
			return dispatcher.NoReaction, nil
		}
		if sub.Status != task.StatusComplete {
			return e.failWorkflow(ctx, parent, st, "aggregation subtask failed")
		}
		slices, err := e.loadFanOutSlices(ctx, st)
		if err != nil {
			return dispatcher.NoReaction, err
		}
		return e.resolvePhaseOutcome(ctx, parent, st, tmpl, slices)
	default:
		return dispatcher.NoReaction, nil
	}
}

func (e *Engine) loadFanOutSlices(ctx context.Context, st *State) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(st.FanOutSubtaskIDs))
	for _, id := range st.FanOutSubtaskIDs {
		t, err := e.repo.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get fan-out slice %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) handleFanOutFailure(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate, failed *task.Task) (dispatcher.Reaction, error) {
	if st.PhaseRetryCount >= maxFanOutRetries {
		return e.failWorkflow(ctx, parent, st, fmt.Sprintf("fan-out slice %s exhausted phase-level retries", failed.ID))
	}
	st.PhaseRetryCount++

	phase, _ := tmpl.Phase(st.PhaseIndex)
	replacement := task.NewTask(failed.Title, task.Source{Kind: task.SourceSubtaskOf, ParentID: parent.ID})
	replacement.ParentID = &parent.ID
	replacement.AgentType = phase.Role
	if err := e.repo.Create(ctx, replacement); err != nil {
		return dispatcher.NoReaction, fmt.Errorf("create replacement fan-out subtask: %w", err)
	}

	for i, id := range st.SubtaskIDs {
		if id == failed.ID {
			st.SubtaskIDs[i] = replacement.ID
		}
	}
	for i, id := range st.FanOutSubtaskIDs {
		if id == failed.ID {
			st.FanOutSubtaskIDs[i] = replacement.ID
		}
	}
	st.PutContext(parent.Context)
	if err := e.persist(ctx, parent); err != nil {
		return dispatcher.NoReaction, err
	}
	return dispatcher.NoReaction, nil
}

func (e *Engine) createAggregationSubtask(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate) (dispatcher.Reaction, error) {
	slices, err := e.loadFanOutSlices(ctx, st)
	if err != nil {
		return dispatcher.NoReaction, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d slices for phase %s:\n", len(slices), st.PhaseName)
	for _, s := range slices {
		fmt.Fprintf(&sb, "- %s [%s] artifacts=%v\n", s.Title, s.Status, s.Artifacts)
	}

	agg := task.NewTask("aggregate: "+st.PhaseName, task.Source{Kind: task.SourceSubtaskOf, ParentID: parent.ID})
	agg.ParentID = &parent.ID
	agg.Description = sb.String()
	agg.TaskType = "aggregator"
	agg.AgentType = "aggregator"
	if err := e.repo.Create(ctx, agg); err != nil {
		return dispatcher.NoReaction, fmt.Errorf("create aggregation subtask: %w", err)
	}

	st.AggregationTaskID = &agg.ID
	st.SubtaskIDs = []uuid.UUID{agg.ID}
	if err := st.transition(parent.ID, StatusAggregate); err != nil {
		return dispatcher.NoReaction, err
	}
	st.PutContext(parent.Context)
	if err := e.persist(ctx, parent); err != nil {
		return dispatcher.NoReaction, err
	}
	return dispatcher.NoReaction, nil
}

// allConverged reports whether every subtask converged; when all did,
// resolvePhaseOutcome skips verification.
func allConverged(subtasks []*task.Task) bool {
	for _, s := range subtasks {
		outcome, _ := s.Context["convergence_outcome"].(string)
		if outcome != "converged" && outcome != "partial_accepted" {
			return false
		}
	}
	return len(subtasks) > 0
}

func (e *Engine) resolvePhaseOutcome(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate, subtasks []*task.Task) (dispatcher.Reaction, error) {
	phase, _ := tmpl.Phase(st.PhaseIndex)

	if phase.Verify && !allConverged(subtasks) {
		if err := st.transition(parent.ID, StatusVerifying); err != nil {
			return dispatcher.NoReaction, err
		}
		st.PutContext(parent.Context)
		if err := e.persist(ctx, parent); err != nil {
			return dispatcher.NoReaction, err
		}
		return dispatcher.NoReaction, nil
	}

	return e.gateOrAdvance(ctx, parent, st, tmpl, phase)
}

func (e *Engine) gateOrAdvance(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate, phase Phase) (dispatcher.Reaction, error) {
	if phase.isGate() {
		if err := st.transition(parent.ID, StatusPhaseGate); err != nil {
			return dispatcher.NoReaction, err
		}
		st.PutContext(parent.Context)
		if err := e.persist(ctx, parent); err != nil {
			return dispatcher.NoReaction, err
		}
		evs := []event.Event{
			event.New(event.SeverityInfo, event.CategoryWorkflow, event.Payload{
				Kind: event.KindWorkflowPhaseGated,
				Data: event.WorkflowPhaseGatedPayload{TaskID: parent.ID, Phase: phase.Name},
			}).WithTask(parent.ID),
		}
		return dispatcher.Reaction{Events: evs}, nil
	}
	return e.advanceToNextPhaseOrComplete(ctx, parent, st, tmpl)
}

func (e *Engine) advanceToNextPhaseOrComplete(ctx context.Context, parent *task.Task, st *State, tmpl *WorkflowTemplate) (dispatcher.Reaction, error) {
	from := st.Status
	if st.PhaseIndex+1 >= len(tmpl.Phases) {
		if err := st.transition(parent.ID, StatusCompleted); err != nil {
			return dispatcher.NoReaction, err
		}
		st.PutContext(parent.Context)
		if err := e.persist(ctx, parent); err != nil {
			return dispatcher.NoReaction, err
		}
		if e.cmd != nil {
			if _, err := e.cmd.Dispatch(ctx, command.Source{Kind: command.SourceEventHandler, Detail: "workflow.engine"}, command.Command{
				Domain:       command.DomainTask,
				Op:           command.OpTaskComplete,
				TaskComplete: &command.TaskComplete{TaskID: parent.ID},
			}); err != nil {
				return dispatcher.NoReaction, fmt.Errorf("complete workflow task: %w", err)
			}
		}
		return dispatcher.Reaction{Events: []event.Event{
			event.New(event.SeverityInfo, event.CategoryWorkflow, event.Payload{
				Kind: event.KindWorkflowPhaseAdvanced,
				Data: event.WorkflowPhaseAdvancedPayload{
					TaskID: parent.ID, Workflow: st.WorkflowName, Phase: st.PhaseName,
					FromState: string(from), ToState: string(StatusCompleted),
				},
			}).WithTask(parent.ID),
		}}, nil
	}

	if err := st.transition(parent.ID, StatusPhaseReady); err != nil {
		return dispatcher.NoReaction, err
	}
	st.PhaseIndex++
	st.RetryCount = 0
	if err := e.createSubtasksForCurrentPhase(ctx, parent, st, tmpl); err != nil {
		return dispatcher.NoReaction, err
	}
	if err := e.persist(ctx, parent); err != nil {
		return dispatcher.NoReaction, err
	}
	return dispatcher.Reaction{Events: []event.Event{
		event.New(event.SeverityInfo, event.CategoryWorkflow, event.Payload{
			Kind: event.KindWorkflowPhaseAdvanced,
			Data: event.WorkflowPhaseAdvancedPayload{
				TaskID: parent.ID, Workflow: st.WorkflowName, Phase: st.PhaseName,
				FromState: string(from), ToState: string(st.Status),
			},
		}).WithTask(parent.ID),
	}}, nil
}

func (e *Engine) failWorkflow(ctx context.Context, parent *task.Task, st *State, reason string) (dispatcher.Reaction, error) {
	if err := st.transition(parent.ID, StatusFailed); err != nil {
		return dispatcher.NoReaction, err
	}
	st.PutContext(parent.Context)
	if err := e.persist(ctx, parent); err != nil {
		return dispatcher.NoReaction, err
	}
	if e.cmd != nil {
		if _, err := e.cmd.Dispatch(ctx, command.Source{Kind: command.SourceEventHandler, Detail: "workflow.engine"}, command.Command{
			Domain:   command.DomainTask,
			Op:       command.OpTaskFail,
			TaskFail: &command.TaskFail{TaskID: parent.ID, Error: reason},
		}); err != nil {
			return dispatcher.NoReaction, fmt.Errorf("fail workflow task: %w", err)
		}
	}
	return dispatcher.NoReaction, nil
}

// findPreviousGatePhase scans phases strictly before idx for the nearest
// gate phase, returning ok=false when none precede it.
func findPreviousGatePhase(tmpl *WorkflowTemplate, idx int) (int, bool) {
	for i := idx - 1; i >= 0; i-- {
		if tmpl.Phases[i].isGate() {
			return i, true
		}
	}
	return 0, false
}

// ReportVerification records an external verification outcome (overseer
// or convergence-engine result) for a task currently in Verifying.
func (e *Engine) ReportVerification(ctx context.Context, taskID uuid.UUID, passed bool, feedback string) error {
	parent, st, tmpl, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if st.Status != StatusVerifying {
		return fmt.Errorf("workflow task %s: not awaiting verification (status %s)", taskID, st.Status)
	}

	if passed {
		phase, _ := tmpl.Phase(st.PhaseIndex)
		_, err := e.gateOrAdvance(ctx, parent, st, tmpl, phase)
		return err
	}

	if st.RetryCount < tmpl.MaxVerificationRetries {
		st.VerificationFeedback = append(st.VerificationFeedback, feedback)
		st.RetryCount++
		if gateIdx, ok := findPreviousGatePhase(tmpl, st.PhaseIndex); ok {
			st.PhaseIndex = gateIdx
			if err := st.transition(taskID, StatusPhaseReady); err != nil {
				return err
			}
		} else {
			st.PhaseIndex = 0
			if err := st.transition(taskID, StatusPending); err != nil {
				return err
			}
			if err := st.transition(taskID, StatusPhaseReady); err != nil {
				return err
			}
		}
		if err := e.createSubtasksForCurrentPhase(ctx, parent, st, tmpl); err != nil {
			return err
		}
		return e.persist(ctx, parent)
	}

	if err := st.transition(taskID, StatusPhaseGate); err != nil {
		return err
	}
	st.PutContext(parent.Context)
	return e.persist(ctx, parent)
}

// ResolveGate applies a human-review verdict to a task currently in
// PhaseGate.
func (e *Engine) ResolveGate(ctx context.Context, taskID uuid.UUID, verdict GateVerdict) error {
	parent, st, tmpl, err := e.load(ctx, taskID)
	if err != nil {
		return err
	}
	if st.Status != StatusPhaseGate {
		return fmt.Errorf("workflow task %s: not at a phase gate (status %s)", taskID, st.Status)
	}

	switch verdict {
	case GateApprove:
		_, err := e.advanceToNextPhaseOrComplete(ctx, parent, st, tmpl)
		return err
	case GateReject:
		if err := st.transition(taskID, StatusRejected); err != nil {
			return err
		}
		st.PutContext(parent.Context)
		if err := e.persist(ctx, parent); err != nil {
			return err
		}
		if e.cmd != nil {
			_, err := e.cmd.Dispatch(ctx, command.Source{Kind: command.SourceEventHandler, Detail: "workflow.engine"}, command.Command{
				Domain:   command.DomainTask,
				Op:       command.OpTaskFail,
				TaskFail: &command.TaskFail{TaskID: parent.ID, Error: "rejected at phase gate " + st.PhaseName},
			})
			return err
		}
		return nil
	case GateRework:
		if gateIdx, ok := findPreviousGatePhase(tmpl, st.PhaseIndex); ok {
			st.PhaseIndex = gateIdx
		} else {
			st.PhaseIndex = 0
		}
		if err := st.transition(taskID, StatusPhaseReady); err != nil {
			return err
		}
		if err := e.createSubtasksForCurrentPhase(ctx, parent, st, tmpl); err != nil {
			return err
		}
		return e.persist(ctx, parent)
	default:
		return fmt.Errorf("unknown gate verdict %q", verdict)
	}
}
