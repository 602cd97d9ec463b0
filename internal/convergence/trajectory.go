package convergence

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Phase is a trajectory's lifecycle stage, distinct from the per-task
// workflow Status of the workflow package.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseIterating Phase = "iterating"
	PhaseTerminal  Phase = "terminal"
)

// Trajectory is the full convergence record for one task execution: the
// ordered observation history, current attractor diagnosis, budget,
// policy, and bandit arms (spec glossary, "Trajectory (convergence)").
type Trajectory struct {
	ID     uuid.UUID `json:"id"`
	TaskID uuid.UUID `json:"task_id"`

	Policy Policy `json:"policy"`
	Budget Budget `json:"budget"`

	Observations []Observation   `json:"observations"`
	StrategyLog  []StrategyKind  `json:"strategy_log"`
	Attractor    AttractorState  `json:"attractor_state"`

	Phase            Phase         `json:"phase"`
	ForcedStrategy   *StrategyKind `json:"forced_strategy,omitempty"`
	TotalFreshStarts int           `json:"total_fresh_starts"`

	BanditArms []armState `json:"bandit_arms"`
}

// NewTrajectory prepares a fresh trajectory in PhasePreparing with
// default policy and the given budget.
func NewTrajectory(taskID uuid.UUID, budget Budget) *Trajectory {
	return &Trajectory{
		ID:     uuid.New(),
		TaskID: taskID,
		Policy: DefaultPolicy(),
		Budget: budget,
		Phase:  PhasePreparing,
	}
}

// Repository persists Trajectory records, supporting resume-on-retry
// semantics: the trajectory is resumed, not recreated.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Trajectory, error)
	Save(ctx context.Context, t *Trajectory) error
}

// ErrTrajectoryNotFound is returned by Repository.Get when no trajectory
// with the given id exists.
type ErrTrajectoryNotFound struct {
	ID uuid.UUID
}

func (e *ErrTrajectoryNotFound) Error() string {
	return fmt.Sprintf("convergence: trajectory %s not found", e.ID)
}

// MemoryRepository is an in-process Repository backed by a map, used for
// tests and single-process deployments.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Trajectory
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Trajectory)}
}

// Get returns a deep-enough copy of the stored trajectory (observations
// and bandit arms are copied; nested structs are value types).
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Trajectory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, &ErrTrajectoryNotFound{ID: id}
	}
	cp := *t
	cp.Observations = append([]Observation(nil), t.Observations...)
	cp.StrategyLog = append([]StrategyKind(nil), t.StrategyLog...)
	cp.BanditArms = append([]armState(nil), t.BanditArms...)
	return &cp, nil
}

// Save overwrites the full trajectory record.
func (r *MemoryRepository) Save(_ context.Context, t *Trajectory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Observations = append([]Observation(nil), t.Observations...)
	cp.StrategyLog = append([]StrategyKind(nil), t.StrategyLog...)
	cp.BanditArms = append([]armState(nil), t.BanditArms...)
	r.byID[t.ID] = &cp
	return nil
}
