package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Filter scopes a List query.
type Filter struct {
	Status   *Status
	ParentID *uuid.UUID
}

// ErrVersionConflict is returned by Update when expectedVersion does not
// match the stored version — see DESIGN.md's Open Questions entry on the
// retry-sweep/command-bus race: callers must re-read and retry rather than
// the store serializing writes for them (the real store is out of scope).
type ErrVersionConflict struct {
	TaskID   uuid.UUID
	Expected int
	Actual   int
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("task %s: version conflict (expected %d, actual %d)", e.TaskID, e.Expected, e.Actual)
}

// Repository is the persistent-store contract for Task entities (§6).
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, error)
	Create(ctx context.Context, t *Task) error
	// Update persists t only if the stored version equals expectedVersion,
	// else returns *ErrVersionConflict.
	Update(ctx context.Context, t *Task, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Dependents returns tasks whose DependsOn includes id.
	Dependents(ctx context.Context, id uuid.UUID) ([]*Task, error)
}

// MemoryRepository is an in-process Repository for tests and reference
// wiring.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[uuid.UUID]*Task)}
}

func clone(t *Task) *Task {
	cp := *t
	cp.DependsOn = make(map[uuid.UUID]struct{}, len(t.DependsOn))
	for id := range t.DependsOn {
		cp.DependsOn[id] = struct{}{}
	}
	cp.Context = make(map[string]any, len(t.Context))
	for k, v := range t.Context {
		cp.Context[k] = v
	}
	cp.Artifacts = append([]string(nil), t.Artifacts...)
	return &cp
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return clone(t), nil
}

// List implements Repository.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.ParentID != nil && (t.ParentID == nil || *t.ParentID != *f.ParentID) {
			continue
		}
		out = append(out, clone(t))
	}
	return out, nil
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	r.tasks[t.ID] = clone(t)
	return nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, t *Task, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return &ErrVersionConflict{TaskID: t.ID, Expected: expectedVersion, Actual: existing.Version}
	}
	r.tasks[t.ID] = clone(t)
	return nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

// Dependents implements Repository.
func (r *MemoryRepository) Dependents(_ context.Context, id uuid.UUID) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if _, ok := t.DependsOn[id]; ok {
			out = append(out, clone(t))
		}
	}
	return out, nil
}

// ErrNotFound is returned by Get/Update when the entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// IsReady reports whether every dependency of t is terminal-successful,
// loading each dependency from repo to read its status.
func IsReady(ctx context.Context, repo Repository, t *Task) (bool, error) {
	for depID := range t.DependsOn {
		dep, err := repo.Get(ctx, depID)
		if err != nil {
			return false, err
		}
		if !dep.Status.IsTerminalSuccessful() {
			return false, nil
		}
	}
	return true, nil
}
