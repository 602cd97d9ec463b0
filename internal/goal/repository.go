package goal

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

// ErrNotFound is returned by Get/Update when the entity does not exist.
var ErrNotFound = fmt.Errorf("not found")

// ErrHasChildren is returned by Delete when the goal has non-empty
// children: deleting a goal with children still attached is rejected.
var ErrHasChildren = fmt.Errorf("goal has children")

// Repository is the persistent-store contract for Goal entities (§6).
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Goal, error)
	List(ctx context.Context, f Filter) ([]*Goal, error)
	Create(ctx context.Context, g *Goal) error
	Update(ctx context.Context, g *Goal, expectedVersion int) error
	Delete(ctx context.Context, id uuid.UUID) error
	Children(ctx context.Context, id uuid.UUID) ([]*Goal, error)
}

// MemoryRepository is an in-process Repository for tests and reference
// wiring.
type MemoryRepository struct {
	mu    sync.RWMutex
	goals map[uuid.UUID]*Goal
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{goals: make(map[uuid.UUID]*Goal)}
}

func clone(g *Goal) *Goal {
	cp := *g
	cp.Constraints = append([]Constraint(nil), g.Constraints...)
	cp.Domains = append([]string(nil), g.Domains...)
	return &cp
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	return clone(g), nil
}

// List implements Repository.
func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Goal
	for _, g := range r.goals {
		if f.Status != nil && g.Status != *f.Status {
			continue
		}
		if f.ParentID != nil && (g.ParentID == nil || *g.ParentID != *f.ParentID) {
			continue
		}
		out = append(out, clone(g))
	}
	return out, nil
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, g *Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.goals[g.ID]; exists {
		return fmt.Errorf("goal %s already exists", g.ID)
	}
	r.goals[g.ID] = clone(g)
	return nil
}

// Update implements Repository.
func (r *MemoryRepository) Update(_ context.Context, g *Goal, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.goals[g.ID]
	if !ok {
		return fmt.Errorf("goal %s: %w", g.ID, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("goal %s: version conflict (expected %d, actual %d)", g.ID, expectedVersion, existing.Version)
	}
	r.goals[g.ID] = clone(g)
	return nil
}

// Delete implements Repository, refusing to delete a goal with children.
func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.goals {
		if g.ParentID != nil && *g.ParentID == id {
			return ErrHasChildren
		}
	}
	delete(r.goals, id)
	return nil
}

// Children implements Repository.
func (r *MemoryRepository) Children(_ context.Context, id uuid.UUID) ([]*Goal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Goal
	for _, g := range r.goals {
		if g.ParentID != nil && *g.ParentID == id {
			out = append(out, clone(g))
		}
	}
	return out, nil
}
