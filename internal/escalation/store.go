package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists escalation events and supports the orchestrator's
// "list pending escalations, respond" query API.
type Store interface {
	Create(ctx context.Context, e *Event) error
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
	ListPending(ctx context.Context) ([]*Event, error)
	Update(ctx context.Context, e *Event) error
}

// ErrNotFound is returned by Get when no escalation with the given id
// exists.
type ErrNotFound struct {
	ID uuid.UUID
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("escalation: %s not found", e.ID)
}

// MemoryStore is an in-process Store backed by a map, used for tests and
// single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]*Event)}
}

func (s *MemoryStore) Create(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.byID[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	cp := *e
	return &cp, nil
}

// ListPending returns every unresolved escalation, ordered oldest-first
// so callers process the longest-waiting escalations first.
func (s *MemoryStore) ListPending(_ context.Context) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.byID))
	for _, e := range s.byID {
		if !e.Resolved {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; !ok {
		return &ErrNotFound{ID: e.ID}
	}
	cp := *e
	s.byID[e.ID] = &cp
	return nil
}
