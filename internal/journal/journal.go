// Package journal wraps an event.Repository with the durability
// invariants the rest of the control plane depends on: gapless monotonic
// sequencing, handler watermarks, circuit-breaker state persistence, and a
// dead-letter sink for events a handler could not process.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm/internal/errors"
	"github.com/odgrim/abathur-swarm/internal/event"
)

// DeadLetterEntry records an event a handler failed to process after
// retries, for operator inspection.
type DeadLetterEntry struct {
	EventID     uuid.UUID
	Sequence    uint64
	HandlerName string
	Error       string
	RetryCount  int
	RecordedAt  time.Time
}

// CircuitBreakerRecord is the persisted snapshot of one handler's breaker,
// reloaded into the errors.CircuitBreakerManager on startup.
type CircuitBreakerRecord struct {
	HandlerName  string
	State        errors.CircuitState
	FailureCount int
	TrippedAt    time.Time
}

// Journal is the single writer of record for the control plane's event
// log. All appends funnel through one mutex so sequence assignment stays
// gapless even under concurrent publishers.
type Journal struct {
	repo event.Repository

	mu         sync.Mutex
	watermarks map[string]uint64
	deadLetter []DeadLetterEntry
	breakers   map[string]CircuitBreakerRecord
}

// New wraps repo with watermark and dead-letter tracking.
func New(repo event.Repository) *Journal {
	return &Journal{
		repo:       repo,
		watermarks: make(map[string]uint64),
		breakers:   make(map[string]CircuitBreakerRecord),
	}
}

// Append persists e, assigning the next sequence number.
func (j *Journal) Append(ctx context.Context, e event.Event) (event.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.repo.Append(ctx, e)
}

// Query delegates to the wrapped repository.
func (j *Journal) Query(ctx context.Context, f event.Filter) ([]event.Event, error) {
	return j.repo.Query(ctx, f)
}

// LatestSequence delegates to the wrapped repository.
func (j *Journal) LatestSequence(ctx context.Context) (uint64, error) {
	return j.repo.LatestSequence(ctx)
}

// Count delegates to the wrapped repository.
func (j *Journal) Count(ctx context.Context, f event.Filter) (int, error) {
	return j.repo.Count(ctx, f)
}

// PruneOlderThan deletes events with sequence <= upTo. Callers (the
// dispatcher) are responsible for never pruning past the slowest handler's
// watermark.
func (j *Journal) PruneOlderThan(ctx context.Context, upTo uint64) (int, error) {
	return j.repo.PruneOlderThan(ctx, upTo)
}

// DetectSequenceGaps scans [from, to] and returns contiguous missing
// intervals as [start, end] pairs.
func (j *Journal) DetectSequenceGaps(ctx context.Context, from, to uint64) ([][2]uint64, error) {
	events, err := j.repo.Query(ctx, event.Filter{SinceSequence: from, UntilSequence: to})
	if err != nil {
		return nil, fmt.Errorf("detect sequence gaps: %w", err)
	}

	var gaps [][2]uint64
	expect := from
	for _, e := range events {
		if e.Sequence > expect {
			gaps = append(gaps, [2]uint64{expect, e.Sequence - 1})
		}
		expect = e.Sequence + 1
	}
	if expect <= to {
		gaps = append(gaps, [2]uint64{expect, to})
	}
	return gaps, nil
}

// ReplaySince returns every event after seq, ascending, for the reactor's
// startup replay.
func (j *Journal) ReplaySince(ctx context.Context, seq uint64) ([]event.Event, error) {
	return j.repo.Query(ctx, event.Filter{SinceSequence: seq + 1})
}

// GetWatermark returns the last sequence handlerName successfully
// processed, or 0 if it has never run.
func (j *Journal) GetWatermark(handlerName string) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.watermarks[handlerName]
}

// SetWatermark records handlerName's progress. Per the monotonicity
// invariant, a lower value than the current one is ignored.
func (j *Journal) SetWatermark(handlerName string, seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.watermarks[handlerName] {
		j.watermarks[handlerName] = seq
	}
}

// MinWatermark returns the lowest watermark across the given handler
// names, used by the reactor to bound its startup replay. Handlers not
// yet seen are treated as watermark 0.
func (j *Journal) MinWatermark(handlerNames []string) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(handlerNames) == 0 {
		return 0
	}
	min := uint64(0)
	first := true
	for _, name := range handlerNames {
		w := j.watermarks[name]
		if first || w < min {
			min = w
			first = false
		}
	}
	return min
}

// AppendDeadLetter records a handler's terminal failure to process an
// event.
func (j *Journal) AppendDeadLetter(entry DeadLetterEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deadLetter = append(j.deadLetter, entry)
}

// DeadLetters returns a snapshot of all recorded dead-letter entries.
func (j *Journal) DeadLetters() []DeadLetterEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]DeadLetterEntry, len(j.deadLetter))
	copy(out, j.deadLetter)
	return out
}

// SaveCircuitBreakerState persists a handler's breaker snapshot.
func (j *Journal) SaveCircuitBreakerState(rec CircuitBreakerRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.breakers[rec.HandlerName] = rec
}

// LoadCircuitBreakerStates returns every persisted breaker snapshot, used
// to reload the errors.CircuitBreakerManager on startup.
func (j *Journal) LoadCircuitBreakerStates() []CircuitBreakerRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]CircuitBreakerRecord, 0, len(j.breakers))
	for _, rec := range j.breakers {
		out = append(out, rec)
	}
	return out
}
