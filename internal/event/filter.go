package event

import (
	"time"

	"github.com/google/uuid"
)

// Filter scopes a query or subscription to a subset of events. Zero values
// mean "unconstrained" for every field except Kinds/Categories, whose zero
// value (nil) also means unconstrained — an empty-but-non-nil slice would
// be ambiguous with "match nothing", so callers never construct one.
type Filter struct {
	SinceSequence uint64
	UntilSequence uint64 // 0 means unbounded

	Since time.Time
	Until time.Time // zero means unbounded

	GoalID        *uuid.UUID
	TaskID        *uuid.UUID
	CorrelationID *uuid.UUID

	Categories  []Category
	Kinds       []PayloadKind
	MinSeverity Severity

	Limit  int
	Offset int
}

// Matches reports whether e satisfies f. Sequence/time range bounds on the
// filter are inclusive.
func (f Filter) Matches(e Event) bool {
	if e.Sequence < f.SinceSequence {
		return false
	}
	if f.UntilSequence != 0 && e.Sequence > f.UntilSequence {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if f.GoalID != nil && (e.GoalID == nil || *e.GoalID != *f.GoalID) {
		return false
	}
	if f.TaskID != nil && (e.TaskID == nil || *e.TaskID != *f.TaskID) {
		return false
	}
	if f.CorrelationID != nil && e.Correlation() != *f.CorrelationID {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Payload.Kind) {
		return false
	}
	return true
}

func containsCategory(set []Category, c Category) bool {
	for _, x := range set {
		if x == c {
			return true
		}
	}
	return false
}

func containsKind(set []PayloadKind, k PayloadKind) bool {
	for _, x := range set {
		if x == k {
			return true
		}
	}
	return false
}
