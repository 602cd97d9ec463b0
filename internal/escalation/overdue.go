package escalation

import (
	"context"
	"time"
)

// CheckOverdue scans pending escalations and resolves those whose
// deadline has passed as of now: an overdue escalation carrying a
// default_action is auto-resolved with it; one without is auto-deferred.
//
// Returns the count auto-resolved and the count auto-deferred.
func CheckOverdue(ctx context.Context, store Store, responder *Responder, now time.Time) (resolved, deferred int, err error) {
	pending, err := store.ListPending(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range pending {
		if !e.Overdue(now) {
			continue
		}

		decision := DecisionDefer
		detail := "auto-deferred: no default action configured before deadline"
		if e.DefaultAction != nil {
			decision = *e.DefaultAction
			detail = "auto-resolved: deadline exceeded with default action"
		}

		if _, respondErr := responder.Respond(ctx, e.ID, decision, detail); respondErr != nil {
			err = respondErr
			continue
		}

		if decision == DecisionDefer {
			deferred++
		} else {
			resolved++
		}
	}

	return resolved, deferred, err
}
