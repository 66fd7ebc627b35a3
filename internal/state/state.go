package state

import (
	"time"

	"github.com/obsportal/obsportal/internal/models"
)

// FromRecords computes the candidate state the execution records support on
// their own, before window expiry is considered. Records whose interval has
// not started yet are evidence of nothing. A record whose interval already
// ended without full completion counts as a failed attempt.
func FromRecords(initial models.RequestState, records []models.ExecutionRecord, now time.Time) models.RequestState {
	result := initial
	for _, rec := range records {
		if rec.Start.After(now) {
			continue
		}
		if rec.AllComplete() && !rec.Canceled {
			return models.StateCompleted
		}
		if rec.AnyFailed() || rec.End.Before(now) {
			result = models.StateFailed
		}
	}
	return result
}

// Derive computes a request's next state from its current persisted state,
// its windows, the execution records addressed to it, and whether the whole
// group's window set has lapsed. It returns the new state and whether it
// differs from the current one.
//
// Precedence: completion beats expiry, expiry beats failure or no evidence,
// and a failure inside a still-open window goes back to PENDING for another
// scheduling attempt.
func Derive(current models.RequestState, windows []models.Window, records []models.ExecutionRecord, groupExpired bool, now time.Time) (models.RequestState, bool) {
	if current.Terminal() {
		return current, false
	}

	candidate := FromRecords(current, records, now)

	var next models.RequestState
	switch {
	case candidate == models.StateCompleted:
		next = models.StateCompleted
	case groupExpired || windowsExpired(windows, now):
		next = models.StateWindowExpired
	case candidate == models.StateFailed:
		next = models.StatePending
	default:
		next = candidate
	}
	return next, next != current
}

func windowsExpired(windows []models.Window, now time.Time) bool {
	for _, w := range windows {
		if !w.End.Before(now) {
			return false
		}
	}
	return true
}

// Aggregate rolls member request states up to the group level according to
// the group's fulfillment operator.
func Aggregate(operator models.Operator, states []models.RequestState) models.RequestState {
	switch operator {
	case models.OperatorSingle:
		if len(states) == 1 {
			return states[0]
		}
		return models.StatePending
	case models.OperatorOneOf:
		return aggregateOneOf(states)
	case models.OperatorMany:
		return aggregateMany(states)
	}
	return models.StatePending
}

func aggregateOneOf(states []models.RequestState) models.RequestState {
	if countState(states, models.StateCompleted) > 0 {
		return models.StateCompleted
	}
	if countState(states, models.StatePending) > 0 {
		return models.StatePending
	}
	if countState(states, models.StateCanceled) == len(states) {
		return models.StateCanceled
	}
	return models.StateWindowExpired
}

func aggregateMany(states []models.RequestState) models.RequestState {
	completed := countState(states, models.StateCompleted)
	expired := countState(states, models.StateWindowExpired)
	canceled := countState(states, models.StateCanceled)

	// Partial success counts as group success once no member can still run.
	if completed > 0 && completed+expired+canceled == len(states) {
		return models.StateCompleted
	}
	if countState(states, models.StatePending) > 0 {
		return models.StatePending
	}
	if canceled == len(states) {
		return models.StateCanceled
	}
	if expired == len(states) {
		return models.StateWindowExpired
	}
	return models.StatePending
}

func countState(states []models.RequestState, want models.RequestState) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}
