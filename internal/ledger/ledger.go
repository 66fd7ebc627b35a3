package ledger

import (
	"fmt"
	"log"

	"github.com/obsportal/obsportal/internal/models"
)

// EntryKind labels a ledger entry. Each kind happens at most once per
// request; the store enforces this with a (request_id, kind) uniqueness
// constraint.
type EntryKind string

const (
	KindSubmissionDebit    EntryKind = "submission_debit"
	KindRefundCredit       EntryKind = "refund_credit"
	KindCompletionDebit    EntryKind = "completion_debit"
	KindCompletionEarnback EntryKind = "completion_earnback"
)

// TimeAllocationError signals that a submission-time debit cannot be covered
// by the proposal's available boost time. It is raised by pure validation,
// before anything is persisted.
type TimeAllocationError struct {
	Msg string
}

func (e *TimeAllocationError) Error() string { return e.Msg }

// Bounds accepted for a group's ipp_value. Above 1.0 buys priority with
// reserved time; below 1.0 earns time back on completion.
const (
	MinIppValue = 0.5
	MaxIppValue = 2.0
)

// ReservedHours is the share of boost time one request reserves at
// submission. Zero for groups that do not request a boost.
func ReservedHours(ippValue, durationHours float64) float64 {
	if ippValue > 1.0 {
		return (ippValue - 1.0) * durationHours
	}
	return 0
}

// EarnbackHours is the time credited when a request submitted below normal
// priority completes.
func EarnbackHours(ippValue, durationHours float64) float64 {
	if ippValue < 1.0 {
		return (1.0 - ippValue) * durationHours
	}
	return 0
}

// ValidateDebit checks, without side effects, that a submission-time debit of
// totalHours of observing time at ippValue fits the allocation.
func ValidateDebit(alloc models.TimeAllocation, ippValue, totalHours float64) error {
	if ippValue < MinIppValue || ippValue > MaxIppValue {
		return &TimeAllocationError{Msg: fmt.Sprintf(
			"ipp_value of %.3f is out of range, must be between %.1f and %.1f", ippValue, MinIppValue, MaxIppValue)}
	}
	debit := ReservedHours(ippValue, totalHours)
	// The spendable balance is capped at the proposal's ipp_limit; time above
	// the limit can accumulate from earnbacks but cannot be drawn on. A limit
	// of zero or below means no limit is configured.
	available := alloc.IppTimeAvailable
	if alloc.IppLimit > 0 && available > alloc.IppLimit {
		available = alloc.IppLimit
	}
	if debit > available {
		return &TimeAllocationError{Msg: fmt.Sprintf(
			"an ipp_value of %.3f requires more ipp_time than is available on proposal %s for semester %s on %s telescopes",
			ippValue, alloc.Proposal, alloc.Semester, alloc.TelescopeClass)}
	}
	return nil
}

// Adjustment is the outcome of applying a state transition to the ledger.
type Adjustment struct {
	Kind     EntryKind
	Delta    float64 // hours added to (positive) or removed from ipp_time_available
	Credited bool    // the request's credited flag after the adjustment
}

// ForTransition maps a request state transition onto the ledger adjustment it
// requires, if any. reserved and earnback are the amounts fixed at
// submission; credited is the request's persisted credited-once guard.
// Returns nil when the transition carries no accounting consequence, which
// makes replaying an observed state sequence idempotent.
func ForTransition(prev, next models.RequestState, reserved, earnback float64, credited bool) *Adjustment {
	if prev == next {
		return nil
	}
	switch next {
	case models.StateCanceled, models.StateWindowExpired:
		if !credited && reserved > 0 {
			return &Adjustment{Kind: KindRefundCredit, Delta: reserved, Credited: true}
		}
	case models.StateCompleted:
		if credited && reserved > 0 {
			// Late completion after the reserved time was refunded.
			return &Adjustment{Kind: KindCompletionDebit, Delta: -reserved, Credited: false}
		}
		if earnback > 0 {
			return &Adjustment{Kind: KindCompletionEarnback, Delta: earnback, Credited: credited}
		}
	case models.StatePending, models.StateFailed:
		// No accounting consequence.
	}
	return nil
}

// Apply adds delta to the allocation's available boost time, clamping at
// zero. A clamp is not an error: the warning is logged and the clamp itself
// is the corrective action.
func Apply(alloc *models.TimeAllocation, delta float64, logger *log.Logger) {
	next := alloc.IppTimeAvailable + delta
	if next < 0 {
		if logger != nil {
			logger.Printf("proposal %s %s %s: ipp time available after debiting will be capped at 0 (was %.4f, delta %.4f)",
				alloc.Proposal, alloc.Semester, alloc.TelescopeClass, alloc.IppTimeAvailable, delta)
		}
		next = 0
	}
	alloc.IppTimeAvailable = next
}
