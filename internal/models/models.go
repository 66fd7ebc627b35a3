package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestState is the lifecycle state shared by requests and request groups.
// Only the states below exist; transition logic switches exhaustively over them.
type RequestState string

const (
	StatePending       RequestState = "PENDING"
	StateCompleted     RequestState = "COMPLETED"
	StateFailed        RequestState = "FAILED"
	StateWindowExpired RequestState = "WINDOW_EXPIRED"
	StateCanceled      RequestState = "CANCELED"
)

// Terminal reports whether a state never regresses. WINDOW_EXPIRED is not
// terminal: late-arriving execution records may still promote it.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Valid reports whether s is one of the defined states.
func (s RequestState) Valid() bool {
	switch s {
	case StatePending, StateCompleted, StateFailed, StateWindowExpired, StateCanceled:
		return true
	}
	return false
}

// Operator is a group's fulfillment policy.
type Operator string

const (
	OperatorSingle Operator = "SINGLE"
	OperatorMany   Operator = "MANY"
	OperatorOneOf  Operator = "ONEOF"
)

func (o Operator) Valid() bool {
	switch o {
	case OperatorSingle, OperatorMany, OperatorOneOf:
		return true
	}
	return false
}

// ObservationType selects which allocation bucket a group draws from.
type ObservationType string

const (
	ObservationNormal ObservationType = "NORMAL"
	ObservationToO    ObservationType = "TOO"
)

// TimeAllocation is a proposal's observing-time budget for one semester and
// telescope class. ipp_time_available is mutated only by the ledger.
type TimeAllocation struct {
	ID               uuid.UUID `json:"id"`
	Proposal         string    `json:"proposal"`
	Semester         string    `json:"semester"`
	TelescopeClass   string    `json:"telescopeClass"`
	StdAllocation    float64   `json:"stdAllocation"`
	StdTimeUsed      float64   `json:"stdTimeUsed"`
	TooAllocation    float64   `json:"tooAllocation"`
	TooTimeUsed      float64   `json:"tooTimeUsed"`
	IppLimit         float64   `json:"ippLimit"`
	IppTimeAvailable float64   `json:"ippTimeAvailable"`
}

// Window is an observing opportunity. End must be after Start and in the
// future at creation time; enforced at submission, immutable afterwards.
type Window struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"requestId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Location pins a request to a place in the telescope network. Site is
// required; enclosure and telescope narrow it further. TelescopeClass drives
// time-allocation resolution.
type Location struct {
	Site           string `json:"site,omitempty"`
	Enclosure      string `json:"enclosure,omitempty"`
	Telescope      string `json:"telescope,omitempty"`
	TelescopeClass string `json:"telescopeClass"`
}

// Request is one schedulable unit belonging to exactly one group.
type Request struct {
	ID               uuid.UUID       `json:"id"`
	GroupID          uuid.UUID       `json:"groupId"`
	State            RequestState    `json:"state"`
	Location         Location        `json:"location"`
	Target           json.RawMessage `json:"target,omitempty"`
	Constraints      json.RawMessage `json:"constraints,omitempty"`
	DurationHours    float64         `json:"durationHours"`
	IppReservedHours float64         `json:"ippReservedHours"`
	IppCredited      bool            `json:"ippCredited"`
	FailCount        int             `json:"failCount"`
	ScheduledCount   int             `json:"scheduledCount"`
	Windows          []Window        `json:"windows"`
	Created          time.Time       `json:"created"`
	Completed        *time.Time      `json:"completed,omitempty"`
}

// WindowsExpired reports whether every window has closed. A request without
// windows counts as expired; submission validation guarantees at least one.
func (r Request) WindowsExpired(now time.Time) bool {
	for _, w := range r.Windows {
		if !w.End.Before(now) {
			return false
		}
	}
	return true
}

// RequestGroup (the "user request") bundles requests submitted together under
// one fulfillment operator. Its state is derived, never set by a user.
type RequestGroup struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Proposal        string          `json:"proposal"`
	Semester        string          `json:"semester"`
	Submitter       string          `json:"submitter"`
	Operator        Operator        `json:"operator"`
	ObservationType ObservationType `json:"observationType"`
	IppValue        float64         `json:"ippValue"`
	State           RequestState    `json:"state"`
	Created         time.Time       `json:"created"`
	Modified        time.Time       `json:"modified"`
}

// MoleculeOutcome is the reported result of one sub-unit of an execution.
type MoleculeOutcome struct {
	Complete bool `json:"complete"`
	Failed   bool `json:"failed"`
}

// ExecutionRecord is the execution layer's report of an attempted
// observation ("pond block"). Ephemeral input, never persisted.
type ExecutionRecord struct {
	RequestID uuid.UUID         `json:"requestId"`
	GroupID   uuid.UUID         `json:"groupId"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Canceled  bool              `json:"canceled"`
	Molecules []MoleculeOutcome `json:"molecules"`
}

// AllComplete reports whether the record carries full completion evidence.
func (r ExecutionRecord) AllComplete() bool {
	if len(r.Molecules) == 0 {
		return false
	}
	for _, m := range r.Molecules {
		if !m.Complete {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any sub-unit failed outright.
func (r ExecutionRecord) AnyFailed() bool {
	for _, m := range r.Molecules {
		if m.Failed {
			return true
		}
	}
	return false
}

// TelescopeKey identifies one physical mount, or with an empty enclosure a
// whole class of mounts at a site (e.g. every 1m0 telescope at "coj").
type TelescopeKey struct {
	Site      string `json:"site"`
	Enclosure string `json:"enclosure"`
	Telescope string `json:"telescope"`
}

func (k TelescopeKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Site, k.Enclosure, k.Telescope)
}

// ClassKey collapses the key to its site + telescope-class form, dropping the
// trailing unit letter of the telescope code ("1m0a" -> "1m0").
func (k TelescopeKey) ClassKey() TelescopeKey {
	class := k.Telescope
	if len(class) > 1 {
		class = class[:len(class)-1]
	}
	return TelescopeKey{Site: k.Site, Telescope: class}
}

// RawEvent is a single telescope status change as reported by telemetry.
// The stream may be unordered and contain duplicates.
type RawEvent struct {
	Site      string    `json:"site"`
	Enclosure string    `json:"enclosure"`
	Telescope string    `json:"telescope"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the physical telescope the event belongs to.
func (e RawEvent) Key() TelescopeKey {
	return TelescopeKey{Site: e.Site, Enclosure: e.Enclosure, Telescope: e.Telescope}
}

// StateInterval is a merged, non-overlapping span during which a telescope
// stayed in one state. Within a key's list consecutive intervals never share
// both event type and reason, and Start <= End always.
type StateInterval struct {
	Telescope   string    `json:"telescope"`
	EventType   string    `json:"eventType"`
	EventReason string    `json:"eventReason"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}
