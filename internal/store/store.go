package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract for the portal engine. Evaluation never
// touches rows directly; it runs inside EvaluateGroup, which serializes all
// work on one group (and therefore on each of its requests) behind a group
// row lock.
type Store interface {
	// CreateGroup inserts the group, its requests and their windows, then
	// runs fn inside the same transaction so submission-time ledger work
	// commits or rolls back with the rows.
	CreateGroup(ctx context.Context, group models.RequestGroup, requests []models.Request, fn func(context.Context, Tx) error) error
	GetGroup(ctx context.Context, id uuid.UUID) (models.RequestGroup, error)
	GetRequest(ctx context.Context, id uuid.UUID) (models.Request, error)
	GroupRequests(ctx context.Context, groupID uuid.UUID) ([]models.Request, error)
	TimeAllocation(ctx context.Context, proposal, semester, telescopeClass string) (models.TimeAllocation, error)
	UpsertTimeAllocation(ctx context.Context, alloc models.TimeAllocation) error
	// PendingGroupIDs lists groups still in a non-terminal state, for the
	// expiry sweep.
	PendingGroupIDs(ctx context.Context) ([]uuid.UUID, error)
	// EvaluateGroup locks the group row, runs fn with a transaction-bound
	// view of the group, and commits iff fn returns nil.
	EvaluateGroup(ctx context.Context, groupID uuid.UUID, fn func(context.Context, Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the view evaluation code gets inside CreateGroup/EvaluateGroup. All
// reads and writes are scoped to the locked group.
type Tx interface {
	Group(ctx context.Context) (models.RequestGroup, error)
	// Requests returns the group's requests with windows loaded.
	Requests(ctx context.Context) ([]models.Request, error)
	UpdateRequestState(ctx context.Context, id uuid.UUID, state models.RequestState, completed *time.Time) error
	UpdateGroupState(ctx context.Context, state models.RequestState, modified time.Time) error
	SetRequestCredited(ctx context.Context, id uuid.UUID, credited bool) error
	IncrementCounts(ctx context.Context, id uuid.UUID, failDelta, scheduledDelta int) error
	// TimeAllocation locks the proposal's allocation row for the telescope
	// class until the transaction ends. The allocation is shared across
	// groups, so balance updates serialize on this lock.
	TimeAllocation(ctx context.Context, telescopeClass string) (models.TimeAllocation, error)
	SetIppTimeAvailable(ctx context.Context, allocID uuid.UUID, value float64) error
	// RecordLedgerEntry inserts an (request, kind) ledger row. It returns
	// false when the row already exists, which is what makes replayed
	// transitions no-ops.
	RecordLedgerEntry(ctx context.Context, requestID uuid.UUID, kind string, delta float64, at time.Time) (bool, error)
}
