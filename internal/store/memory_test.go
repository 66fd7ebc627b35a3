package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/store"
)

func seedGroup(t *testing.T, m *store.MemoryStore) (models.RequestGroup, models.Request) {
	t.Helper()
	now := time.Now().UTC()
	group := models.RequestGroup{
		ID:              uuid.New(),
		Name:            "seed",
		Proposal:        "LCO2016B-001",
		Semester:        "2016B",
		Submitter:       "someone",
		Operator:        models.OperatorSingle,
		ObservationType: models.ObservationNormal,
		IppValue:        1.5,
		State:           models.StatePending,
		Created:         now,
		Modified:        now,
	}
	req := models.Request{
		ID:            uuid.New(),
		GroupID:       group.ID,
		State:         models.StatePending,
		Location:      models.Location{Site: "tst", TelescopeClass: "1m0"},
		DurationHours: 1.0,
		Created:       now,
		Windows: []models.Window{
			{ID: uuid.New(), Start: now, End: now.Add(time.Hour)},
		},
	}
	req.Windows[0].RequestID = req.ID
	require.NoError(t, m.CreateGroup(context.Background(), group, []models.Request{req}, nil))
	return group, req
}

func TestMemoryCreateAndGet(t *testing.T) {
	m := store.NewMemoryStore()
	group, req := seedGroup(t, m)

	got, err := m.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, group.ID, got.ID)

	gotReq, err := m.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, gotReq.Windows, 1)

	reqs, err := m.GroupRequests(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestMemoryCreateGroupRollsBack(t *testing.T) {
	m := store.NewMemoryStore()
	now := time.Now().UTC()
	group := models.RequestGroup{ID: uuid.New(), State: models.StatePending, Created: now, Modified: now}
	req := models.Request{ID: uuid.New(), GroupID: group.ID, State: models.StatePending, Created: now}

	boom := errors.New("debit failed")
	err := m.CreateGroup(context.Background(), group, []models.Request{req}, func(ctx context.Context, tx store.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetGroup(context.Background(), group.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.GetRequest(context.Background(), req.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryEvaluateGroupRollsBack(t *testing.T) {
	m := store.NewMemoryStore()
	group, req := seedGroup(t, m)

	boom := errors.New("mid-evaluation failure")
	err := m.EvaluateGroup(context.Background(), group.ID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateRequestState(ctx, req.ID, models.StateCompleted, nil); err != nil {
			return err
		}
		if err := tx.UpdateGroupState(ctx, models.StateCompleted, time.Now().UTC()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := m.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	gotGroup, err := m.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, gotGroup.State)
}

func TestMemoryLedgerEntryIdempotent(t *testing.T) {
	m := store.NewMemoryStore()
	group, req := seedGroup(t, m)

	var first, second bool
	err := m.EvaluateGroup(context.Background(), group.ID, func(ctx context.Context, tx store.Tx) error {
		var err error
		first, err = tx.RecordLedgerEntry(ctx, req.ID, "refund_credit", 0.5, time.Now().UTC())
		require.NoError(t, err)
		second, err = tx.RecordLedgerEntry(ctx, req.ID, "refund_credit", 0.5, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	delta, ok := m.LedgerEntry(req.ID, "refund_credit")
	assert.True(t, ok)
	assert.InDelta(t, 0.5, delta, 1e-9)
}

func TestMemoryAllocationRoundTrip(t *testing.T) {
	m := store.NewMemoryStore()
	group, _ := seedGroup(t, m)

	alloc := models.TimeAllocation{
		Proposal:         group.Proposal,
		Semester:         group.Semester,
		TelescopeClass:   "1m0",
		StdAllocation:    100,
		IppLimit:         10,
		IppTimeAvailable: 5,
	}
	require.NoError(t, m.UpsertTimeAllocation(context.Background(), alloc))

	stored, err := m.TimeAllocation(context.Background(), group.Proposal, group.Semester, "1m0")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, stored.ID)

	err = m.EvaluateGroup(context.Background(), group.ID, func(ctx context.Context, tx store.Tx) error {
		inTx, err := tx.TimeAllocation(ctx, "1m0")
		if err != nil {
			return err
		}
		return tx.SetIppTimeAvailable(ctx, inTx.ID, 4.25)
	})
	require.NoError(t, err)

	after, err := m.TimeAllocation(context.Background(), group.Proposal, group.Semester, "1m0")
	require.NoError(t, err)
	assert.InDelta(t, 4.25, after.IppTimeAvailable, 1e-9)
}

func TestMemoryPendingGroupIDs(t *testing.T) {
	m := store.NewMemoryStore()
	pending, _ := seedGroup(t, m)
	done, _ := seedGroup(t, m)
	require.NoError(t, m.EvaluateGroup(context.Background(), done.ID, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateGroupState(ctx, models.StateCompleted, time.Now().UTC())
	}))

	ids, err := m.PendingGroupIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, pending.ID)
	assert.NotContains(t, ids, done.ID)
}

// Groups of the same proposal share one allocation row. Concurrent
// evaluations read-modify-write its balance, so every credit must land; a
// lost update here breaks ledger conservation.
func TestMemoryConcurrentLedgerCreditsAllLand(t *testing.T) {
	m := store.NewMemoryStore()

	const n = 20
	groups := make([]models.RequestGroup, n)
	for i := range groups {
		groups[i], _ = seedGroup(t, m)
	}
	require.NoError(t, m.UpsertTimeAllocation(context.Background(), models.TimeAllocation{
		Proposal:         groups[0].Proposal,
		Semester:         groups[0].Semester,
		TelescopeClass:   "1m0",
		StdAllocation:    100,
		IppLimit:         50,
		IppTimeAvailable: 4.0,
	}))

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			err := m.EvaluateGroup(context.Background(), id, func(ctx context.Context, tx store.Tx) error {
				alloc, err := tx.TimeAllocation(ctx, "1m0")
				if err != nil {
					return err
				}
				return tx.SetIppTimeAvailable(ctx, alloc.ID, alloc.IppTimeAvailable+0.5)
			})
			assert.NoError(t, err)
		}(g.ID)
	}
	wg.Wait()

	after, err := m.TimeAllocation(context.Background(), groups[0].Proposal, groups[0].Semester, "1m0")
	require.NoError(t, err)
	assert.InDelta(t, 4.0+n*0.5, after.IppTimeAvailable, 1e-9)
}

// A failed transaction must undo only its own allocation and ledger writes,
// not balances or entries other groups committed in the meantime.
func TestMemoryRollbackScopedToTransaction(t *testing.T) {
	m := store.NewMemoryStore()
	groupA, reqA := seedGroup(t, m)
	groupB, reqB := seedGroup(t, m)
	require.NoError(t, m.UpsertTimeAllocation(context.Background(), models.TimeAllocation{
		Proposal:         groupA.Proposal,
		Semester:         groupA.Semester,
		TelescopeClass:   "1m0",
		StdAllocation:    100,
		IppLimit:         10,
		IppTimeAvailable: 4.0,
	}))

	// Group B commits a credit first.
	require.NoError(t, m.EvaluateGroup(context.Background(), groupB.ID, func(ctx context.Context, tx store.Tx) error {
		alloc, err := tx.TimeAllocation(ctx, "1m0")
		if err != nil {
			return err
		}
		if _, err := tx.RecordLedgerEntry(ctx, reqB.ID, "refund_credit", 0.5, time.Now().UTC()); err != nil {
			return err
		}
		return tx.SetIppTimeAvailable(ctx, alloc.ID, alloc.IppTimeAvailable+0.5)
	}))

	boom := errors.New("mid-ledger failure")
	err := m.EvaluateGroup(context.Background(), groupA.ID, func(ctx context.Context, tx store.Tx) error {
		alloc, err := tx.TimeAllocation(ctx, "1m0")
		if err != nil {
			return err
		}
		if _, err := tx.RecordLedgerEntry(ctx, reqA.ID, "refund_credit", 100, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.SetIppTimeAvailable(ctx, alloc.ID, 100); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := m.TimeAllocation(context.Background(), groupA.Proposal, groupA.Semester, "1m0")
	require.NoError(t, err)
	assert.InDelta(t, 4.5, after.IppTimeAvailable, 1e-9)

	_, ok := m.LedgerEntry(reqA.ID, "refund_credit")
	assert.False(t, ok)
	delta, ok := m.LedgerEntry(reqB.ID, "refund_credit")
	assert.True(t, ok)
	assert.InDelta(t, 0.5, delta, 1e-9)
}

// Concurrent evaluations of the same group must serialize; each one should
// observe the counter value the previous one left behind.
func TestMemoryEvaluateGroupSerializes(t *testing.T) {
	m := store.NewMemoryStore()
	group, req := seedGroup(t, m)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.EvaluateGroup(context.Background(), group.ID, func(ctx context.Context, tx store.Tx) error {
				return tx.IncrementCounts(ctx, req.ID, 0, 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.ScheduledCount)
}
