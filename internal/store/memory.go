package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/models"
)

type allocKey struct {
	proposal string
	semester string
	class    string
}

type ledgerKey struct {
	requestID uuid.UUID
	kind      string
}

// MemoryStore is the in-memory implementation used by tests and local runs.
// Per-group mutexes give it the same serialization guarantee the SQL store
// gets from the group row lock, and per-allocation mutexes stand in for the
// allocation row lock: a transaction that reads an allocation holds its lock
// until commit or rollback, since groups of the same proposal share the
// allocation row.
type MemoryStore struct {
	mu          sync.RWMutex
	groups      map[uuid.UUID]models.RequestGroup
	requests    map[uuid.UUID]models.Request
	allocations map[allocKey]models.TimeAllocation
	allocByID   map[uuid.UUID]allocKey
	ledger      map[ledgerKey]float64

	locksMu    sync.Mutex
	groupLocks map[uuid.UUID]*sync.Mutex
	allocLocks map[allocKey]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:      map[uuid.UUID]models.RequestGroup{},
		requests:    map[uuid.UUID]models.Request{},
		allocations: map[allocKey]models.TimeAllocation{},
		allocByID:   map[uuid.UUID]allocKey{},
		ledger:      map[ledgerKey]float64{},
		groupLocks:  map[uuid.UUID]*sync.Mutex{},
		allocLocks:  map[allocKey]*sync.Mutex{},
	}
}

func (m *MemoryStore) lockForGroup(id uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.groupLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.groupLocks[id] = lock
	}
	return lock
}

func (m *MemoryStore) lockForAllocation(key allocKey) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.allocLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.allocLocks[key] = lock
	}
	return lock
}

func copyRequest(r models.Request) models.Request {
	out := r
	out.Windows = append([]models.Window(nil), r.Windows...)
	if r.Completed != nil {
		t := *r.Completed
		out.Completed = &t
	}
	return out
}

// memSnapshot covers the rows the group lock protects. Allocation balances
// and ledger entries are shared across groups, so they roll back through the
// transaction's own journal instead of a snapshot, which would clobber
// concurrent commits by other groups.
type memSnapshot struct {
	group       models.RequestGroup
	groupExists bool
	requests    map[uuid.UUID]models.Request
}

func (m *MemoryStore) snapshot(groupID uuid.UUID) memSnapshot {
	snap := memSnapshot{
		requests: map[uuid.UUID]models.Request{},
	}
	snap.group, snap.groupExists = m.groups[groupID]
	for id, r := range m.requests {
		if r.GroupID == groupID {
			snap.requests[id] = copyRequest(r)
		}
	}
	return snap
}

func (m *MemoryStore) restore(groupID uuid.UUID, snap memSnapshot) {
	if snap.groupExists {
		m.groups[groupID] = snap.group
	} else {
		delete(m.groups, groupID)
	}
	for id, r := range m.requests {
		if r.GroupID == groupID {
			delete(m.requests, id)
		}
	}
	for id, r := range snap.requests {
		m.requests[id] = r
	}
}

func (m *MemoryStore) CreateGroup(ctx context.Context, group models.RequestGroup, requests []models.Request, fn func(context.Context, Tx) error) error {
	lock := m.lockForGroup(group.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if _, exists := m.groups[group.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("group %s already exists", group.ID)
	}
	snap := m.snapshot(group.ID)
	m.groups[group.ID] = group
	for _, r := range requests {
		m.requests[r.ID] = copyRequest(r)
	}
	m.mu.Unlock()

	tx := newMemTx(m, group.ID)
	defer tx.release()
	if fn != nil {
		if err := fn(ctx, tx); err != nil {
			m.mu.Lock()
			m.restore(group.ID, snap)
			tx.rollbackShared()
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetGroup(ctx context.Context, id uuid.UUID) (models.RequestGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	group, ok := m.groups[id]
	if !ok {
		return models.RequestGroup{}, ErrNotFound
	}
	return group, nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id uuid.UUID) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) GroupRequests(ctx context.Context, groupID uuid.UUID) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupRequestsLocked(groupID), nil
}

func (m *MemoryStore) groupRequestsLocked(groupID uuid.UUID) []models.Request {
	var out []models.Request
	for _, r := range m.requests {
		if r.GroupID == groupID {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *MemoryStore) TimeAllocation(ctx context.Context, proposal, semester, telescopeClass string) (models.TimeAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alloc, ok := m.allocations[allocKey{proposal, semester, telescopeClass}]
	if !ok {
		return models.TimeAllocation{}, ErrNotFound
	}
	return alloc, nil
}

func (m *MemoryStore) UpsertTimeAllocation(ctx context.Context, alloc models.TimeAllocation) error {
	if alloc.ID == uuid.Nil {
		alloc.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := allocKey{alloc.Proposal, alloc.Semester, alloc.TelescopeClass}
	if existing, ok := m.allocations[key]; ok {
		alloc.ID = existing.ID
	}
	m.allocations[key] = alloc
	m.allocByID[alloc.ID] = key
	return nil
}

func (m *MemoryStore) PendingGroupIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uuid.UUID
	for id, g := range m.groups {
		if !g.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *MemoryStore) EvaluateGroup(ctx context.Context, groupID uuid.UUID, fn func(context.Context, Tx) error) error {
	lock := m.lockForGroup(groupID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if _, ok := m.groups[groupID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	snap := m.snapshot(groupID)
	m.mu.Unlock()

	tx := newMemTx(m, groupID)
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		m.mu.Lock()
		m.restore(groupID, snap)
		tx.rollbackShared()
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// LedgerEntry reports a recorded (request, kind) ledger delta. Test helper.
func (m *MemoryStore) LedgerEntry(requestID uuid.UUID, kind string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delta, ok := m.ledger[ledgerKey{requestID, kind}]
	return delta, ok
}

type memTx struct {
	store   *MemoryStore
	groupID uuid.UUID

	// heldAllocs maps each allocation this transaction locked to the
	// IppTimeAvailable it had at lock time, for rollback.
	heldAllocs     map[allocKey]float64
	insertedLedger []ledgerKey
}

func newMemTx(m *MemoryStore, groupID uuid.UUID) *memTx {
	return &memTx{store: m, groupID: groupID, heldAllocs: map[allocKey]float64{}}
}

// ensureAllocLocked takes the allocation's lock, once, and records the balance
// it saw. Must not be called with store.mu held.
func (t *memTx) ensureAllocLocked(key allocKey) {
	if _, held := t.heldAllocs[key]; held {
		return
	}
	t.store.lockForAllocation(key).Lock()
	t.store.mu.RLock()
	t.heldAllocs[key] = t.store.allocations[key].IppTimeAvailable
	t.store.mu.RUnlock()
}

// rollbackShared undoes this transaction's writes to rows shared across
// groups. Caller holds store.mu.
func (t *memTx) rollbackShared() {
	for key, balance := range t.heldAllocs {
		alloc, ok := t.store.allocations[key]
		if !ok {
			continue
		}
		alloc.IppTimeAvailable = balance
		t.store.allocations[key] = alloc
	}
	for _, key := range t.insertedLedger {
		delete(t.store.ledger, key)
	}
	t.insertedLedger = nil
}

func (t *memTx) release() {
	for key := range t.heldAllocs {
		t.store.lockForAllocation(key).Unlock()
	}
	t.heldAllocs = map[allocKey]float64{}
}

func (t *memTx) Group(ctx context.Context) (models.RequestGroup, error) {
	return t.store.GetGroup(ctx, t.groupID)
}

func (t *memTx) Requests(ctx context.Context) ([]models.Request, error) {
	return t.store.GroupRequests(ctx, t.groupID)
}

func (t *memTx) UpdateRequestState(ctx context.Context, id uuid.UUID, state models.RequestState, completed *time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	req, ok := t.store.requests[id]
	if !ok || req.GroupID != t.groupID {
		return ErrNotFound
	}
	req.State = state
	req.Completed = completed
	t.store.requests[id] = req
	return nil
}

func (t *memTx) UpdateGroupState(ctx context.Context, state models.RequestState, modified time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	group, ok := t.store.groups[t.groupID]
	if !ok {
		return ErrNotFound
	}
	group.State = state
	group.Modified = modified
	t.store.groups[t.groupID] = group
	return nil
}

func (t *memTx) SetRequestCredited(ctx context.Context, id uuid.UUID, credited bool) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	req, ok := t.store.requests[id]
	if !ok || req.GroupID != t.groupID {
		return ErrNotFound
	}
	req.IppCredited = credited
	t.store.requests[id] = req
	return nil
}

func (t *memTx) IncrementCounts(ctx context.Context, id uuid.UUID, failDelta, scheduledDelta int) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	req, ok := t.store.requests[id]
	if !ok || req.GroupID != t.groupID {
		return ErrNotFound
	}
	req.FailCount += failDelta
	req.ScheduledCount += scheduledDelta
	t.store.requests[id] = req
	return nil
}

func (t *memTx) TimeAllocation(ctx context.Context, telescopeClass string) (models.TimeAllocation, error) {
	t.store.mu.RLock()
	group, ok := t.store.groups[t.groupID]
	t.store.mu.RUnlock()
	if !ok {
		return models.TimeAllocation{}, ErrNotFound
	}
	key := allocKey{group.Proposal, group.Semester, telescopeClass}
	t.ensureAllocLocked(key)

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	alloc, ok := t.store.allocations[key]
	if !ok {
		return models.TimeAllocation{}, ErrNotFound
	}
	return alloc, nil
}

func (t *memTx) SetIppTimeAvailable(ctx context.Context, allocID uuid.UUID, value float64) error {
	t.store.mu.RLock()
	key, ok := t.store.allocByID[allocID]
	t.store.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	t.ensureAllocLocked(key)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	alloc := t.store.allocations[key]
	alloc.IppTimeAvailable = value
	t.store.allocations[key] = alloc
	return nil
}

func (t *memTx) RecordLedgerEntry(ctx context.Context, requestID uuid.UUID, kind string, delta float64, at time.Time) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	key := ledgerKey{requestID, kind}
	if _, exists := t.store.ledger[key]; exists {
		return false, nil
	}
	t.store.ledger[key] = delta
	t.insertedLedger = append(t.insertedLedger, key)
	return true, nil
}
