package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obsportal/obsportal/internal/models"
)

// SQLStore implements Store on database/sql. It runs against postgres
// (lib/pq) in production and sqlite (modernc.org/sqlite) for lightweight
// deployments; all SQL stays in the subset both drivers accept, and the only
// driver-specific behavior is the row locks (sqlite serializes writers on its
// own).
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// NewPGStore is shorthand for the postgres-backed store.
func NewPGStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, "postgres")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (models.RequestGroup, error) {
	var g models.RequestGroup
	if err := row.Scan(
		&g.ID,
		&g.Name,
		&g.Proposal,
		&g.Semester,
		&g.Submitter,
		&g.Operator,
		&g.ObservationType,
		&g.IppValue,
		&g.State,
		&g.Created,
		&g.Modified,
	); err != nil {
		return models.RequestGroup{}, err
	}
	return g, nil
}

func scanRequest(row rowScanner) (models.Request, error) {
	var (
		r                   models.Request
		target, constraints []byte
		completed           sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.GroupID,
		&r.State,
		&r.Location.Site,
		&r.Location.Enclosure,
		&r.Location.Telescope,
		&r.Location.TelescopeClass,
		&target,
		&constraints,
		&r.DurationHours,
		&r.IppReservedHours,
		&r.IppCredited,
		&r.FailCount,
		&r.ScheduledCount,
		&r.Created,
		&completed,
	); err != nil {
		return models.Request{}, err
	}
	if len(target) > 0 {
		r.Target = append(json.RawMessage(nil), target...)
	}
	if len(constraints) > 0 {
		r.Constraints = append(json.RawMessage(nil), constraints...)
	}
	if completed.Valid {
		t := completed.Time
		r.Completed = &t
	}
	return r, nil
}

func scanAllocation(row rowScanner) (models.TimeAllocation, error) {
	var a models.TimeAllocation
	if err := row.Scan(
		&a.ID,
		&a.Proposal,
		&a.Semester,
		&a.TelescopeClass,
		&a.StdAllocation,
		&a.StdTimeUsed,
		&a.TooAllocation,
		&a.TooTimeUsed,
		&a.IppLimit,
		&a.IppTimeAvailable,
	); err != nil {
		return models.TimeAllocation{}, err
	}
	return a, nil
}

const groupColumns = `id, name, proposal, semester, submitter, operator, observation_type, ipp_value, state, created, modified`

const requestColumns = `id, group_id, state, site, enclosure, telescope, telescope_class, target, constraints,
	duration_hours, ipp_reserved_hours, ipp_credited, fail_count, scheduled_count, created, completed`

const allocationColumns = `id, proposal, semester, telescope_class, std_allocation, std_time_used,
	too_allocation, too_time_used, ipp_limit, ipp_time_available`

func (s *SQLStore) CreateGroup(ctx context.Context, group models.RequestGroup, requests []models.Request, fn func(context.Context, Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertGroup := `
		INSERT INTO request_groups (` + groupColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	if _, err := tx.ExecContext(ctx, insertGroup,
		group.ID, group.Name, group.Proposal, group.Semester, group.Submitter,
		group.Operator, group.ObservationType, group.IppValue, group.State,
		group.Created, group.Modified,
	); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	insertRequest := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	insertWindow := `
		INSERT INTO windows (id, request_id, start_at, end_at)
		VALUES ($1,$2,$3,$4)
	`
	for _, r := range requests {
		if _, err := tx.ExecContext(ctx, insertRequest,
			r.ID, r.GroupID, r.State,
			r.Location.Site, r.Location.Enclosure, r.Location.Telescope, r.Location.TelescopeClass,
			[]byte(r.Target), []byte(r.Constraints),
			r.DurationHours, r.IppReservedHours, r.IppCredited,
			r.FailCount, r.ScheduledCount, r.Created, r.Completed,
		); err != nil {
			return fmt.Errorf("insert request %s: %w", r.ID, err)
		}
		for _, w := range r.Windows {
			if _, err := tx.ExecContext(ctx, insertWindow, w.ID, w.RequestID, w.Start, w.End); err != nil {
				return fmt.Errorf("insert window %s: %w", w.ID, err)
			}
		}
	}

	if fn != nil {
		if err := fn(ctx, &sqlTx{tx: tx, groupID: group.ID, driver: s.driver}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id uuid.UUID) (models.RequestGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM request_groups WHERE id=$1`
	group, err := scanGroup(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RequestGroup{}, ErrNotFound
		}
		return models.RequestGroup{}, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id uuid.UUID) (models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id=$1`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Request{}, ErrNotFound
		}
		return models.Request{}, fmt.Errorf("get request: %w", err)
	}
	windows, err := loadWindows(ctx, s.db, []uuid.UUID{id})
	if err != nil {
		return models.Request{}, err
	}
	req.Windows = windows[id]
	return req, nil
}

func (s *SQLStore) GroupRequests(ctx context.Context, groupID uuid.UUID) ([]models.Request, error) {
	return groupRequests(ctx, s.db, groupID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func groupRequests(ctx context.Context, q querier, groupID uuid.UUID) ([]models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE group_id=$1 ORDER BY created ASC`
	rows, err := q.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group requests: %w", err)
	}
	defer rows.Close()

	var requests []models.Request
	var ids []uuid.UUID
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, req)
		ids = append(ids, req.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}

	windows, err := loadWindows(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i].Windows = windows[requests[i].ID]
	}
	return requests, nil
}

func loadWindows(ctx context.Context, q querier, requestIDs []uuid.UUID) (map[uuid.UUID][]models.Window, error) {
	out := make(map[uuid.UUID][]models.Window, len(requestIDs))
	query := `SELECT id, request_id, start_at, end_at FROM windows WHERE request_id=$1 ORDER BY start_at ASC`
	for _, id := range requestIDs {
		rows, err := q.QueryContext(ctx, query, id)
		if err != nil {
			return nil, fmt.Errorf("query windows: %w", err)
		}
		for rows.Next() {
			var w models.Window
			if err := rows.Scan(&w.ID, &w.RequestID, &w.Start, &w.End); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan window: %w", err)
			}
			out[id] = append(out[id], w)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate windows: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

func (s *SQLStore) TimeAllocation(ctx context.Context, proposal, semester, telescopeClass string) (models.TimeAllocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM time_allocations WHERE proposal=$1 AND semester=$2 AND telescope_class=$3`
	alloc, err := scanAllocation(s.db.QueryRowContext(ctx, query, proposal, semester, telescopeClass))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TimeAllocation{}, ErrNotFound
		}
		return models.TimeAllocation{}, fmt.Errorf("get time allocation: %w", err)
	}
	return alloc, nil
}

func (s *SQLStore) UpsertTimeAllocation(ctx context.Context, alloc models.TimeAllocation) error {
	if alloc.ID == uuid.Nil {
		alloc.ID = uuid.New()
	}
	query := `
		INSERT INTO time_allocations (` + allocationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (proposal, semester, telescope_class)
		DO UPDATE SET std_allocation = EXCLUDED.std_allocation,
			std_time_used = EXCLUDED.std_time_used,
			too_allocation = EXCLUDED.too_allocation,
			too_time_used = EXCLUDED.too_time_used,
			ipp_limit = EXCLUDED.ipp_limit,
			ipp_time_available = EXCLUDED.ipp_time_available
	`
	if _, err := s.db.ExecContext(ctx, query,
		alloc.ID, alloc.Proposal, alloc.Semester, alloc.TelescopeClass,
		alloc.StdAllocation, alloc.StdTimeUsed, alloc.TooAllocation, alloc.TooTimeUsed,
		alloc.IppLimit, alloc.IppTimeAvailable,
	); err != nil {
		return fmt.Errorf("upsert time allocation: %w", err)
	}
	return nil
}

func (s *SQLStore) PendingGroupIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT id FROM request_groups WHERE state NOT IN ('COMPLETED','CANCELED') ORDER BY created ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending groups: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending groups: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) EvaluateGroup(ctx context.Context, groupID uuid.UUID, fn func(context.Context, Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the group row so concurrent evaluations of the same group (and
	// therefore of its requests) serialize. sqlite serializes writers on
	// its own.
	lock := `SELECT id FROM request_groups WHERE id=$1`
	if s.driver == "postgres" {
		lock += ` FOR UPDATE`
	}
	var locked uuid.UUID
	if err := tx.QueryRowContext(ctx, lock, groupID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock group: %w", err)
	}

	if err := fn(ctx, &sqlTx{tx: tx, groupID: groupID, driver: s.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evaluation: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	groupID uuid.UUID
	driver  string
}

func (t *sqlTx) Group(ctx context.Context) (models.RequestGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM request_groups WHERE id=$1`
	group, err := scanGroup(t.tx.QueryRowContext(ctx, query, t.groupID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RequestGroup{}, ErrNotFound
		}
		return models.RequestGroup{}, fmt.Errorf("tx get group: %w", err)
	}
	return group, nil
}

func (t *sqlTx) Requests(ctx context.Context) ([]models.Request, error) {
	return groupRequests(ctx, t.tx, t.groupID)
}

func (t *sqlTx) UpdateRequestState(ctx context.Context, id uuid.UUID, state models.RequestState, completed *time.Time) error {
	query := `UPDATE requests SET state=$2, completed=$3 WHERE id=$1 AND group_id=$4`
	res, err := t.tx.ExecContext(ctx, query, id, state, completed, t.groupID)
	if err != nil {
		return fmt.Errorf("update request state: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) UpdateGroupState(ctx context.Context, state models.RequestState, modified time.Time) error {
	query := `UPDATE request_groups SET state=$2, modified=$3 WHERE id=$1`
	res, err := t.tx.ExecContext(ctx, query, t.groupID, state, modified)
	if err != nil {
		return fmt.Errorf("update group state: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) SetRequestCredited(ctx context.Context, id uuid.UUID, credited bool) error {
	query := `UPDATE requests SET ipp_credited=$2 WHERE id=$1 AND group_id=$3`
	res, err := t.tx.ExecContext(ctx, query, id, credited, t.groupID)
	if err != nil {
		return fmt.Errorf("set request credited: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) IncrementCounts(ctx context.Context, id uuid.UUID, failDelta, scheduledDelta int) error {
	query := `
		UPDATE requests
		SET fail_count = fail_count + $2,
		    scheduled_count = scheduled_count + $3
		WHERE id=$1 AND group_id=$4
	`
	res, err := t.tx.ExecContext(ctx, query, id, failDelta, scheduledDelta, t.groupID)
	if err != nil {
		return fmt.Errorf("increment request counts: %w", err)
	}
	return requireAffected(res)
}

// TimeAllocation locks the allocation row for the rest of the transaction.
// The group row lock alone does not serialize balance updates: groups of the
// same proposal share the allocation, so the read-then-write in the ledger
// path needs its own lock.
func (t *sqlTx) TimeAllocation(ctx context.Context, telescopeClass string) (models.TimeAllocation, error) {
	query := `
		SELECT ` + allocationColumns + `
		FROM time_allocations
		WHERE proposal = (SELECT proposal FROM request_groups WHERE id=$1)
		  AND semester = (SELECT semester FROM request_groups WHERE id=$1)
		  AND telescope_class = $2
	`
	if t.driver == "postgres" {
		query += ` FOR UPDATE`
	}
	alloc, err := scanAllocation(t.tx.QueryRowContext(ctx, query, t.groupID, telescopeClass))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TimeAllocation{}, ErrNotFound
		}
		return models.TimeAllocation{}, fmt.Errorf("tx get time allocation: %w", err)
	}
	return alloc, nil
}

func (t *sqlTx) SetIppTimeAvailable(ctx context.Context, allocID uuid.UUID, value float64) error {
	query := `UPDATE time_allocations SET ipp_time_available=$2 WHERE id=$1`
	res, err := t.tx.ExecContext(ctx, query, allocID, value)
	if err != nil {
		return fmt.Errorf("set ipp time available: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) RecordLedgerEntry(ctx context.Context, requestID uuid.UUID, kind string, delta float64, at time.Time) (bool, error) {
	query := `
		INSERT INTO ipp_ledger_entries (request_id, kind, delta, created)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (request_id, kind) DO NOTHING
	`
	res, err := t.tx.ExecContext(ctx, query, requestID, kind, delta, at)
	if err != nil {
		return false, fmt.Errorf("record ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected: %w", err)
	}
	return affected > 0, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
