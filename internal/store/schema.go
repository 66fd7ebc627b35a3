package store

import (
	"context"
	"fmt"
)

// Schema sticks to the SQL subset postgres and sqlite share: ids are TEXT
// (uuid string form), timestamps are written from Go, and the ledger's
// replay guard is the (request_id, kind) primary key.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS time_allocations (
		id TEXT PRIMARY KEY,
		proposal TEXT NOT NULL,
		semester TEXT NOT NULL,
		telescope_class TEXT NOT NULL,
		std_allocation DOUBLE PRECISION NOT NULL DEFAULT 0,
		std_time_used DOUBLE PRECISION NOT NULL DEFAULT 0,
		too_allocation DOUBLE PRECISION NOT NULL DEFAULT 0,
		too_time_used DOUBLE PRECISION NOT NULL DEFAULT 0,
		ipp_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
		ipp_time_available DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (proposal, semester, telescope_class)
	)`,
	`CREATE TABLE IF NOT EXISTS request_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		proposal TEXT NOT NULL,
		semester TEXT NOT NULL,
		submitter TEXT NOT NULL,
		operator TEXT NOT NULL,
		observation_type TEXT NOT NULL,
		ipp_value DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL,
		created TIMESTAMP NOT NULL,
		modified TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL REFERENCES request_groups(id),
		state TEXT NOT NULL,
		site TEXT NOT NULL DEFAULT '',
		enclosure TEXT NOT NULL DEFAULT '',
		telescope TEXT NOT NULL DEFAULT '',
		telescope_class TEXT NOT NULL,
		target TEXT,
		constraints TEXT,
		duration_hours DOUBLE PRECISION NOT NULL,
		ipp_reserved_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
		ipp_credited BOOLEAN NOT NULL DEFAULT FALSE,
		fail_count INTEGER NOT NULL DEFAULT 0,
		scheduled_count INTEGER NOT NULL DEFAULT 0,
		created TIMESTAMP NOT NULL,
		completed TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS requests_group_id_idx ON requests (group_id)`,
	`CREATE TABLE IF NOT EXISTS windows (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		start_at TIMESTAMP NOT NULL,
		end_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS windows_request_id_idx ON windows (request_id)`,
	`CREATE TABLE IF NOT EXISTS ipp_ledger_entries (
		request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta DOUBLE PRECISION NOT NULL,
		created TIMESTAMP NOT NULL,
		PRIMARY KEY (request_id, kind)
	)`,
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
