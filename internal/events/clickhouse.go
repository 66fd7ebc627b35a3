package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/obsportal/obsportal/internal/models"
)

// Source supplies raw telescope status events for a time range.
type Source interface {
	FetchRawEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error)
}

type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	// Table defaults to telescope_events.
	Table string
}

// ClickHouseSource reads the telemetry event log. Events arrive unordered and
// with duplicates; downstream interval merging handles both.
type ClickHouseSource struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSource(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSource, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("clickhouse: at least one address required")
	}
	if cfg.Table == "" {
		cfg.Table = "telescope_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &ClickHouseSource{conn: conn, table: cfg.Table}, nil
}

func (s *ClickHouseSource) FetchRawEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	query := fmt.Sprintf(`
		SELECT
			site,
			enclosure,
			telescope,
			event_type,
			event_reason,
			timestamp
		FROM %s
		WHERE timestamp >= ?
		AND timestamp < ?
		ORDER BY timestamp
	`, s.table)

	rows, err := s.conn.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query telescope events: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		if err := rows.Scan(
			&ev.Site,
			&ev.Enclosure,
			&ev.Telescope,
			&ev.Type,
			&ev.Reason,
			&ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan telescope event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telescope events: %w", err)
	}
	return events, nil
}

func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}
