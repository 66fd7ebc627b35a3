package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/obsportal/obsportal/internal/archive"
	"github.com/obsportal/obsportal/internal/config"
	"github.com/obsportal/obsportal/internal/events"
	"github.com/obsportal/obsportal/internal/lifecycle"
	"github.com/obsportal/obsportal/internal/pond"
	"github.com/obsportal/obsportal/internal/store"
	"github.com/obsportal/obsportal/internal/telstates"
	"github.com/obsportal/obsportal/internal/visibility"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	dsn := cfg.DatabaseURL
	if cfg.DBDriver == "sqlite" && dsn == "" {
		dsn = "obsportal.db"
	}
	db, err := sql.Open(cfg.DBDriver, dsn)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	st := store.NewSQLStore(db, cfg.DBDriver)

	source, closeSource, err := newBlockSource(cfg)
	if err != nil {
		log.Fatalf("block source init: %v", err)
	}
	if closeSource != nil {
		defer closeSource()
	}

	orch, err := lifecycle.NewOrchestrator(lifecycle.OrchestratorConfig{
		Store:   st,
		Source:  source,
		Workers: cfg.Workers,
	})
	if err != nil {
		log.Fatalf("orchestrator init: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if archiver, aggregator, topology, ok := availabilityPipeline(ctx, cfg); ok {
		go runAvailabilityArchiver(ctx, archiver, aggregator, topology)
	}

	runPollLoop(ctx, orch, cfg.PollInterval)
	log.Printf("poller stopped")
}

// runPollLoop evaluates one batch per tick. The cursor starts a poll interval
// in the past so the first batch picks up anything reported while the poller
// was down; after that each batch's cursor is the previous batch's start.
func runPollLoop(ctx context.Context, orch *lifecycle.Orchestrator, interval time.Duration) {
	since := time.Now().UTC().Add(-interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		batchStart := time.Now().UTC()
		result, err := orch.RunBatch(ctx, since)
		if err != nil {
			log.Printf("batch failed: %v", err)
			continue
		}
		log.Printf("batch done: %d groups evaluated, %d changes, %d failed",
			result.Evaluated, result.Changed, len(result.Failed))
		since = batchStart
	}
}

func newBlockSource(cfg config.Config) (pond.Source, func() error, error) {
	if len(cfg.PondBrokers) > 0 {
		src, err := pond.NewKafkaSource(pond.KafkaSourceConfig{
			Brokers: cfg.PondBrokers,
			Topic:   cfg.PondTopic,
			GroupID: cfg.PondGroupID,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("consuming block reports from kafka (topic=%s group=%s)", cfg.PondTopic, cfg.PondGroupID)
		return src, src.Close, nil
	}
	src, err := pond.NewHTTPSource(pond.HTTPSourceConfig{
		BaseURL: cfg.PondURL,
		Timeout: 10 * time.Second,
		Retries: 2,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("polling block reports from %s", cfg.PondURL)
	return src, nil, nil
}

// availabilityPipeline wires the telemetry, visibility, and archive pieces
// when they are all configured. Missing any of them just disables archiving.
func availabilityPipeline(ctx context.Context, cfg config.Config) (archive.Archiver, *telstates.Aggregator, *config.Snapshot, bool) {
	if cfg.ClickHouseAddr == "" || cfg.VisibilityURL == "" || cfg.S3Bucket == "" || cfg.ConfigDBPath == "" {
		log.Printf("availability archiving disabled: clickhouse, visibility, s3 bucket, and topology snapshot all required")
		return nil, nil, nil, false
	}

	topology, err := config.LoadSnapshot(cfg.ConfigDBPath)
	if err != nil {
		log.Fatalf("topology load: %v", err)
	}
	source, err := events.NewClickHouseSource(ctx, events.ClickHouseConfig{
		Addr:     []string{cfg.ClickHouseAddr},
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		log.Fatalf("clickhouse init: %v", err)
	}
	visClient, err := visibility.NewHTTPClient(visibility.HTTPClientConfig{
		BaseURL: cfg.VisibilityURL,
		Timeout: 5 * time.Second,
		Retries: 2,
	})
	if err != nil {
		log.Fatalf("visibility client init: %v", err)
	}
	archiver, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		log.Fatalf("s3 archiver init: %v", err)
	}
	return archiver, telstates.NewAggregator(source, visClient, cfg.IgnoredEventTypes), topology, true
}

// runAvailabilityArchiver uploads yesterday's per-site availability report once
// a day, starting immediately.
func runAvailabilityArchiver(ctx context.Context, archiver archive.Archiver, aggregator *telstates.Aggregator, topology *config.Snapshot) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		archiveYesterday(ctx, archiver, aggregator, topology)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func archiveYesterday(ctx context.Context, archiver archive.Archiver, aggregator *telstates.Aggregator, topology *config.Snapshot) {
	now := time.Now().UTC()
	day := now.Truncate(24 * time.Hour).Add(-24 * time.Hour)

	perTelescope, err := aggregator.AvailabilityPerDay(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		log.Printf("availability aggregation failed: %v", err)
		return
	}
	for _, site := range topology.SiteCodes() {
		report := archive.BuildReport(site, day, perTelescope, now)
		if len(report.Telescopes) == 0 {
			continue
		}
		key, err := archiver.ArchiveAvailability(ctx, site, day, report)
		if err != nil {
			log.Printf("availability archive failed for site %s: %v", site, err)
			continue
		}
		log.Printf("archived availability for %s at %s", site, key)
	}
}
