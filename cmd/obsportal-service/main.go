package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/obsportal/obsportal/internal/config"
	"github.com/obsportal/obsportal/internal/events"
	"github.com/obsportal/obsportal/internal/httpserver"
	"github.com/obsportal/obsportal/internal/lifecycle"
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

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	st := store.NewSQLStore(db, cfg.DBDriver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatalf("schema init: %v", err)
	}
	cancel()

	if cfg.ConfigDBPath == "" {
		log.Fatalf("OBSPORTAL_CONFIGDB_PATH required (topology snapshot)")
	}
	topology, err := config.LoadSnapshot(cfg.ConfigDBPath)
	if err != nil {
		log.Fatalf("topology load: %v", err)
	}

	var visProvider visibility.Provider
	if cfg.VisibilityURL != "" {
		visClient, err := visibility.NewHTTPClient(visibility.HTTPClientConfig{
			BaseURL: cfg.VisibilityURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("visibility client init: %v", err)
		}
		visProvider = visClient
	} else {
		log.Printf("no visibility service configured; skipping target visibility checks")
	}

	svc, err := lifecycle.NewService(lifecycle.ServiceConfig{
		Store:      st,
		Visibility: visProvider,
		Topology:   topology,
	})
	if err != nil {
		log.Fatalf("lifecycle service init: %v", err)
	}

	var aggregator *telstates.Aggregator
	if len(cfg.ClickHouseAddr) > 0 && visProvider != nil {
		source, err := events.NewClickHouseSource(context.Background(), events.ClickHouseConfig{
			Addr:     []string{cfg.ClickHouseAddr},
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			log.Fatalf("clickhouse init: %v", err)
		}
		defer source.Close()
		aggregator = telstates.NewAggregator(source, visProvider, cfg.IgnoredEventTypes)
	} else {
		log.Printf("telescope availability disabled: clickhouse and visibility service both required")
	}

	server := httpserver.New(svc, st, aggregator)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("observation portal listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func openDB(cfg config.Config) (*sql.DB, error) {
	driver := cfg.DBDriver
	dsn := cfg.DatabaseURL
	if driver == "sqlite" && dsn == "" {
		dsn = "obsportal.db"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "postgres" {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
