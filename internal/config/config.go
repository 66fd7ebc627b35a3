package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	DBDriver    string

	PondURL      string
	PondBrokers  []string
	PondTopic    string
	PondGroupID  string
	PollInterval time.Duration
	Workers      int

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	VisibilityURL string

	S3Bucket string
	S3Prefix string
	S3Region string

	ConfigDBPath      string
	IgnoredEventTypes []string
}

const (
	defaultAddr         = ":8070"
	defaultDBDriver     = "postgres"
	defaultPollInterval = time.Minute
	defaultWorkers      = 4
	defaultS3Prefix     = "obsportal"
	defaultIgnoredTypes = "ENCLOSURE_INTERLOCK"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:         getEnv("OBSPORTAL_ADDR", defaultAddr),
		DatabaseURL:  firstNonEmpty(os.Getenv("OBSPORTAL_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		DBDriver:     getEnv("OBSPORTAL_DB_DRIVER", defaultDBDriver),
		PondURL:      os.Getenv("OBSPORTAL_POND_URL"),
		PondBrokers:  splitList(os.Getenv("OBSPORTAL_POND_BROKERS")),
		PondTopic:    getEnv("OBSPORTAL_POND_TOPIC", "pond-blocks"),
		PondGroupID:  getEnv("OBSPORTAL_POND_GROUP_ID", "obsportal-poller"),
		PollInterval: getDuration("OBSPORTAL_POLL_INTERVAL", defaultPollInterval),
		Workers:      getInt("OBSPORTAL_WORKERS", defaultWorkers),

		ClickHouseAddr:     os.Getenv("OBSPORTAL_CLICKHOUSE_ADDR"),
		ClickHouseDatabase: getEnv("OBSPORTAL_CLICKHOUSE_DB", "telemetry"),
		ClickHouseUser:     getEnv("OBSPORTAL_CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("OBSPORTAL_CLICKHOUSE_PASSWORD"),

		VisibilityURL: os.Getenv("OBSPORTAL_VISIBILITY_URL"),

		S3Bucket: os.Getenv("OBSPORTAL_S3_BUCKET"),
		S3Prefix: getEnv("OBSPORTAL_S3_PREFIX", defaultS3Prefix),
		S3Region: getEnv("OBSPORTAL_S3_REGION", "us-west-2"),

		ConfigDBPath:      os.Getenv("OBSPORTAL_CONFIGDB_PATH"),
		IgnoredEventTypes: splitList(getEnv("OBSPORTAL_IGNORED_EVENT_TYPES", defaultIgnoredTypes)),
	}
	if cfg.DatabaseURL == "" && cfg.DBDriver == "postgres" {
		return Config{}, fmt.Errorf("DATABASE_URL or OBSPORTAL_DATABASE_URL required")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return Config{}, fmt.Errorf("OBSPORTAL_DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("OBSPORTAL_WORKERS must be at least 1")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
