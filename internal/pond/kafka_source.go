package pond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/obsportal/obsportal/internal/models"
)

// KafkaSourceConfig contains configurable parameters for the Kafka block
// consumer.
type KafkaSourceConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic the scheduler publishes block reports to.
	Topic string

	// GroupID is the consumer group; offsets replace the modified_after
	// cursor the HTTP source uses.
	GroupID string

	// MaxBatch caps how many records one FetchSince call drains.
	// Defaults to 500 if <= 0.
	MaxBatch int

	// DrainTimeout is how long to wait for further messages before
	// returning the batch. Defaults to 2s if zero.
	DrainTimeout time.Duration

	Logger *log.Logger
}

// KafkaSource consumes execution records from the scheduler's topic. Each
// FetchSince call drains whatever is currently available, up to MaxBatch.
type KafkaSource struct {
	reader   *kafka.Reader
	maxBatch int
	drain    time.Duration
	logger   *log.Logger
}

func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: consumer group required")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	return &KafkaSource{
		reader:   reader,
		maxBatch: cfg.MaxBatch,
		drain:    cfg.DrainTimeout,
		logger:   cfg.Logger,
	}, nil
}

// FetchSince drains currently available block messages. The since argument is
// ignored; consumer-group offsets are the cursor.
func (s *KafkaSource) FetchSince(ctx context.Context, since time.Time) ([]models.ExecutionRecord, error) {
	var records []models.ExecutionRecord
	for len(records) < s.maxBatch {
		msgCtx, cancel := context.WithTimeout(ctx, s.drain)
		msg, err := s.reader.ReadMessage(msgCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return records, ctx.Err()
			}
			return records, fmt.Errorf("read block message: %w", err)
		}

		var block Block
		if err := json.Unmarshal(msg.Value, &block); err != nil {
			s.logger.Printf("pond: dropping malformed block at offset %d: %v", msg.Offset, err)
			continue
		}
		records = append(records, block.ToRecord())
	}
	return records, nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
