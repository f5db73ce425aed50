package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

// EventHandler processes a single decoded message event.
// Return nil to commit the offset when the consumer belongs to a group.
type EventHandler func(ctx context.Context, event domain.MessageEvent) error

// Consumer reads message events from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader messageReader
	commit bool
	logger *slog.Logger
}

// ConsumerConfig selects where a Consumer reads from.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// GroupID enables committed offsets. Empty reads partition 0 without
	// committing, which suits one-off inspection.
	GroupID       string
	FromBeginning bool
}

// NewConsumer creates a Consumer for cfg.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) Consumer {
	start := kafka.LastOffset
	if cfg.FromBeginning {
		start = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    start,
	})
	return &consumer{reader: r, commit: cfg.GroupID != "", logger: logger}
}

// Subscribe reads events until ctx is cancelled. Undecodable events are
// logged and skipped; handler errors leave the offset uncommitted.
func (c *consumer) Subscribe(ctx context.Context, handler EventHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		log := c.logger.With(slog.String("topic", m.Topic), slog.Int64("offset", m.Offset))

		var event domain.MessageEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Warn("skipping undecodable message event", slog.String("error", err.Error()))
			c.commitOffset(ctx, log, m)
			continue
		}

		carrier := &headerCarrier{headers: m.Headers}
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

		if err := handler(msgCtx, event); err != nil {
			log.Error("event handler failed, skipping commit", slog.String("error", err.Error()))
			continue
		}
		c.commitOffset(ctx, log, m)
	}
}

func (c *consumer) commitOffset(ctx context.Context, log *slog.Logger, m kafka.Message) {
	if !c.commit {
		return
	}
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Error("failed to commit kafka offset", slog.String("error", err.Error()))
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
