package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
)

// Publisher announces stored messages to downstream consumers.
type Publisher interface {
	PublishMessageCreated(ctx context.Context, msg *domain.Message, correlationID string) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type producer struct {
	writer messageWriter
	now    func() time.Time
}

// NewProducer creates a Publisher writing to topic on the given brokers.
func NewProducer(brokers []string, topic string) Publisher {
	w := &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// Keyed by username so one user's events keep their order.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w)
}

func newProducer(w messageWriter) *producer {
	return &producer{writer: w, now: time.Now}
}

func (p *producer) PublishMessageCreated(ctx context.Context, msg *domain.Message, correlationID string) error {
	event := domain.MessageEvent{
		EventID:       uuid.NewString(),
		Type:          domain.EventMessageCreated,
		CorrelationID: correlationID,
		Message:       *msg,
		OccurredAt:    p.now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal message event: %w", err)
	}

	carrier := &headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	carrier.Set("event_type", event.Type)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Username),
		Value:   value,
		Headers: carrier.headers,
		Time:    event.OccurredAt,
	})
	if err != nil {
		telemetry.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("kafka publish %s: %w", event.Type, err)
	}
	telemetry.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishMessageCreated(context.Context, *domain.Message, string) error {
	return nil
}

func (NopPublisher) Close() error { return nil }
