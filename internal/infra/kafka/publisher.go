// internal/infra/kafka/publisher.go
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher sends finished history entries to a Kafka topic, keyed by entry ID.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a publisher writing to topic on the given brokers.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}, topic, logger)
}

func newPublisher(writer messageWriter, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		topic:  topic,
		logger: logger.With("component", "history-publisher"),
	}
}

func (p *Publisher) Publish(ctx context.Context, entry *domain.HistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry %s: %w", entry.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(entry.ID),
		Value: payload,
		Time:  entry.End,
		Headers: []kafka.Header{
			{Key: "result", Value: []byte(entry.Result)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish history entry %s to %s: %w", entry.ID, p.topic, err)
	}
	p.logger.Debug("history entry published", "history_id", entry.ID, "topic", p.topic)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every entry. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *domain.HistoryEntry) error { return nil }
