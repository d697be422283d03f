// Package kafka publishes ingest events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
)

// messageWriter is the subset of *kafkago.Writer the EventWriter needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// EventWriter produces ingest events to the events topic.
// It implements pipeline.EventSink.
type EventWriter struct {
	writer  messageWriter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewEventWriter creates a Kafka producer for the given brokers and topic.
func NewEventWriter(brokers []string, topic string, metrics *observability.Metrics, logger *slog.Logger) *EventWriter {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &EventWriter{writer: w, metrics: metrics, logger: logger}
}

// Publish writes events in a single WriteMessages call. Events for the same
// item hash to the same partition.
func (w *EventWriter) Publish(ctx context.Context, events []domain.IngestEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	w.metrics.EventsPublished.Add(float64(len(msgs)))
	w.logger.Debug("events published", "count", len(msgs))
	return nil
}

func (w *EventWriter) Close() error {
	return w.writer.Close()
}

func serializeToMessage(event domain.IngestEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize ingest event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Job + "/" + event.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "job", Value: []byte(event.Job)},
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "published_at", Value: []byte(event.PublishedAt.Format(time.RFC3339))},
		},
	}, nil
}
