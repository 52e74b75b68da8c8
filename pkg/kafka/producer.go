package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Contact event types
const (
	EventContactCreated = "contact.created"
	EventContactUpdated = "contact.updated"
	EventContactMerged  = "contact.merged"
)

// MessageWriter is the subset of *kafka.Writer the producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes contact lifecycle events
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter creates a producer on top of an existing writer
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ContactEvent is emitted whenever a contact is created, enriched or consolidated
type ContactEvent struct {
	EventType string          `json:"event_type"`
	ContactID string          `json:"contact_id"`
	Source    string          `json:"source,omitempty"`
	Contact   *models.Contact `json:"contact"`
	MergedIDs []string        `json:"merged_ids,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewOutcomeEvent builds the event for a CreateOrUpdate outcome.
// It returns nil when the outcome left the store untouched.
func NewOutcomeEvent(source string, outcome *models.MergeOutcome) *ContactEvent {
	if outcome == nil || outcome.Contact == nil {
		return nil
	}

	eventType := EventContactUpdated
	switch {
	case outcome.Created:
		eventType = EventContactCreated
	case !outcome.Merged:
		return nil
	}

	return &ContactEvent{
		EventType: eventType,
		ContactID: outcome.Contact.ID,
		Source:    source,
		Contact:   outcome.Contact,
		Reason:    outcome.Reason,
	}
}

// NewConsolidationEvent builds the event for an explicit duplicate merge.
// It returns nil when no secondary was folded in.
func NewConsolidationEvent(result *models.ConsolidationResult) *ContactEvent {
	if result == nil || result.Contact == nil || len(result.Merged) == 0 {
		return nil
	}
	return &ContactEvent{
		EventType: EventContactMerged,
		ContactID: result.Contact.ID,
		Contact:   result.Contact,
		MergedIDs: result.Merged,
	}
}

func (p *Producer) toMessage(ctx context.Context, event *ContactEvent) (kafka.Message, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "source", Value: []byte(event.Source)},
	}
	if traceParent := tracing.GetTraceParent(ctx); traceParent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceParent)})
	}

	return kafka.Message{
		Key:     []byte(event.ContactID),
		Value:   data,
		Headers: headers,
	}, nil
}

// PublishContactEvent publishes a single contact event keyed by contact id
func (p *Producer) PublishContactEvent(ctx context.Context, event *ContactEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishContactEvent")
	defer span.End()

	msg, err := p.toMessage(ctx, event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(event.EventType, "failed").Inc()
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish contact event")
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.EventType, "published").Inc()

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"contact_id": event.ContactID,
		"source":     event.Source,
	}).Debug("Published contact event")

	return nil
}

// PublishContactEvents publishes multiple contact events in one write
func (p *Producer) PublishContactEvents(ctx context.Context, events []*ContactEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishContactEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		msg, err := p.toMessage(ctx, event)
		if err != nil {
			return err
		}
		messages[i] = msg
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		for _, event := range events {
			metrics.EventsPublishedTotal.WithLabelValues(event.EventType, "failed").Inc()
		}
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish contact events batch")
		return err
	}
	for _, event := range events {
		metrics.EventsPublishedTotal.WithLabelValues(event.EventType, "published").Inc()
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published contact events batch")

	return nil
}
