package kafka

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Dead letter headers carry where a message came from and why it was moved
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderError             = "x-error"
	HeaderAttempts          = "x-attempts"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer handles Kafka message consumption.
//
// Messages are handled one at a time per reader. A message is committed only
// after its handler succeeds or it has been written to the dead letter topic,
// so a failed batch never lets the group offset move past it.
type Consumer struct {
	reader          MessageReader
	topic           string
	logger          ectologger.Logger
	handler         MessageHandler
	retry           RetryPolicy
	deadLetter      MessageWriter
	deadLetterTopic string
	wg              sync.WaitGroup
	cancel          context.CancelFunc
}

// NewConsumer creates a new Kafka consumer group reader
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: cfg.StartOffset,
	})

	consumer := NewConsumerWithReader(reader, cfg.Topic, logger, handler).WithRetryPolicy(cfg.Retry)
	if cfg.DeadLetterTopic != "" {
		consumer.WithDeadLetter(&kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DeadLetterTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}, cfg.DeadLetterTopic)
	}
	return consumer
}

// NewConsumerWithReader creates a consumer on top of an existing reader
func NewConsumerWithReader(reader MessageReader, topic string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  reader,
		topic:   topic,
		logger:  logger,
		handler: handler,
		retry:   RetryPolicy{}.withDefaults(),
	}
}

// WithRetryPolicy replaces the in-place retry policy
func (c *Consumer) WithRetryPolicy(policy RetryPolicy) *Consumer {
	c.retry = policy.withDefaults()
	return c
}

// WithDeadLetter routes messages that exhaust their retries to writer
func (c *Consumer) WithDeadLetter(writer MessageWriter, topic string) *Consumer {
	c.deadLetter = writer
	c.deadLetterTopic = topic
	return c
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":             c.topic,
		"dead_letter_topic": c.deadLetterTopic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer. A message still being retried is left
// uncommitted and is redelivered to the next member of the group.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var deadLetterErr error
	if c.deadLetter != nil {
		deadLetterErr = c.deadLetter.Close()
	}
	return errors.Join(c.reader.Close(), deadLetterErr)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	incoming := toIncoming(msg)

	ctx = tracing.ExtractTraceParent(ctx, incoming.TraceParent)
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	backoff := c.retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, incoming)
		if err == nil {
			c.commit(ctx, msg, log)
			return
		}

		if attempt >= c.retry.MaxAttempts && c.deadLetter != nil {
			dlqErr := c.sendToDeadLetter(ctx, msg, err, attempt)
			if dlqErr == nil {
				log.WithError(err).WithField("attempts", attempt).Error("Moved message to dead letter topic")
				c.commit(ctx, msg, log)
				return
			}
			log.WithError(dlqErr).Error("Failed to write message to dead letter topic")
		}

		metrics.ConsumerRetriesTotal.WithLabelValues(msg.Topic).Inc()
		log.WithError(err).WithField("attempt", attempt).Warnf("Failed to process message, retrying in %v (not committing)", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message, log ectologger.Logger) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
	)

	err := c.deadLetter.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return err
	}
	metrics.DeadLetteredTotal.WithLabelValues(msg.Topic).Inc()
	return nil
}

func toIncoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers["traceparent"],
	}
}

// Health reports whether the consumer has a reader
func (c *Consumer) Health() bool {
	return c.reader != nil
}
