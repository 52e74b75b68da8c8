package kafka

import (
	"time"
)

// ConsumerConfig configures the ingest consumer
type ConsumerConfig struct {
	// Brokers is a list of Kafka broker addresses
	Brokers []string

	// Topic is the Kafka topic to consume from
	Topic string

	// GroupID is the consumer group ID
	GroupID string

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// StartOffset determines where to start reading when there's no committed offset
	StartOffset int64

	// Retry governs in-place redelivery of a message whose handler failed
	Retry RetryPolicy

	// DeadLetterTopic receives messages that still fail after Retry.MaxAttempts.
	// Empty keeps retrying the message, holding its partition, until it succeeds.
	DeadLetterTopic string
}

// RetryPolicy bounds in-place redelivery. A failed message is never committed
// and the partition does not advance past it until it succeeds or is dead-lettered.
type RetryPolicy struct {
	MaxAttempts    int           // attempts before dead-lettering (default: 5)
	InitialBackoff time.Duration // default: 200ms
	MaxBackoff     time.Duration // default: 10s
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// DefaultConsumerConfig returns a ConsumerConfig with sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:     []string{"localhost:9092"},
		Topic:       "contact-ingest",
		GroupID:     "clover-ingest",
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
		StartOffset: FirstOffset,
		Retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		DeadLetterTopic: "contact-ingest-dlq",
	}
}

// ProducerConfig configures the contact event producer
type ProducerConfig struct {
	// Brokers is a list of Kafka broker addresses
	Brokers []string

	// Topic receives contact.created, contact.updated and contact.merged events
	Topic string

	BatchSize    int
	BatchTimeout time.Duration

	// RequiredAcks specifies the number of acks required
	// 0 = no acks, 1 = leader only, -1 = all replicas
	RequiredAcks int

	// Compression is one of none, gzip, snappy, lz4, zstd
	Compression string
}

// DefaultProducerConfig returns a ProducerConfig with sensible defaults
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "contact-events",
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: 1,
		Compression:  "snappy",
	}
}

// Offset constants
const (
	FirstOffset int64 = -2 // Start from the oldest message
	LastOffset  int64 = -1 // Start from the newest message
)
