package kafka

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ErrMissingSource is returned for an ingest batch without a feed name
var ErrMissingSource = errors.New("ingest message has no source")

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
}

// ContactBatch is the payload of a contact-ingest message: one feed's records
type ContactBatch struct {
	Source   string               `json:"source"`
	Contacts []models.ContactInfo `json:"contacts"`
}

// ParseContactBatch decodes the message value as a ContactBatch.
// The source falls back to the "source" header when the payload omits it.
func (m *IncomingMessage) ParseContactBatch() (*ContactBatch, error) {
	var batch ContactBatch
	if err := json.Unmarshal(m.Value, &batch); err != nil {
		return nil, err
	}

	batch.Source = strings.TrimSpace(batch.Source)
	if batch.Source == "" {
		batch.Source = strings.TrimSpace(m.Headers["source"])
	}
	if batch.Source == "" {
		return nil, ErrMissingSource
	}
	return &batch, nil
}
