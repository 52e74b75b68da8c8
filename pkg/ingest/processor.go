// Package ingest feeds partial contact records from the three lead pipelines
// (CRM sync, calendar sync, form submissions) through the merge engine.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ContactWriter creates or enriches one contact per record
type ContactWriter interface {
	CreateOrUpdate(ctx context.Context, info models.ContactInfo, opts merging.MergeOptions) (*models.MergeOutcome, error)
}

// EventPublisher emits contact lifecycle events
type EventPublisher interface {
	PublishContactEvents(ctx context.Context, events []*kafka.ContactEvent) error
}

// Processor runs ingestion batches record by record
type Processor struct {
	logger    ectologger.Logger
	writer    ContactWriter
	publisher EventPublisher
	opts      merging.MergeOptions
}

// NewProcessor creates a new ingestion processor. publisher may be nil.
func NewProcessor(logger ectologger.Logger, writer ContactWriter, publisher EventPublisher, opts merging.MergeOptions) *Processor {
	return &Processor{
		logger:    logger,
		writer:    writer,
		publisher: publisher,
		opts:      opts,
	}
}

// TagLeadSource adds source to the record's lead source tokens
func TagLeadSource(info models.ContactInfo, source string) models.ContactInfo {
	source = strings.TrimSpace(source)
	if source == "" {
		return info
	}
	info.LeadSource = models.JoinLeadSource(append(models.SplitLeadSource(info.LeadSource), source))
	return info
}

// ProcessBatch merges every record of one feed. A failing record is counted
// and logged; it never stops the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context, source string, records []models.ContactInfo) models.BatchStats {
	ctx, span := tracing.StartSpan(ctx, "ingest.Processor.ProcessBatch")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"source":     source,
		"batch_size": len(records),
	})

	var (
		stats  models.BatchStats
		events []*kafka.ContactEvent
	)
	for i, record := range records {
		outcome, err := p.writer.CreateOrUpdate(ctx, TagLeadSource(record, source), p.opts)
		if err != nil {
			stats.Failed++
			metrics.IngestedRecordsTotal.WithLabelValues(source, "failed").Inc()
			log.WithError(err).WithFields(map[string]any{"index": i}).Warn("Failed to ingest contact record")
			continue
		}

		switch {
		case outcome.Created:
			stats.Created++
			metrics.IngestedRecordsTotal.WithLabelValues(source, "created").Inc()
		case outcome.Merged:
			stats.Matched++
			stats.Merged++
			metrics.IngestedRecordsTotal.WithLabelValues(source, "merged").Inc()
		default:
			stats.Matched++
			metrics.IngestedRecordsTotal.WithLabelValues(source, "unchanged").Inc()
		}

		if event := kafka.NewOutcomeEvent(source, outcome); event != nil {
			events = append(events, event)
		}
	}

	if p.publisher != nil && len(events) > 0 {
		if err := p.publisher.PublishContactEvents(ctx, events); err != nil {
			log.WithError(err).Error("Failed to publish contact events")
		}
	}

	log.WithFields(map[string]any{
		"matched": stats.Matched,
		"created": stats.Created,
		"merged":  stats.Merged,
		"failed":  stats.Failed,
	}).Info("Processed contact batch")

	return stats
}

// HandleMessage is the kafka.MessageHandler for the contact-ingest topic.
// Malformed payloads are logged and acknowledged. A batch with failed records
// returns an error, so the consumer retries the message in place and
// dead-letters it once its attempts run out. Replaying a batch re-merges
// records that already succeeded, which leaves their fields unchanged.
func (p *Processor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	batch, err := msg.ParseContactBatch()
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Error("Dropping malformed contact batch")
		return nil
	}

	stats := p.ProcessBatch(ctx, batch.Source, batch.Contacts)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d contact records from %s failed", stats.Failed, stats.Total(), batch.Source)
	}
	return nil
}
