// Package merging creates, enriches and consolidates canonical contacts
package merging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// maxDuplicateRetries bounds how often an insert that lost the email race, or
// an update whose match was consolidated away, is retried from the lookup.
const maxDuplicateRetries = 3

// contactLockPrefix keys the per-contact write lease. Normalized emails always
// contain '@', so the two key spaces never collide.
const contactLockPrefix = "contact:"

// errStaleMatch means the matched contact was deleted before its lease was taken
var errStaleMatch = errors.New("matched contact no longer exists")

// Store is the contact store used by the merge engine
type Store interface {
	matching.ContactFinder
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) error
	Update(ctx context.Context, contact *models.Contact) error
	ReassignDependents(ctx context.Context, fromID, toID string) (int64, error)
	Delete(ctx context.Context, id string) error
}

// Transactor runs fn inside a transaction carried by ctx. The transaction is
// rolled back when fn returns an error.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MergeOptions tune a single CreateOrUpdate call
type MergeOptions struct {
	// UpdateExisting folds the record into the matched contact; when false the match is returned untouched
	UpdateExisting bool
	// MinConfidence is the weakest match accepted as the same person (default: MEDIUM)
	MinConfidence models.ConfidenceTier
}

// DefaultMergeOptions updates matched contacts and requires at least a MEDIUM match
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		UpdateExisting: true,
		MinConfidence:  models.ConfidenceMedium,
	}
}

// Engine handles contact creation, enrichment and duplicate consolidation
type Engine struct {
	logger      ectologger.Logger
	store       Store
	tx          Transactor
	matcher     *matching.Engine
	locker      lock.Locker
	fieldMerger *FieldMerger
}

// NewEngine creates a new merge engine. locker may be nil, in which case
// concurrent writers rely on the unique email constraint alone.
func NewEngine(
	logger ectologger.Logger,
	store Store,
	tx Transactor,
	matcher *matching.Engine,
	locker lock.Locker,
) *Engine {
	return &Engine{
		logger:      logger,
		store:       store,
		tx:          tx,
		matcher:     matcher,
		locker:      locker,
		fieldMerger: NewFieldMerger(),
	}
}

// CreateOrUpdate resolves info to an existing contact and folds it in, or
// creates a new contact when nothing matches with at least opts.MinConfidence.
//
// Writes for the same normalized email are serialized through the locker, and
// so are writes to the same matched contact: the contact is re-read under its
// own lease before the incoming fields are applied. An insert rejected by the
// unique email constraint is retried as a lookup and update and never surfaces
// to the caller.
func (e *Engine) CreateOrUpdate(ctx context.Context, info models.ContactInfo, opts MergeOptions) (*models.MergeOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.CreateOrUpdate")
	defer span.End()

	if !opts.MinConfidence.Valid() {
		opts.MinConfidence = models.ConfidenceMedium
	}
	info.Email = normalizers.NormalizeEmail(info.Email)

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"email":       info.Email,
		"lead_source": info.LeadSource,
	})

	if e.locker != nil && info.Email != "" {
		lease, err := e.locker.Acquire(ctx, info.Email)
		if err != nil {
			log.WithError(err).Error("Failed to acquire contact write lock")
			metrics.MergeOutcomesTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("lock %s: %w", info.Email, err)
		}
		defer func() {
			if err := lease.Release(ctx); err != nil {
				log.WithError(err).Warn("Failed to release contact write lock")
			}
		}()
	}

	for attempt := 0; ; attempt++ {
		outcome, err := e.createOrUpdate(ctx, info, opts)
		if err == nil {
			metrics.MergeOutcomesTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
			log.WithFields(map[string]any{
				"contact_id": outcome.Contact.ID,
				"created":    outcome.Created,
				"merged":     outcome.Merged,
			}).Debug(outcome.Reason)
			return outcome, nil
		}

		retryable := errors.Is(err, models.ErrDuplicateEmail) || errors.Is(err, errStaleMatch)
		if !retryable || attempt >= maxDuplicateRetries {
			log.WithError(err).Error("Failed to create or update contact")
			metrics.MergeOutcomesTotal.WithLabelValues("failed").Inc()
			return nil, err
		}

		if errors.Is(err, errStaleMatch) {
			log.WithField("attempt", attempt+1).Warn("Matched contact was consolidated away, matching again")
			continue
		}

		// Another writer inserted this email between our lookup and insert; the next
		// pass finds it by exact email and updates it instead.
		metrics.DuplicateEmailRetriesTotal.Inc()
		log.WithField("attempt", attempt+1).Warn("Duplicate email on insert, retrying as update")
	}
}

func (e *Engine) createOrUpdate(ctx context.Context, info models.ContactInfo, opts MergeOptions) (*models.MergeOutcome, error) {
	match, err := e.matcher.FindBestMatch(ctx, info, matching.MatchOptions{MinConfidence: opts.MinConfidence})
	if err != nil {
		return nil, err
	}

	if !match.Matched() {
		contact := e.fieldMerger.NewContact(info)
		if err := e.store.Create(ctx, contact); err != nil {
			return nil, err
		}
		return &models.MergeOutcome{
			Contact: contact,
			Created: true,
			Reason:  fmt.Sprintf("created new contact: %s", match.Reason),
		}, nil
	}

	if !opts.UpdateExisting {
		return &models.MergeOutcome{
			Contact: match.Contact,
			Reason:  fmt.Sprintf("matched %s via %s (%s, %.3f), update disabled", match.Contact.ID, match.Stage, match.Confidence, match.Score),
		}, nil
	}

	existing, release, err := e.lockContact(ctx, match.Contact.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	if existing == nil {
		return nil, fmt.Errorf("contact %s: %w", match.Contact.ID, errStaleMatch)
	}

	changed := e.fieldMerger.ApplyInfo(existing, info)
	if len(changed) == 0 {
		return &models.MergeOutcome{
			Contact: existing,
			Reason:  fmt.Sprintf("matched %s via %s (%s, %.3f), nothing new", existing.ID, match.Stage, match.Confidence, match.Score),
		}, nil
	}

	if err := e.store.Update(ctx, existing); err != nil {
		return nil, err
	}

	return &models.MergeOutcome{
		Contact: existing,
		Merged:  true,
		Reason:  fmt.Sprintf("matched %s via %s (%s, %.3f), updated %s", existing.ID, match.Stage, match.Confidence, match.Score, strings.Join(changed, ", ")),
	}, nil
}

// lockContact takes the write lease for contact id and re-reads it, so the
// caller merges into the latest stored row. A nil contact means it was deleted;
// release must be called either way when err is nil.
func (e *Engine) lockContact(ctx context.Context, id string) (*models.Contact, func(), error) {
	release := func() {}
	if e.locker != nil {
		lease, err := e.locker.Acquire(ctx, contactLockPrefix+id)
		if err != nil {
			return nil, nil, fmt.Errorf("lock contact %s: %w", id, err)
		}
		release = func() {
			if err := lease.Release(ctx); err != nil {
				e.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Warn("Failed to release contact lock")
			}
		}
	}

	contact, err := e.store.GetByID(ctx, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	return contact, release, nil
}

func outcomeLabel(outcome *models.MergeOutcome) string {
	switch {
	case outcome.Created:
		return "created"
	case outcome.Merged:
		return "merged"
	default:
		return "unchanged"
	}
}
