package merging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ReassignmentError reports the secondaries whose consolidation was rolled back
type ReassignmentError struct {
	PrimaryID string
	Failures  []models.ConsolidationFailure
}

func (e *ReassignmentError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ContactID)
	}
	return fmt.Sprintf("failed to consolidate %d contact(s) into %s: %s", len(e.Failures), e.PrimaryID, strings.Join(ids, ", "))
}

// MergeContacts consolidates duplicate contacts into primaryID.
//
// Secondaries are processed most recently updated first (ties by ascending id),
// which decides which value fills an empty primary field. Each secondary is
// folded into the primary, has its activities, deals, meetings and forms
// reassigned and is deleted inside one transaction; a failing secondary is
// rolled back, reported in the returned ReassignmentError and the rest continue.
func (e *Engine) MergeContacts(ctx context.Context, primaryID string, secondaryIDs []string) (*models.ConsolidationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.MergeContacts")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":      primaryID,
		"secondary_count": len(secondaryIDs),
	})

	primary, releasePrimary, err := e.lockContact(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	defer releasePrimary()
	if primary == nil {
		return nil, fmt.Errorf("primary %s: %w", primaryID, models.ErrContactNotFound)
	}

	ids := uniqueSecondaryIDs(primaryID, secondaryIDs)
	result := &models.ConsolidationResult{Contact: primary}
	if len(ids) == 0 {
		return result, nil
	}

	secondaries, err := e.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if missing := missingIDs(ids, secondaries); len(missing) > 0 {
		return nil, fmt.Errorf("secondary %s: %w", strings.Join(missing, ", "), models.ErrContactNotFound)
	}
	sortSecondaries(secondaries)

	for _, secondary := range secondaries {
		merged, err := e.consolidateLocked(ctx, *primary, secondary.ID)
		if err != nil {
			log.WithError(err).WithField("secondary_id", secondary.ID).Error("Failed to consolidate contact, rolled back")
			metrics.ConsolidationsTotal.WithLabelValues("failed").Inc()
			result.Failed = append(result.Failed, models.ConsolidationFailure{ContactID: secondary.ID, Error: err.Error()})
			continue
		}

		*primary = *merged
		result.Merged = append(result.Merged, secondary.ID)
		metrics.ConsolidationsTotal.WithLabelValues("merged").Inc()
	}

	log.WithFields(map[string]any{
		"merged": len(result.Merged),
		"failed": len(result.Failed),
	}).Info("Consolidated duplicate contacts")

	if len(result.Failed) > 0 {
		return result, &ReassignmentError{PrimaryID: primaryID, Failures: result.Failed}
	}
	return result, nil
}

// consolidateLocked holds the secondary's write lease while it is folded in, so
// a concurrent CreateOrUpdate cannot enrich it after it was read.
func (e *Engine) consolidateLocked(ctx context.Context, primary models.Contact, secondaryID string) (*models.Contact, error) {
	secondary, release, err := e.lockContact(ctx, secondaryID)
	if err != nil {
		return nil, err
	}
	defer release()
	if secondary == nil {
		return nil, fmt.Errorf("secondary %s: %w", secondaryID, models.ErrContactNotFound)
	}
	return e.consolidateOne(ctx, primary, *secondary)
}

// consolidateOne folds secondary into a copy of primary and commits the update,
// the dependent reassignment and the delete together.
func (e *Engine) consolidateOne(ctx context.Context, primary, secondary models.Contact) (*models.Contact, error) {
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		e.fieldMerger.Consolidate(&primary, []models.Contact{secondary})
		if err := e.store.Update(ctx, &primary); err != nil {
			return fmt.Errorf("update primary: %w", err)
		}

		moved, err := e.store.ReassignDependents(ctx, secondary.ID, primary.ID)
		if err != nil {
			return fmt.Errorf("reassign dependents: %w", err)
		}

		if err := e.store.Delete(ctx, secondary.ID); err != nil {
			return fmt.Errorf("delete secondary: %w", err)
		}

		e.logger.WithContext(ctx).WithFields(map[string]any{
			"primary_id":   primary.ID,
			"secondary_id": secondary.ID,
			"reassigned":   moved,
		}).Debug("Consolidated contact")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &primary, nil
}

// sortSecondaries orders by LastUpdateDate descending, then id ascending
func sortSecondaries(secondaries []models.Contact) {
	sort.SliceStable(secondaries, func(i, j int) bool {
		a, b := secondaries[i], secondaries[j]
		if !a.LastUpdateDate.Equal(b.LastUpdateDate) {
			return a.LastUpdateDate.After(b.LastUpdateDate)
		}
		return a.ID < b.ID
	})
}

func uniqueSecondaryIDs(primaryID string, ids []string) []string {
	seen := map[string]struct{}{primaryID: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingIDs(ids []string, found []models.Contact) []string {
	present := make(map[string]struct{}, len(found))
	for _, c := range found {
		present[c.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
