package merging

import (
	"slices"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// notesSeparator joins accumulated note blocks
const notesSeparator = "\n\n"

// scalarField binds one first-non-empty-wins contact column to the normalizer
// applied to incoming values before they are adopted.
type scalarField struct {
	name       string
	normalizer string
	target     func(c *models.Contact) *string
}

// scalarFields is the precedence list for CreateOrUpdate and MergeContacts.
// Existing values are never overwritten.
var scalarFields = []scalarField{
	{name: "name", normalizer: "collapse_whitespace", target: func(c *models.Contact) *string { return &c.Name }},
	{name: "phone", normalizer: "nphone", target: func(c *models.Contact) *string { return &c.Phone }},
	{name: "company", normalizer: "collapse_whitespace", target: func(c *models.Contact) *string { return &c.Company }},
	{name: "title", normalizer: "trim", target: func(c *models.Contact) *string { return &c.Title }},
	{name: "linkedin_url", normalizer: "trim", target: func(c *models.Contact) *string { return &c.LinkedInURL }},
	{name: "status", normalizer: "trim", target: func(c *models.Contact) *string { return &c.Status }},
	{name: "preferred_contact_method", normalizer: "trim", target: func(c *models.Contact) *string { return &c.PreferredContactMethod }},
	{name: "timezone", normalizer: "trim", target: func(c *models.Contact) *string { return &c.Timezone }},
}

// FieldMerger applies the contact field precedence rules
type FieldMerger struct {
	now func() time.Time
}

// NewFieldMerger creates a new FieldMerger
func NewFieldMerger() *FieldMerger {
	return &FieldMerger{now: func() time.Time { return time.Now().UTC() }}
}

// NewContact builds a contact from a feed record that matched nothing.
func (m *FieldMerger) NewContact(info models.ContactInfo) *models.Contact {
	now := m.now()
	contact := &models.Contact{
		Email:          normalizers.NormalizeEmail(info.Email),
		LeadSource:     models.JoinLeadSource(models.SplitLeadSource(info.LeadSource)),
		Notes:          strings.TrimSpace(info.Notes),
		CreatedAt:      now,
		LastUpdateDate: now,
	}
	contact.SourcesCount = len(contact.LeadSources())

	for _, f := range scalarFields {
		*f.target(contact) = normalizers.Apply(info.Field(f.name), f.normalizer)
	}
	return contact
}

// ApplyInfo folds a feed record into an existing contact and returns the names
// of the fields it changed. LastUpdateDate is refreshed only when something changed.
func (m *FieldMerger) ApplyInfo(existing *models.Contact, info models.ContactInfo) []string {
	var changed []string

	tokens := existing.LeadSources()
	added := 0
	for _, source := range models.SplitLeadSource(info.LeadSource) {
		if slices.Contains(tokens, source) {
			continue
		}
		tokens = append(tokens, source)
		added++
	}
	if added > 0 {
		existing.LeadSource = models.JoinLeadSource(tokens)
		existing.SourcesCount += added
		changed = append(changed, "lead_source", "sources_count")
	}

	for _, f := range scalarFields {
		if adoptIfEmpty(f.target(existing), normalizers.Apply(info.Field(f.name), f.normalizer)) {
			changed = append(changed, f.name)
		}
	}

	if notes := AppendNotes(existing.Notes, info.Notes); notes != existing.Notes {
		existing.Notes = notes
		changed = append(changed, "notes")
	}

	if len(changed) > 0 {
		existing.LastUpdateDate = m.now()
	}
	return changed
}

// Consolidate folds secondaries into primary in the order given: lead source
// tokens are unioned, sources counts summed, empty scalar fields take the first
// non-empty secondary value and notes accumulate without exact duplicates.
func (m *FieldMerger) Consolidate(primary *models.Contact, secondaries []models.Contact) {
	tokens := primary.LeadSources()
	for i := range secondaries {
		secondary := &secondaries[i]

		tokens = append(tokens, secondary.LeadSources()...)
		primary.SourcesCount += secondary.SourcesCount

		for _, f := range scalarFields {
			adoptIfEmpty(f.target(primary), *f.target(secondary))
		}

		primary.Notes = AppendNotes(primary.Notes, secondary.Notes)
	}
	primary.LeadSource = models.JoinLeadSource(tokens)
	primary.LastUpdateDate = m.now()
}

// AppendNotes appends incoming to existing separated by a blank line. Notes are
// never replaced: an empty incoming value or one already present as a block
// leaves existing untouched.
func AppendNotes(existing, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return incoming
	}
	if existing == incoming {
		return existing
	}
	for _, block := range strings.Split(existing, notesSeparator) {
		if strings.TrimSpace(block) == incoming {
			return existing
		}
	}
	return existing + notesSeparator + incoming
}

func adoptIfEmpty(target *string, value string) bool {
	if strings.TrimSpace(*target) != "" || strings.TrimSpace(value) == "" {
		return false
	}
	*target = value
	return true
}
