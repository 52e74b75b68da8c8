package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	contactsTable = "contacts"

	// uniqueViolation is the SQLSTATE raised by the contacts email index
	uniqueViolation pq.ErrorCode = "23505"

	// match the expression indexes on contacts
	emailLocalExpr  = "split_part(email, '@', 1)"
	emailDomainExpr = "split_part(email, '@', 2)"

	// minSearchTokenLength skips initials and other tokens too short to narrow a search
	minSearchTokenLength = 2
)

// DependentTables hold rows that reference a contact through contact_id
var DependentTables = []string{"activities", "deals", "meetings", "forms"}

var contactColumns = []string{
	"id", "email", "name", "phone", "company", "title", "linkedin_url", "status",
	"preferred_contact_method", "timezone", "lead_source", "sources_count", "notes",
	"created_at", "last_update_date",
}

const countLinksQuery = `SELECT
	(SELECT COUNT(*) FROM activities WHERE contact_id = $1) AS activities,
	(SELECT COUNT(*) FROM deals WHERE contact_id = $1) AS deals,
	(SELECT COUNT(*) FROM meetings WHERE contact_id = $1) AS meetings,
	(SELECT COUNT(*) FROM forms WHERE contact_id = $1) AS forms`

// Repository handles contact persistence. Every method runs on the transaction
// carried by ctx when there is one.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// WithinTx runs fn in a database transaction
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithinTx(ctx, fn)
}

func (r *Repository) querier(ctx context.Context) database.Querier {
	return database.QuerierFromContext(ctx, r.db)
}

func (r *Repository) selectContacts(ctx context.Context, op string, query string, args []any) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := r.querier(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to %s", op)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to %s", op))
	}
	return contacts, nil
}

func (r *Repository) getContact(ctx context.Context, op string, query string, args []any) (*models.Contact, error) {
	var contact models.Contact
	if err := r.querier(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to %s", op)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("failed to %s", op))
	}
	return &contact, nil
}

// FindByEmail returns the contact with the normalized email, or nil
func (r *Repository) FindByEmail(ctx context.Context, email string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmail")
	defer span.End()

	if email == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Equal("email", email))
	sb.OrderBy("created_at", "id")
	sb.Limit(1)

	query, args := sb.Build()
	return r.getContact(ctx, "find contact by email", query, args)
}

// FindByEmailDomain lists contacts on query.Domain. When the query is banded,
// only local parts within the length band and edit distance are returned,
// nearest first (fuzzystrmatch levenshtein_less_equal).
func (r *Repository) FindByEmailDomain(ctx context.Context, query models.EmailDomainQuery) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmailDomain")
	defer span.End()

	if query.Domain == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Equal(emailDomainExpr, query.Domain))

	if query.Banded() {
		distance := fmt.Sprintf("levenshtein_less_equal(%s, %s, %d)", emailLocalExpr, sb.Var(query.Local), query.MaxDistance)
		sb.Where(
			sb.Between("length("+emailLocalExpr+")", query.MinLocalLength, query.MaxLocalLength),
			fmt.Sprintf("%s <= %d", distance, query.MaxDistance),
		)
		sb.OrderBy(fmt.Sprintf("levenshtein_less_equal(%s, %s, %d)", emailLocalExpr, sb.Var(query.Local), query.MaxDistance), "created_at", "id")
	} else {
		sb.OrderBy("created_at", "id")
	}
	sb.Limit(query.Limit)

	sqlQuery, args := sb.Build()
	return r.selectContacts(ctx, "find contacts by email domain", sqlQuery, args)
}

// FindByPhone returns the earliest contact with the normalized phone, or nil
func (r *Repository) FindByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByPhone")
	defer span.End()

	if phone == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Equal("phone", phone))
	sb.OrderBy("created_at", "id")
	sb.Limit(1)

	query, args := sb.Build()
	return r.getContact(ctx, "find contact by phone", query, args)
}

// SearchByNameOrCompany lists contacts whose name contains any token of name
// or whose company contains company, case-insensitively
func (r *Repository) SearchByNameOrCompany(ctx context.Context, name, company string, limit int) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.SearchByNameOrCompany")
	defer span.End()

	sb := database.NewSelectBuilder()
	conds := nameConditions(sb.ILike, name)
	if company = normalizers.CollapseWhitespace(company); company != "" {
		conds = append(conds, sb.ILike("company", database.ContainsPattern(company)))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Or(conds...))
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	return r.selectContacts(ctx, "search contacts by name or company", query, args)
}

// SearchByName lists contacts whose name contains any token of name, case-insensitively
func (r *Repository) SearchByName(ctx context.Context, name string, limit int) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.SearchByName")
	defer span.End()

	sb := database.NewSelectBuilder()
	conds := nameConditions(sb.ILike, name)
	if len(conds) == 0 {
		return nil, nil
	}

	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Or(conds...))
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	return r.selectContacts(ctx, "search contacts by name", query, args)
}

func nameConditions(ilike func(field string, value any) string, name string) []string {
	var conds []string
	for _, token := range normalizers.Tokens(name) {
		if len([]rune(token)) < minSearchTokenLength {
			continue
		}
		conds = append(conds, ilike("name", database.ContainsPattern(token)))
	}
	return conds
}

// GetByID returns a contact by id, or nil
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	return r.getContact(ctx, "get contact", query, args)
}

// GetByIDs returns the contacts that exist among ids
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}

	sb := database.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From(contactsTable)
	sb.Where(sb.In("id", values...))

	query, args := sb.Build()
	return r.selectContacts(ctx, "get contacts", query, args)
}

// Create inserts a contact, assigning an id when missing. A collision on the
// email index returns models.ErrDuplicateEmail.
func (r *Repository) Create(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	if contact.LastUpdateDate.IsZero() {
		contact.LastUpdateDate = now
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(contactsTable)
	ib.Cols(contactColumns...)
	ib.Values(
		contact.ID, contact.Email, contact.Name, contact.Phone, contact.Company, contact.Title,
		contact.LinkedInURL, contact.Status, contact.PreferredContactMethod, contact.Timezone,
		contact.LeadSource, contact.SourcesCount, contact.Notes, contact.CreatedAt, contact.LastUpdateDate,
	)

	query, args := ib.Build()
	if _, err := r.querier(ctx).ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert contact %s: %w", contact.Email, models.ErrDuplicateEmail)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create contact")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"contact_id": contact.ID}).Debug("Created contact")
	return nil
}

// Update overwrites every mutable column of the contact
func (r *Repository) Update(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(contactsTable)
	ub.Set(
		ub.Assign("email", contact.Email),
		ub.Assign("name", contact.Name),
		ub.Assign("phone", contact.Phone),
		ub.Assign("company", contact.Company),
		ub.Assign("title", contact.Title),
		ub.Assign("linkedin_url", contact.LinkedInURL),
		ub.Assign("status", contact.Status),
		ub.Assign("preferred_contact_method", contact.PreferredContactMethod),
		ub.Assign("timezone", contact.Timezone),
		ub.Assign("lead_source", contact.LeadSource),
		ub.Assign("sources_count", contact.SourcesCount),
		ub.Assign("notes", contact.Notes),
		ub.Assign("last_update_date", contact.LastUpdateDate),
	)
	ub.Where(ub.Equal("id", contact.ID))

	query, args := ub.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update contact %s: %w", contact.ID, models.ErrDuplicateEmail)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update contact")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("update contact %s: %w", contact.ID, models.ErrContactNotFound)
	}
	return nil
}

// Delete removes a contact by id
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(contactsTable)
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete contact")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete contact")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("delete contact %s: %w", id, models.ErrContactNotFound)
	}
	return nil
}

// ReassignDependents points every activity, deal, meeting and form of fromID at toID
// and returns the number of rows moved
func (r *Repository) ReassignDependents(ctx context.Context, fromID, toID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.ReassignDependents")
	defer span.End()

	var moved int64
	for _, table := range DependentTables {
		ub := database.NewUpdateBuilder()
		ub.Update(table)
		ub.Set(ub.Assign("contact_id", toID))
		ub.Where(ub.Equal("contact_id", fromID))

		query, args := ub.Build()
		result, err := r.querier(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("table", table).Error("Failed to reassign dependents")
			return moved, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to reassign %s", table)
		}
		n, _ := result.RowsAffected()
		moved += n
	}
	return moved, nil
}

// CountLinks counts the dependent rows that reference contactID
func (r *Repository) CountLinks(ctx context.Context, contactID string) (*models.ContactLinks, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.CountLinks")
	defer span.End()

	var links models.ContactLinks
	if err := r.querier(ctx).GetContext(ctx, &links, countLinksQuery, contactID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count contact links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count contact links")
	}
	return &links, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
