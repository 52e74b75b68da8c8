package contact

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func setupTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), logger)
	return NewRepository(db, logger), mock
}

func contactRows(contacts ...models.Contact) *sqlmock.Rows {
	rows := sqlmock.NewRows(contactColumns)
	for _, c := range contacts {
		rows.AddRow(
			c.ID, c.Email, c.Name, c.Phone, c.Company, c.Title, c.LinkedInURL, c.Status,
			c.PreferredContactMethod, c.Timezone, c.LeadSource, c.SourcesCount, c.Notes,
			c.CreatedAt, c.LastUpdateDate,
		)
	}
	return rows
}

func sampleContact() models.Contact {
	return models.Contact{
		ID:             "c1",
		Email:          "jane@acme.io",
		Name:           "Jane Doe",
		Phone:          "4155550100",
		Company:        "Acme",
		LeadSource:     "crm,calendar",
		SourcesCount:   2,
		CreatedAt:      testTime,
		LastUpdateDate: testTime,
	}
}

func TestRepository_FindByEmail(t *testing.T) {
	repo, mock := setupTestRepository(t)
	expected := sampleContact()

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE email = \$1 ORDER BY created_at, id LIMIT`).
		WillReturnRows(contactRows(expected))

	contact, err := repo.FindByEmail(context.Background(), "jane@acme.io")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, expected, *contact)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByEmail_NotFound(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE email = \$1`).WillReturnRows(contactRows())

	contact, err := repo.FindByEmail(context.Background(), "nobody@acme.io")
	require.NoError(t, err)
	assert.Nil(t, contact)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByEmail_EmptySkipsQuery(t *testing.T) {
	repo, mock := setupTestRepository(t)

	contact, err := repo.FindByEmail(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, contact)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LookupFailureIsInternalError(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE phone = \$1`).WillReturnError(errors.New("connection reset"))

	contact, err := repo.FindByPhone(context.Background(), "4155550100")
	require.Error(t, err)
	assert.Nil(t, contact)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByEmailDomain(t *testing.T) {
	repo, mock := setupTestRepository(t)
	expected := sampleContact()

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE split_part\(email, '@', 2\) = \$1 ORDER BY created_at, id LIMIT`).
		WillReturnRows(contactRows(expected))

	contacts, err := repo.FindByEmailDomain(context.Background(), models.EmailDomainQuery{Domain: "acme.io", Limit: 200})
	require.NoError(t, err)
	assert.Equal(t, []models.Contact{expected}, contacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByEmailDomain_Banded(t *testing.T) {
	repo, mock := setupTestRepository(t)
	expected := sampleContact()

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE split_part\(email, '@', 2\) = \$1 ` +
		`AND length\(split_part\(email, '@', 1\)\) BETWEEN \$2 AND \$3 ` +
		`AND levenshtein_less_equal\(split_part\(email, '@', 1\), \$4, 2\) <= 2 ` +
		`ORDER BY levenshtein_less_equal\(split_part\(email, '@', 1\), \$5, 2\), created_at, id LIMIT`).
		WillReturnRows(contactRows(expected))

	contacts, err := repo.FindByEmailDomain(context.Background(), models.EmailDomainQuery{
		Domain:         "gmail.com",
		Local:          "jonathanmeyer",
		MinLocalLength: 11,
		MaxLocalLength: 15,
		MaxDistance:    2,
		Limit:          200,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Contact{expected}, contacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByEmailDomain_EmptySkipsQuery(t *testing.T) {
	repo, mock := setupTestRepository(t)

	contacts, err := repo.FindByEmailDomain(context.Background(), models.EmailDomainQuery{Limit: 200})
	require.NoError(t, err)
	assert.Empty(t, contacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SearchByNameOrCompany(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE \(name ILIKE \$1 OR name ILIKE \$2 OR company ILIKE \$3\)`).
		WillReturnRows(contactRows(sampleContact()))

	contacts, err := repo.SearchByNameOrCompany(context.Background(), "Rob J Johnson", "  Acme   Inc ", 50)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SearchByName_NoUsableTokens(t *testing.T) {
	repo, mock := setupTestRepository(t)

	contacts, err := repo.SearchByName(context.Background(), " J ", 50)
	require.NoError(t, err)
	assert.Empty(t, contacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByIDs(t *testing.T) {
	repo, mock := setupTestRepository(t)
	a, b := sampleContact(), sampleContact()
	b.ID, b.Email = "c2", "j.doe@acme.io"

	mock.ExpectQuery(`SELECT .* FROM contacts WHERE id IN \(\$1, \$2\)`).
		WithArgs("c1", "c2").
		WillReturnRows(contactRows(a, b))

	contacts, err := repo.GetByIDs(context.Background(), []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, []models.Contact{a, b}, contacts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create(t *testing.T) {
	repo, mock := setupTestRepository(t)
	contact := sampleContact()
	contact.ID = ""

	mock.ExpectExec(`INSERT INTO contacts \(id, email, name, .*\) VALUES`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), &contact))
	assert.NotEmpty(t, contact.ID)
	assert.Equal(t, testTime, contact.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create_DuplicateEmail(t *testing.T) {
	repo, mock := setupTestRepository(t)
	contact := sampleContact()

	mock.ExpectExec(`INSERT INTO contacts`).WillReturnError(&pq.Error{Code: "23505", Constraint: "contacts_email_key"})

	err := repo.Create(context.Background(), &contact)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDuplicateEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Update_NotFound(t *testing.T) {
	repo, mock := setupTestRepository(t)
	contact := sampleContact()

	mock.ExpectExec(`UPDATE contacts SET .* WHERE id = \$\d+`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &contact)
	assert.ErrorIs(t, err, models.ErrContactNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReassignDependents(t *testing.T) {
	repo, mock := setupTestRepository(t)

	for i, table := range DependentTables {
		mock.ExpectExec(`UPDATE ` + table + ` SET contact_id = \$1 WHERE contact_id = \$2`).
			WithArgs("primary", "secondary").
			WillReturnResult(sqlmock.NewResult(0, int64(i+1)))
	}

	moved, err := repo.ReassignDependents(context.Background(), "secondary", "primary")
	require.NoError(t, err)
	assert.Equal(t, int64(1+2+3+4), moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReassignAndDeleteInOneTransaction(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE activities SET contact_id`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE deals SET contact_id`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := repo.ReassignDependents(ctx, "secondary", "primary"); err != nil {
			return err
		}
		return repo.Delete(ctx, "secondary")
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Delete(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectExec(`DELETE FROM contacts WHERE id = \$1`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM contacts WHERE id = \$1`).WithArgs("ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), "c1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "ghost"), models.ErrContactNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CountLinks(t *testing.T) {
	repo, mock := setupTestRepository(t)

	mock.ExpectQuery(`SELECT \(SELECT COUNT\(\*\) FROM activities`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"activities", "deals", "meetings", "forms"}).
			AddRow(int64(3), int64(1), int64(0), int64(2)))

	links, err := repo.CountLinks(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ContactLinks{Activities: 3, Deals: 1, Meetings: 0, Forms: 2}, *links)
	assert.NoError(t, mock.ExpectationsWereMet())
}
