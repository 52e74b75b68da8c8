package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/storetest"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/lock"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/routes/contact"
	"github.com/Ramsey-B/clover/pkg/routes/health"
)

var noopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type capturePublisher struct {
	events []*kafka.ContactEvent
}

func (p *capturePublisher) PublishContactEvent(_ context.Context, event *kafka.ContactEvent) error {
	p.events = append(p.events, event)
	return nil
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(context.Context, string) (*oidc.IDToken, error) {
	return nil, errors.New("token expired")
}

type testAPI struct {
	t         *testing.T
	e         *echo.Echo
	store     *storetest.Store
	publisher *capturePublisher
	checker   *health.Checker
}

func newTestAPI(t *testing.T, verifier middleware.TokenVerifier) *testAPI {
	store := storetest.New()
	matcher := matching.NewEngine(noopLogger, store, matching.DefaultConfig())
	merger := merging.NewEngine(noopLogger, store, store, matcher, lock.NewLocal())
	publisher := &capturePublisher{}
	checker := health.NewChecker(nil, nil, "test")

	e := New(Options{
		ServiceName: "clover-test",
		Logger:      noopLogger,
		Verifier:    verifier,
		Contacts:    contact.NewHandler(noopLogger, matcher, merger, publisher),
		Health:      checker,
	})
	return &testAPI{t: t, e: e, store: store, publisher: publisher, checker: checker}
}

func (api *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(api.t, json.NewEncoder(&reqBody).Encode(body))
	}

	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestContacts_CreateOrUpdate(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/v1/contacts", map[string]any{
		"email":  "Jane@Acme.io",
		"name":   "Jane Doe",
		"source": "crm",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.MergeOutcome](t, rec)
	assert.True(t, created.Created)
	assert.Equal(t, "jane@acme.io", created.Contact.Email)
	assert.Equal(t, "crm", created.Contact.LeadSource)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = api.do(http.MethodPost, "/api/v1/contacts", map[string]any{
		"email":   "jane@acme.io",
		"company": "Acme",
		"source":  "calendar",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[models.MergeOutcome](t, rec)
	assert.True(t, merged.Merged)
	assert.Equal(t, created.Contact.ID, merged.Contact.ID)
	assert.Equal(t, "crm,calendar", merged.Contact.LeadSource)

	require.Len(t, api.publisher.events, 2)
	assert.Equal(t, kafka.EventContactCreated, api.publisher.events[0].EventType)
	assert.Equal(t, kafka.EventContactUpdated, api.publisher.events[1].EventType)
}

func TestContacts_CreateOrUpdate_InvalidConfidence(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/v1/contacts", map[string]any{
		"email":          "jane@acme.io",
		"min_confidence": "SOMEWHAT",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, api.store.Len())
}

func TestContacts_Match(t *testing.T) {
	api := newTestAPI(t, nil)
	seeded := api.store.Seed(models.Contact{Email: "jane@acme.io", Name: "Jane Doe"})
	api.store.AddDependent(storetest.TableDeals, seeded[0].ID)

	rec := api.do(http.MethodPost, "/api/v1/contacts/match", map[string]any{
		"email":         "JANE@ACME.IO",
		"include_links": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[models.MatchResult](t, rec)
	assert.Equal(t, models.ConfidenceExact, result.Confidence)
	require.NotNil(t, result.Contact)
	assert.Equal(t, seeded[0].ID, result.Contact.ID)
	require.NotNil(t, result.Links)
	assert.Equal(t, 1, result.Links.Deals)
	assert.Empty(t, api.publisher.events)
}

func TestContacts_Merge(t *testing.T) {
	api := newTestAPI(t, nil)
	seeded := api.store.Seed(
		models.Contact{ID: "p", Email: "jane@acme.io"},
		models.Contact{ID: "s", Email: "j.doe@acme.io", Company: "Acme"},
	)
	api.store.AddDependent(storetest.TableActivities, seeded[1].ID)

	rec := api.do(http.MethodPost, "/api/v1/contacts/p/merge", map[string]any{"secondary_ids": []string{"s"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[models.ConsolidationResult](t, rec)
	assert.Equal(t, []string{"s"}, result.Merged)
	assert.Equal(t, "Acme", result.Contact.Company)
	assert.Equal(t, 1, api.store.DependentsOf("p"))

	require.Len(t, api.publisher.events, 1)
	assert.Equal(t, kafka.EventContactMerged, api.publisher.events[0].EventType)
}

func TestContacts_Merge_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
	}{
		{name: "missing primary", path: "/api/v1/contacts/ghost/merge", body: map[string]any{"secondary_ids": []string{"s"}}, wantCode: http.StatusNotFound},
		{name: "missing secondary", path: "/api/v1/contacts/p/merge", body: map[string]any{"secondary_ids": []string{"ghost"}}, wantCode: http.StatusNotFound},
		{name: "no secondaries", path: "/api/v1/contacts/p/merge", body: map[string]any{"secondary_ids": []string{}}, wantCode: http.StatusBadRequest},
		{name: "partial failure", path: "/api/v1/contacts/p/merge", body: map[string]any{"secondary_ids": []string{"s", "bad"}}, wantCode: http.StatusMultiStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, nil)
			api.store.Seed(
				models.Contact{ID: "p", Email: "jane@acme.io"},
				models.Contact{ID: "s", Email: "j.doe@acme.io"},
				models.Contact{ID: "bad", Email: "jd@acme.io"},
			)
			api.store.ReassignErr["bad"] = errors.New("deadlock detected")

			rec := api.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantCode == http.StatusMultiStatus {
				result := decode[models.ConsolidationResult](t, rec)
				assert.Equal(t, []string{"s"}, result.Merged)
				require.Len(t, result.Failed, 1)
				assert.Equal(t, "bad", result.Failed[0].ContactID)
			}
			if tt.wantCode >= http.StatusBadRequest {
				errResp := decode[middleware.ErrorResponse](t, rec)
				assert.NotEmpty(t, errResp.Message)
				assert.NotEmpty(t, errResp.RequestID)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	api := newTestAPI(t, rejectingVerifier{})

	rec := api.do(http.MethodPost, "/api/v1/contacts/match", map[string]any{"email": "jane@acme.io"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/contacts/match", bytes.NewBufferString(`{"email":"jane@acme.io"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer expired")
	rec = httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health checks stay open.
	rec = api.do(http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodGet, "/api/v1/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	api.checker.SetReady(true)
	rec = api.do(http.MethodGet, "/api/v1/health/ready", nil)
	// No database configured in tests.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[health.Response](t, rec)
	assert.Equal(t, health.StatusUnhealthy, resp.Checks["database"].Status)
	assert.Equal(t, health.StatusDegraded, resp.Checks["redis"].Status)

	rec = api.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
