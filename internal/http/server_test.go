package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/entitlements/internal/app"
	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv   *Server
	app   *app.App
	store *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	store.PutProject(model.Project{ID: "prj_1", APIKey: "key_1", Status: "active"})
	store.PutProject(model.Project{ID: "prj_2", APIKey: "key_2", Status: "active"})
	store.PutCustomer(model.Customer{ID: "cus_1", ProjectID: "prj_1"})
	store.PutCustomer(model.Customer{ID: "cus_2", ProjectID: "prj_2"})
	store.PutPlan(model.PlanVersion{
		ID:              "plv_team_1",
		PlanSlug:        "team",
		Version:         1,
		BillingInterval: model.IntervalMonth,
		IntervalCount:   1,
		Features: []model.PlanFeature{
			{PlanVersionID: "plv_team_1", FeatureSlug: "seats", Limit: 100, OveragePolicy: model.OverageHardCap},
		},
	})

	var cfg config.Config
	cfg.Authority = config.AuthorityConfig{Timeout: time.Second, MaxRetries: 3}
	a := app.New(app.MemoryRepositories(store), cache.NewTier(cache.NewMemoryBackend(1000), cache.Options{}), cfg, nil, nil)
	t.Cleanup(a.Close)

	return &testServer{srv: NewServer(cfg, a, nil, nil), app: a, store: store}
}

func (s *testServer) do(t *testing.T, method, path, key, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (s *testServer) subscribe(t *testing.T) string {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/v1/subscriptions", "key_1", `{"customer_id":"cus_1","plan_version_id":"plv_team_1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return out["id"].(string)
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/entitlements/check", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/entitlements/check", "wrong", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckAndReportUsage(t *testing.T) {
	s := newTestServer(t)
	s.subscribe(t)

	rec, out := s.do(t, http.MethodPost, "/v1/entitlements/check", "key_1", `{"customer_id":"cus_1","feature_slug":"seats"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["allow"])

	rec, out = s.do(t, http.MethodPost, "/v1/usage", "key_1", `{"customer_id":"cus_1","feature_slug":"seats","quantity":120,"idempotency_key":"r1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 100, out["applied"])
	assert.Equal(t, "USAGE_LIMIT_REACHED", out["reason"])

	rec, out = s.do(t, http.MethodPost, "/v1/entitlements/check", "key_1", `{"customer_id":"cus_1","feature_slug":"seats","skip_cache":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["allow"])
	assert.Equal(t, "USAGE_LIMIT_REACHED", out["reason"])
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	s.subscribe(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage", strings.NewReader(`{"customer_id":"cus_1","feature_slug":"seats","quantity":3}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-API-Key", "key_1")
	req.Header.Set("Idempotency-Key", "hdr-1")
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = s.do(t, http.MethodPost, "/v1/usage", "key_1", `{"customer_id":"cus_1","feature_slug":"seats","quantity":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForeignCustomerIsNotFound(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/v1/entitlements/check", "key_1", `{"customer_id":"cus_2","feature_slug":"seats"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPatch, "/v1/customers/cus_2/acl", "key_1", `{"customer_disabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := s.subscribe(t)
	rec, _ = s.do(t, http.MethodGet, "/v1/subscriptions/"+id, "key_2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateACLDisablesCustomer(t *testing.T) {
	s := newTestServer(t)
	s.subscribe(t)

	rec, out := s.do(t, http.MethodPatch, "/v1/customers/cus_1/acl", "key_1", `{"customer_disabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["disabled"])

	rec, out = s.do(t, http.MethodPost, "/v1/entitlements/check", "key_1", `{"customer_id":"cus_1","feature_slug":"seats"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CUSTOMER_DISABLED", out["reason"])

	rec, _ = s.do(t, http.MethodPatch, "/v1/customers/cus_1/acl", "key_1", `{"subscription_status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.subscribe(t)

	rec, _ := s.do(t, http.MethodPost, "/v1/subscriptions", "key_1", `{"customer_id":"cus_1","plan_version_id":"plv_team_1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	at := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	rec, out := s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/phases", "key_1",
		fmt.Sprintf(`{"plan_version_id":"plv_team_1","start_at":%q,"params":{"tier":"gold"}}`, at))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	phases := out["phases"].([]any)
	require.Len(t, phases, 2)
	future := phases[1].(map[string]any)["id"].(string)

	rec, _ = s.do(t, http.MethodPatch, "/v1/subscriptions/"+id+"/phases/"+future, "key_1", `{"params":{"tier":"silver"}}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out = s.do(t, http.MethodDelete, "/v1/subscriptions/"+id+"/phases/"+future, "key_1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, out["phases"].([]any), 1)

	rec, out = s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/cancel", "key_1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "canceled", out["status"])

	rec, _ = s.do(t, http.MethodGet, "/v1/subscriptions/sub_missing", "key_1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvoiceAndPayment(t *testing.T) {
	s := newTestServer(t)
	id := s.subscribe(t)

	start := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	end := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	period := fmt.Sprintf(`{"period_start":%q,"period_end":%q`, start, end)

	rec, first := s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/invoices", "key_1", period+"}")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, again := s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/invoices", "key_1", period+"}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["id"], again["id"])

	rec, out := s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/payments", "key_1", period+`,"outcome":"failed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "past_due", out["status"])

	rec, _ = s.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/payments", "key_1", period+`,"outcome":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageReport(t *testing.T) {
	s := newTestServer(t)
	s.subscribe(t)

	for _, k := range []string{"a", "b"} {
		rec, _ := s.do(t, http.MethodPost, "/v1/usage", "key_1", `{"customer_id":"cus_1","feature_slug":"seats","quantity":2,"idempotency_key":"`+k+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, out := s.do(t, http.MethodGet, "/v1/reports/usage?customer_id=cus_1&feature=seats", "key_1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, out["count"])

	rec, _ = s.do(t, http.MethodGet, "/v1/reports/usage?customer_id=cus_1&from=yesterday", "key_1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		code      int
		retryable bool
	}{
		{apperr.NotFound("customer", "x"), http.StatusNotFound, false},
		{apperr.Invalid("bad"), http.StatusBadRequest, false},
		{fmt.Errorf("save: %w", apperr.ErrConflict), http.StatusConflict, true},
		{apperr.Unavailable(errors.New("timeout")), http.StatusServiceUnavailable, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	e := echo.New()
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		require.NoError(t, writeError(c, tc.err))
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.retryable, body["retryable"] == true, tc.err.Error())
	}
}
