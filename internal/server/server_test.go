package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/clariva/metering/internal/alert/domain"
	alertservice "github.com/clariva/metering/internal/alert/service"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	billingservice "github.com/clariva/metering/internal/billing/service"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/config"
	forecastservice "github.com/clariva/metering/internal/forecast/service"
	planservice "github.com/clariva/metering/internal/plan/service"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	quotaservice "github.com/clariva/metering/internal/quota/service"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	tenantservice "github.com/clariva/metering/internal/tenant/service"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	usageservice "github.com/clariva/metering/internal/usage/service"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type acceptingGateway struct{}

func (acceptingGateway) Capture(ctx context.Context, charge billingdomain.Charge) error { return nil }

type dropNotifier struct{}

func (dropNotifier) Notify(ctx context.Context, alert alertdomain.QuotaAlert) error { return nil }

type serverFixture struct {
	engine *gin.Engine
	db     *gorm.DB
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&quotadomain.QuotaConfig{},
		&usagedomain.UsageEvent{},
		&billingdomain.BillingRecord{},
		&alertdomain.QuotaAlert{},
	))

	clk := clock.NewFakeClock(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	log := zap.NewNop()
	resolverCache := cache.NewTenantResolverCache()

	quotaSvc := quotaservice.NewService(quotaservice.ServiceParam{
		DB: db, Log: log, Clock: clk, ResolverCache: resolverCache,
	})
	planSvc := planservice.NewService(planservice.ServiceParam{
		DB: db, Log: log, Clock: clk, Gateway: acceptingGateway{}, ResolverCache: resolverCache,
	})
	tenantSvc := tenantservice.NewService(tenantservice.ServiceParam{
		DB: db, Log: log, GenID: node, PlanSvc: planSvc, ResolverCache: resolverCache,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, QuotaSvc: quotaSvc,
	})
	forecastSvc := forecastservice.NewService(forecastservice.ServiceParam{
		DB: db, Log: log, Clock: clk,
	})
	alertSvc := alertservice.NewService(alertservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Notifier: dropNotifier{},
	})
	billingSvc := billingservice.NewService(billingservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
		Gateway: acceptingGateway{}, AlertSvc: alertSvc,
	})

	engine := NewEngine()
	NewServer(ServerParams{
		Gin: engine,
		Cfg: config.Config{},
		Log: log,

		TenantSvc:   tenantSvc,
		PlanSvc:     planSvc,
		QuotaSvc:    quotaSvc,
		UsageSvc:    usageSvc,
		ForecastSvc: forecastSvc,
		BillingSvc:  billingSvc,
		AlertSvc:    alertSvc,
	})

	return &serverFixture{engine: engine, db: db}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (f *serverFixture) createTenant(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tenants", map[string]any{
		"name":  "Ari Clinic",
		"email": "owner@ari.test",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	return data["id"].(string)
}

func TestCreateTenantAndQuotaStatus(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	rec := f.do(t, http.MethodGet, "/quota/status", nil, map[string]string{
		HeaderTenant: tenantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	require.EqualValues(t, 200, data["limit"])
	require.EqualValues(t, 0, data["used"])
}

func TestRecordUsageEnvelope(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	rec := f.do(t, http.MethodPost, "/quota/usage", map[string]any{
		"userId":         "42",
		"eventType":      "photo.analysis",
		"idempotencyKey": "req-1",
	}, map[string]string{HeaderTenant: tenantID})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	event := data["event"].(map[string]any)
	require.Equal(t, "accepted", event["status"])
	quota := data["quota"].(map[string]any)
	require.EqualValues(t, 1, quota["used"])
}

func TestPlanRecommendationEndpoint(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	// A fresh tenant on the professional tier has no volume, so the
	// catalog points it at the basic tier.
	rec := f.do(t, http.MethodGet, "/quota/recommendations", nil, map[string]string{
		HeaderTenant: tenantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	require.Equal(t, "professional", data["current_plan"])
	require.Equal(t, "basic", data["recommended_plan"])
}

func TestQuotaExceededContract(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	// Exhaust the allowance on a plan with overage disabled.
	id, err := snowflake.ParseString(tenantID)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&quotadomain.QuotaConfig{}).
		Where("tenant_id = ?", id).
		Updates(map[string]any{"current_period_usage": 200, "allow_overage": false}).Error)

	rec := f.do(t, http.MethodPost, "/quota/usage", map[string]any{
		"userId":         "42",
		"eventType":      "photo.analysis",
		"idempotencyKey": "req-denied",
	}, map[string]string{HeaderTenant: tenantID})
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["quotaExceeded"])
	require.NotEmpty(t, body["message"])
}

func TestValidationErrorShape(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/tenants", map[string]any{
		"name":  "",
		"email": "owner@ari.test",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	require.Equal(t, "validation_error", errObj["type"])
	errs := errObj["errors"].([]any)
	first := errs[0].(map[string]any)
	require.Equal(t, "name", first["field"])
	require.Equal(t, "invalid_name", first["code"])
}

func TestMissingTenantIsBadRequest(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/quota/status", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantNotFound(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/tenants/999999", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPlans(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/plans", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	plans := body["data"].([]any)
	require.Len(t, plans, 4)
}

func TestInactiveTenantIsForbidden(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	rec := f.do(t, http.MethodPost, "/tenants/"+tenantID+"/deactivate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/quota/status", nil, map[string]string{
		HeaderTenant: tenantID,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTopUpEndpoint(t *testing.T) {
	f := newServerFixture(t)
	tenantID := f.createTenant(t)

	rec := f.do(t, http.MethodPost, "/quota/topup", map[string]any{
		"unitCount": 10,
	}, map[string]string{HeaderTenant: tenantID})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	require.EqualValues(t, 10, data["new_balance"])
	require.EqualValues(t, 4800, data["unit_price_satang"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
