package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/clariva/metering/internal/alert/domain"
	alertservice "github.com/clariva/metering/internal/alert/service"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	billingservice "github.com/clariva/metering/internal/billing/service"
	"github.com/clariva/metering/internal/cache"
	forecastservice "github.com/clariva/metering/internal/forecast/service"
	"github.com/clariva/metering/internal/clock"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	quotaservice "github.com/clariva/metering/internal/quota/service"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type okGateway struct{ charges []billingdomain.Charge }

func (g *okGateway) Capture(ctx context.Context, charge billingdomain.Charge) error {
	g.charges = append(g.charges, charge)
	return nil
}

type silentNotifier struct{}

func (silentNotifier) Notify(ctx context.Context, alert alertdomain.QuotaAlert) error { return nil }

type schedFixture struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	sched    *Scheduler
	gateway  *okGateway
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newSchedFixture(t *testing.T) *schedFixture {
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

	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 15, 0, 0, time.UTC))
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	gateway := &okGateway{}
	log := zap.NewNop()

	quotaSvc := quotaservice.NewService(quotaservice.ServiceParam{
		DB: db, Log: log, Clock: clk,
		ResolverCache: cache.NewTenantResolverCache(),
	})
	alertSvc := alertservice.NewService(alertservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Notifier: silentNotifier{},
	})
	billingSvc := billingservice.NewService(billingservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
		Gateway: gateway, AlertSvc: alertSvc,
	})
	forecastSvc := forecastservice.NewService(forecastservice.ServiceParam{
		DB: db, Log: log, Clock: clk,
	})

	sched, err := New(Params{
		DB: db, Log: log, Clock: clk,
		QuotaSvc: quotaSvc, BillingSvc: billingSvc, AlertSvc: alertSvc,
		ForecastSvc: forecastSvc,
	})
	require.NoError(t, err)

	tenantID := snowflake.ID(7001)
	now := clk.Now()
	require.NoError(t, db.Create(&tenantdomain.Tenant{
		ID: tenantID, Name: "Thonglor Clinic", Email: "owner@thonglor.test",
		Active: true, CreatedAt: now, UpdatedAt: now,
	}).Error)

	return &schedFixture{db: db, clk: clk, sched: sched, gateway: gateway, node: node, tenantID: tenantID}
}

func (f *schedFixture) seedConfig(t *testing.T, cfg quotadomain.QuotaConfig) {
	t.Helper()
	cfg.TenantID = f.tenantID
	if cfg.PlanTier == "" {
		cfg.PlanTier = "basic"
	}
	if cfg.Currency == "" {
		cfg.Currency = "THB"
	}
	require.NoError(t, f.db.Create(&cfg).Error)
}

func (f *schedFixture) seedOverageEvent(t *testing.T, occurred time.Time, cost int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:             f.node.Generate(),
		TenantID:       f.tenantID,
		UserID:         9,
		EventType:      "photo.analysis",
		Succeeded:      true,
		Status:         usagedomain.StatusAccepted,
		Overage:        cost > 0,
		CostSatang:     cost,
		Currency:       "THB",
		IdempotencyKey: f.node.Generate().String(),
		OccurredAt:     occurred,
		CreatedAt:      occurred,
	}).Error)
}

func TestResetPeriodsJobReconcilesThenResets(t *testing.T) {
	f := newSchedFixture(t)

	// The period closed 15 minutes ago with two billed overage units.
	f.seedConfig(t, quotadomain.QuotaConfig{
		MonthlyAllowance:   50,
		CurrentPeriodUsage: 52,
		OverageRateSatang:  7500,
		AllowOverage:       true,
		ResetDate:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	jan := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	f.seedOverageEvent(t, jan, 0)
	f.seedOverageEvent(t, jan, 7500)
	f.seedOverageEvent(t, jan, 7500)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var record billingdomain.BillingRecord
	require.NoError(t, f.db.First(&record, "tenant_id = ?", f.tenantID).Error)
	require.EqualValues(t, 2, record.OverageUnits)
	require.EqualValues(t, 15000, record.OverageAmountSatang)
	require.Equal(t, billingdomain.StatusPaid, record.Status)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), record.PeriodStart.UTC())

	var cfg quotadomain.QuotaConfig
	require.NoError(t, f.db.First(&cfg, "tenant_id = ?", f.tenantID).Error)
	require.Zero(t, cfg.CurrentPeriodUsage)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), cfg.ResetDate.UTC())

	// A second run finds nothing due and changes nothing.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	var count int64
	require.NoError(t, f.db.Model(&billingdomain.BillingRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestResetPeriodsJobSkipsFutureResets(t *testing.T) {
	f := newSchedFixture(t)

	f.seedConfig(t, quotadomain.QuotaConfig{
		MonthlyAllowance:   50,
		CurrentPeriodUsage: 20,
		ResetDate:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var cfg quotadomain.QuotaConfig
	require.NoError(t, f.db.First(&cfg, "tenant_id = ?", f.tenantID).Error)
	require.EqualValues(t, 20, cfg.CurrentPeriodUsage)

	var count int64
	require.NoError(t, f.db.Model(&billingdomain.BillingRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAlertSweepRaisesForBreachedTenants(t *testing.T) {
	f := newSchedFixture(t)

	f.seedConfig(t, quotadomain.QuotaConfig{
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 96,
		ResetDate:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var alerts []alertdomain.QuotaAlert
	require.NoError(t, f.db.Find(&alerts, "tenant_id = ?", f.tenantID).Error)
	require.Len(t, alerts, 1)
	require.Equal(t, alertdomain.LevelCritical, alerts[0].Level)
}

func TestAlertSweepRaisesBurnRateAlert(t *testing.T) {
	f := newSchedFixture(t)

	f.seedConfig(t, quotadomain.QuotaConfig{
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 90,
		ResetDate:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	// 14 units inside the trailing window burn 2 per day; the remaining 10
	// units last 5 days, inside the warning horizon.
	recent := f.clk.Now().AddDate(0, 0, -3)
	for i := 0; i < 14; i++ {
		f.seedOverageEvent(t, recent, 0)
	}

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var alerts []alertdomain.QuotaAlert
	require.NoError(t, f.db.Order("kind ASC").Find(&alerts, "tenant_id = ?", f.tenantID).Error)
	require.Len(t, alerts, 2)
	require.Equal(t, alertdomain.KindBurnRate, alerts[0].Kind)
	require.Equal(t, alertdomain.LevelWarning, alerts[0].Level)
	require.Equal(t, alertdomain.KindQuota, alerts[1].Kind)

	// Re-sweeping the same standing raises nothing new.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	var count int64
	require.NoError(t, f.db.Model(&alertdomain.QuotaAlert{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestDisabledJobsAreSkipped(t *testing.T) {
	f := newSchedFixture(t)
	f.sched.cfg.DisabledJobs = []string{"reset_periods", "alert_sweep"}

	f.seedConfig(t, quotadomain.QuotaConfig{
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 99,
		ResetDate:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	var cfg quotadomain.QuotaConfig
	require.NoError(t, f.db.First(&cfg, "tenant_id = ?", f.tenantID).Error)
	require.EqualValues(t, 99, cfg.CurrentPeriodUsage)

	var alertCount int64
	require.NoError(t, f.db.Model(&alertdomain.QuotaAlert{}).Count(&alertCount).Error)
	require.Zero(t, alertCount)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Params{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
