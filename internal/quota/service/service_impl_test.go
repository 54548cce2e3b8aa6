package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every goroutine on the same in-memory database
	// and serializes writes the way sqlite expects.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&tenantdomain.Tenant{}, &quotadomain.QuotaConfig{}))
	return db
}

func newQuotaService(t *testing.T, db *gorm.DB, clk clock.Clock) quotadomain.Service {
	t.Helper()
	return NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		ResolverCache: cache.NewTenantResolverCache(),
	})
}

func seedTenant(t *testing.T, db *gorm.DB, id snowflake.ID, active bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&tenantdomain.Tenant{
		ID:        id,
		Name:      "Bangkok Clinic",
		Email:     "owner@clinic.test",
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
}

func seedConfig(t *testing.T, db *gorm.DB, cfg quotadomain.QuotaConfig) {
	t.Helper()
	if cfg.PlanTier == "" {
		cfg.PlanTier = "professional"
	}
	if cfg.Currency == "" {
		cfg.Currency = "THB"
	}
	if cfg.ResetDate.IsZero() {
		cfg.ResetDate = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	}
	require.NoError(t, db.Create(&cfg).Error)
}

func TestCheckAvailabilityOutcomes(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1001)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:           tenantID,
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 10,
		OverageRateSatang:  6000,
		AllowOverage:       true,
	})

	avail, err := svc.CheckAvailability(ctx, tenantID)
	require.NoError(t, err)
	require.True(t, avail.Allowed)
	require.False(t, avail.WillIncurCharge)
	require.EqualValues(t, 90, avail.Remaining)

	// Exhaust the allowance: the next unit is overage at the plan rate.
	require.NoError(t, db.Model(&quotadomain.QuotaConfig{}).
		Where("tenant_id = ?", tenantID).
		Update("current_period_usage", 100).Error)

	avail, err = svc.CheckAvailability(ctx, tenantID)
	require.NoError(t, err)
	require.True(t, avail.Allowed)
	require.True(t, avail.WillIncurCharge)
	require.EqualValues(t, 6000, avail.EstimatedCostSatang)

	// Overage disallowed: denied.
	require.NoError(t, db.Model(&quotadomain.QuotaConfig{}).
		Where("tenant_id = ?", tenantID).
		Update("allow_overage", false).Error)

	avail, err = svc.CheckAvailability(ctx, tenantID)
	require.NoError(t, err)
	require.False(t, avail.Allowed)
	require.Equal(t, "quota_exceeded", avail.Reason)
}

func TestCheckAvailabilityInactiveTenant(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)

	tenantID := snowflake.ID(1002)
	seedTenant(t, db, tenantID, false)
	seedConfig(t, db, quotadomain.QuotaConfig{TenantID: tenantID, MonthlyAllowance: 100})

	_, err := svc.CheckAvailability(context.Background(), tenantID)
	require.ErrorIs(t, err, quotadomain.ErrTenantInactive)
}

func TestStatusFields(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 29, 6, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1003)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:           tenantID,
		MonthlyAllowance:   200,
		CurrentPeriodUsage: 50,
		PrepaidBalance:     10,
		OverageRateSatang:  6000,
		AllowOverage:       true,
		ResetDate:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	status, err := svc.Status(ctx, tenantID)
	require.NoError(t, err)
	require.EqualValues(t, 200, status.Limit)
	require.EqualValues(t, 50, status.Used)
	require.EqualValues(t, 160, status.Remaining)
	require.InDelta(t, 25.0, status.UsagePercent, 0.001)
	// 2d18h to the reset still counts as 3 days.
	require.Equal(t, 3, status.DaysUntilReset)
	require.False(t, status.WillIncurCharge)

	// Status is a pure read: asking twice reports the same numbers.
	again, err := svc.Status(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, status, again)
}

func TestStatusZeroAllowance(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)

	tenantID := snowflake.ID(1004)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{TenantID: tenantID, MonthlyAllowance: 0})

	status, err := svc.Status(context.Background(), tenantID)
	require.NoError(t, err)
	require.Zero(t, status.UsagePercent)
}

func TestConsumeOutcomeOrdering(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1005)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:           tenantID,
		MonthlyAllowance:   2,
		CurrentPeriodUsage: 1,
		PrepaidBalance:     1,
		OverageRateSatang:  6000,
		AllowOverage:       true,
	})

	consume := func() (quotadomain.ConsumeResult, error) {
		var result quotadomain.ConsumeResult
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = svc.Consume(ctx, tx, tenantID)
			return err
		})
		return result, err
	}

	// Allowance first.
	result, err := consume()
	require.NoError(t, err)
	require.Equal(t, quotadomain.OutcomeIncluded, result.Outcome)
	require.Zero(t, result.CostSatang)

	// Then the prepaid top-up balance.
	result, err = consume()
	require.NoError(t, err)
	require.Equal(t, quotadomain.OutcomePrepaid, result.Outcome)
	require.Zero(t, result.CostSatang)
	require.EqualValues(t, 0, result.Config.PrepaidBalance)

	// Then per-unit overage.
	result, err = consume()
	require.NoError(t, err)
	require.Equal(t, quotadomain.OutcomeOverage, result.Outcome)
	require.EqualValues(t, 6000, result.CostSatang)
}

func TestConsumeConcurrentBoundary(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1006)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:           tenantID,
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 95,
		AllowOverage:       false,
	})

	const workers = 10
	var wg sync.WaitGroup
	denied := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := svc.Consume(ctx, tx, tenantID)
				return err
			})
			if err != nil {
				denied <- err
			}
		}()
	}
	wg.Wait()
	close(denied)

	var deniedCount int
	for err := range denied {
		require.True(t, errors.Is(err, quotadomain.ErrQuotaExceeded), "unexpected error: %v", err)
		deniedCount++
	}
	require.Equal(t, 5, deniedCount)

	var cfg quotadomain.QuotaConfig
	require.NoError(t, db.First(&cfg, "tenant_id = ?", tenantID).Error)
	require.EqualValues(t, 100, cfg.CurrentPeriodUsage)
}

func TestResetPeriod(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1007)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:           tenantID,
		MonthlyAllowance:   100,
		CurrentPeriodUsage: 87,
		ResetDate:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, svc.ResetPeriod(ctx, tenantID))

	status, err := svc.Status(ctx, tenantID)
	require.NoError(t, err)
	require.Zero(t, status.Used)
	require.Zero(t, status.UsagePercent)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), status.ResetDate.UTC())

	require.ErrorIs(t, svc.ResetPeriod(ctx, snowflake.ID(999999)), quotadomain.ErrConfigNotFound)
}

func TestResetPeriodAdvancesFromStoredDate(t *testing.T) {
	db := newTestDB(t)
	// The reset cycle stalled past two full periods.
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	svc := newQuotaService(t, db, clk)
	ctx := context.Background()

	tenantID := snowflake.ID(1008)
	seedTenant(t, db, tenantID, true)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:         tenantID,
		MonthlyAllowance: 100,
		ResetDate:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	// Each reset advances exactly one month, so the skipped February window
	// comes due on the next pass instead of vanishing.
	require.NoError(t, svc.ResetPeriod(ctx, tenantID))
	status, err := svc.Status(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), status.ResetDate.UTC())

	require.NoError(t, svc.ResetPeriod(ctx, tenantID))
	status, err = svc.Status(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), status.ResetDate.UTC())
}

func TestBooleanFlagsSurviveCreate(t *testing.T) {
	db := newTestDB(t)

	tenantID := snowflake.ID(1009)
	seedTenant(t, db, tenantID, false)
	seedConfig(t, db, quotadomain.QuotaConfig{
		TenantID:         tenantID,
		MonthlyAllowance: 100,
		AllowOverage:     false,
	})

	// False must round-trip through Create; a column default of TRUE must
	// never override an explicit false.
	var tenant tenantdomain.Tenant
	require.NoError(t, db.First(&tenant, "id = ?", tenantID).Error)
	require.False(t, tenant.Active)

	var cfg quotadomain.QuotaConfig
	require.NoError(t, db.First(&cfg, "tenant_id = ?", tenantID).Error)
	require.False(t, cfg.AllowOverage)
}
