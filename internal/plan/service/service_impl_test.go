package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	charges []billingdomain.Charge
	err     error
}

func (g *stubGateway) Capture(ctx context.Context, charge billingdomain.Charge) error {
	if g.err != nil {
		return g.err
	}
	g.charges = append(g.charges, charge)
	return nil
}

func newPlanService(t *testing.T, gateway billingdomain.Gateway) (plandomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&quotadomain.QuotaConfig{}))

	clk := clock.NewFakeClock(time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		Gateway:       gateway,
		ResolverCache: cache.NewTenantResolverCache(),
	})
	return svc, db
}

func TestProvisionDefaults(t *testing.T) {
	svc, _ := newPlanService(t, &stubGateway{})
	ctx := context.Background()
	tenantID := snowflake.ID(3001)

	cfg, err := svc.Provision(ctx, nil, tenantID, plandomain.DefaultPlanID)
	require.NoError(t, err)
	require.Equal(t, "professional", cfg.PlanTier)
	require.EqualValues(t, 200, cfg.MonthlyAllowance)
	require.EqualValues(t, 6000, cfg.OverageRateSatang)
	require.True(t, cfg.AllowOverage)
	require.Zero(t, cfg.CurrentPeriodUsage)
	// Provisioned mid-January, so the first reset lands on Feb 1.
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), cfg.ResetDate.UTC())

	_, err = svc.Provision(ctx, nil, tenantID, plandomain.DefaultPlanID)
	require.ErrorIs(t, err, plandomain.ErrConfigExists)

	_, err = svc.Provision(ctx, nil, snowflake.ID(3002), "no-such-plan")
	require.ErrorIs(t, err, plandomain.ErrInvalidPlan)
}

func TestUpgradePlanPreservesCounters(t *testing.T) {
	svc, db := newPlanService(t, &stubGateway{})
	ctx := context.Background()
	tenantID := snowflake.ID(3003)

	_, err := svc.Provision(ctx, nil, tenantID, "basic")
	require.NoError(t, err)
	require.NoError(t, db.Model(&quotadomain.QuotaConfig{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{"current_period_usage": 37, "prepaid_balance": 4}).Error)

	cfg, err := svc.UpgradePlan(ctx, plandomain.UpgradePlanRequest{
		TenantID: tenantID.String(),
		PlanID:   "premium",
	})
	require.NoError(t, err)
	require.Equal(t, "premium", cfg.PlanTier)
	require.EqualValues(t, 500, cfg.MonthlyAllowance)
	require.EqualValues(t, 4500, cfg.OverageRateSatang)
	require.True(t, cfg.HasFeature(plandomain.FeatureRealtimeSupport))

	var stored quotadomain.QuotaConfig
	require.NoError(t, db.First(&stored, "tenant_id = ?", tenantID).Error)
	require.EqualValues(t, 37, stored.CurrentPeriodUsage)
	require.EqualValues(t, 4, stored.PrepaidBalance)
	require.Equal(t, "premium", stored.PlanTier)
}

func TestPurchaseTopUp(t *testing.T) {
	gateway := &stubGateway{}
	svc, db := newPlanService(t, gateway)
	ctx := context.Background()
	tenantID := snowflake.ID(3004)

	_, err := svc.Provision(ctx, nil, tenantID, "professional")
	require.NoError(t, err)

	result, err := svc.PurchaseTopUp(ctx, plandomain.TopUpRequest{
		TenantID:  tenantID.String(),
		UnitCount: 25,
	})
	require.NoError(t, err)
	// 6000 satang with the 20% bulk discount is 4800 per unit.
	require.EqualValues(t, 4800, result.UnitPriceSatang)
	require.EqualValues(t, 25*4800, result.ChargeSatang)
	require.EqualValues(t, 25, result.NewBalance)
	require.NotEmpty(t, result.TransactionID)

	require.Len(t, gateway.charges, 1)
	require.EqualValues(t, 25*4800, gateway.charges[0].AmountSatang)
	require.Equal(t, result.TransactionID, gateway.charges[0].Reference)

	var stored quotadomain.QuotaConfig
	require.NoError(t, db.First(&stored, "tenant_id = ?", tenantID).Error)
	require.EqualValues(t, 25, stored.PrepaidBalance)
}

func TestPurchaseTopUpChargeFailure(t *testing.T) {
	gateway := &stubGateway{err: errors.New("card declined")}
	svc, db := newPlanService(t, gateway)
	ctx := context.Background()
	tenantID := snowflake.ID(3005)

	_, err := svc.Provision(ctx, nil, tenantID, "professional")
	require.NoError(t, err)

	_, err = svc.PurchaseTopUp(ctx, plandomain.TopUpRequest{
		TenantID:  tenantID.String(),
		UnitCount: 10,
	})
	require.ErrorIs(t, err, plandomain.ErrChargeFailed)

	// The balance only moves after a successful capture.
	var stored quotadomain.QuotaConfig
	require.NoError(t, db.First(&stored, "tenant_id = ?", tenantID).Error)
	require.Zero(t, stored.PrepaidBalance)
}

func TestPurchaseTopUpValidation(t *testing.T) {
	svc, _ := newPlanService(t, &stubGateway{})
	ctx := context.Background()
	tenantID := snowflake.ID(3006)

	_, err := svc.Provision(ctx, nil, tenantID, "basic")
	require.NoError(t, err)

	_, err = svc.PurchaseTopUp(ctx, plandomain.TopUpRequest{TenantID: tenantID.String(), UnitCount: 0})
	require.ErrorIs(t, err, plandomain.ErrInvalidUnitCount)

	_, err = svc.PurchaseTopUp(ctx, plandomain.TopUpRequest{TenantID: tenantID.String(), UnitCount: 10_001})
	require.ErrorIs(t, err, plandomain.ErrInvalidUnitCount)

	_, err = svc.PurchaseTopUp(ctx, plandomain.TopUpRequest{TenantID: "99", UnitCount: 5})
	require.ErrorIs(t, err, quotadomain.ErrConfigNotFound)
}

func TestHasFeature(t *testing.T) {
	svc, _ := newPlanService(t, &stubGateway{})
	ctx := context.Background()
	tenantID := snowflake.ID(3007)

	_, err := svc.Provision(ctx, nil, tenantID, "basic")
	require.NoError(t, err)

	has, err := svc.HasFeature(ctx, tenantID, plandomain.FeatureProposalGeneration)
	require.NoError(t, err)
	require.True(t, has)

	has, err = svc.HasFeature(ctx, tenantID, plandomain.FeatureAdvancedAnalysis)
	require.NoError(t, err)
	require.False(t, has)
}

func TestListPlans(t *testing.T) {
	svc, _ := newPlanService(t, &stubGateway{})

	plans := svc.ListPlans(context.Background())
	require.Len(t, plans, 4)
	require.Equal(t, "basic", plans[0].ID)

	// Returned slice is a copy: mutating it must not touch the catalog.
	plans[0].ID = "mutated"
	require.Equal(t, "basic", plandomain.Catalog[0].ID)
}
