package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/clariva/metering/pkg/db"
	"github.com/clariva/metering/pkg/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Prepaid top-up units are sold at a bulk discount off the plan's per-unit
// overage rate.
var topUpDiscount = decimal.NewFromFloat(0.20)

const maxTopUpUnits = 10_000

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Gateway       billingdomain.Gateway
	ResolverCache cache.TenantResolverCache
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	gateway       billingdomain.Gateway
	configrepo    repository.Repository[quotadomain.QuotaConfig]
	resolverCache cache.TenantResolverCache
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		clock:         p.Clock,
		gateway:       p.Gateway,
		configrepo:    repository.ProvideStore[quotadomain.QuotaConfig](p.DB),
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) ListPlans(ctx context.Context) []plandomain.Plan {
	plans := make([]plandomain.Plan, len(plandomain.Catalog))
	copy(plans, plandomain.Catalog)
	return plans
}

func (s *Service) Provision(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planID string) (quotadomain.QuotaConfig, error) {
	if tenantID == 0 {
		return quotadomain.QuotaConfig{}, plandomain.ErrInvalidTenant
	}
	plan := plandomain.FindPlan(planID)
	if plan == nil {
		return quotadomain.QuotaConfig{}, plandomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	cfg := quotadomain.QuotaConfig{
		TenantID:          tenantID,
		PlanTier:          plan.ID,
		MonthlyAllowance:  plan.MonthlyAllowance,
		OverageRateSatang: plan.OverageRateSatang,
		AllowOverage:      plan.AllowOverage,
		Currency:          "THB",
		FeatureFlags:      datatypes.NewJSONSlice(append([]string(nil), plan.FeatureFlags...)),
		ResetDate:         nextPeriodStart(now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	repo := s.configrepo
	if tx != nil {
		repo = repo.WithTrx(tx)
	}
	if err := repo.Create(ctx, &cfg); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return quotadomain.QuotaConfig{}, plandomain.ErrConfigExists
		}
		return quotadomain.QuotaConfig{}, err
	}

	s.log.Info("quota config provisioned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", plan.ID),
	)
	return cfg, nil
}

// UpgradePlan swaps the plan columns under the version guard. Counters and
// reset date carry over unchanged; a mid-period upgrade never recounts usage.
func (s *Service) UpgradePlan(ctx context.Context, req plandomain.UpgradePlanRequest) (quotadomain.QuotaConfig, error) {
	tenantID, err := parseTenantID(req.TenantID)
	if err != nil {
		return quotadomain.QuotaConfig{}, err
	}
	plan := plandomain.FindPlan(strings.TrimSpace(req.PlanID))
	if plan == nil {
		return quotadomain.QuotaConfig{}, plandomain.ErrInvalidPlan
	}

	var updated quotadomain.QuotaConfig
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
		if err != nil {
			return quotadomain.QuotaConfig{}, err
		}
		if cfg == nil {
			return quotadomain.QuotaConfig{}, quotadomain.ErrConfigNotFound
		}

		now := s.clock.Now()
		result := s.db.WithContext(ctx).Model(&quotadomain.QuotaConfig{}).
			Where("tenant_id = ? AND version = ?", tenantID, cfg.Version).
			Updates(map[string]any{
				"plan_tier":           plan.ID,
				"monthly_allowance":   plan.MonthlyAllowance,
				"overage_rate_satang": plan.OverageRateSatang,
				"allow_overage":       plan.AllowOverage,
				"feature_flags":       datatypes.NewJSONSlice(append([]string(nil), plan.FeatureFlags...)),
				"version":             cfg.Version + 1,
				"updated_at":          now,
			})
		if result.Error != nil {
			return quotadomain.QuotaConfig{}, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		updated = *cfg
		updated.PlanTier = plan.ID
		updated.MonthlyAllowance = plan.MonthlyAllowance
		updated.OverageRateSatang = plan.OverageRateSatang
		updated.AllowOverage = plan.AllowOverage
		updated.FeatureFlags = datatypes.NewJSONSlice(append([]string(nil), plan.FeatureFlags...))
		updated.Version = cfg.Version + 1
		updated.UpdatedAt = now

		s.resolverCache.Bust(tenantID.String())
		s.log.Info("plan upgraded",
			zap.String("tenant_id", tenantID.String()),
			zap.String("from", cfg.PlanTier),
			zap.String("to", plan.ID),
		)
		return updated, nil
	}
	return quotadomain.QuotaConfig{}, quotadomain.ErrConflict
}

// PurchaseTopUp charges the gateway first, then credits the prepaid balance.
// Units never expire and are consumed before per-unit overage billing kicks
// in.
func (s *Service) PurchaseTopUp(ctx context.Context, req plandomain.TopUpRequest) (plandomain.TopUpResult, error) {
	tenantID, err := parseTenantID(req.TenantID)
	if err != nil {
		return plandomain.TopUpResult{}, err
	}
	if req.UnitCount <= 0 || req.UnitCount > maxTopUpUnits {
		return plandomain.TopUpResult{}, plandomain.ErrInvalidUnitCount
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return plandomain.TopUpResult{}, err
	}
	if cfg == nil {
		return plandomain.TopUpResult{}, quotadomain.ErrConfigNotFound
	}

	unitPrice := decimal.NewFromInt(cfg.OverageRateSatang).
		Mul(decimal.NewFromInt(1).Sub(topUpDiscount)).
		Round(0)
	charge := unitPrice.Mul(decimal.NewFromInt(req.UnitCount))

	txnID := uuid.NewString()
	err = s.gateway.Capture(ctx, billingdomain.Charge{
		TenantID:     tenantID,
		AmountSatang: charge.IntPart(),
		Currency:     cfg.Currency,
		Description:  "prepaid quota top-up",
		Reference:    txnID,
	})
	if err != nil {
		s.log.Warn("top-up capture failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("units", req.UnitCount),
			zap.Error(err),
		)
		return plandomain.TopUpResult{}, plandomain.ErrChargeFailed
	}

	var newBalance int64
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		current, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
		if err != nil {
			return plandomain.TopUpResult{}, err
		}
		if current == nil {
			return plandomain.TopUpResult{}, quotadomain.ErrConfigNotFound
		}

		result := s.db.WithContext(ctx).Model(&quotadomain.QuotaConfig{}).
			Where("tenant_id = ? AND version = ?", tenantID, current.Version).
			Updates(map[string]any{
				"prepaid_balance": current.PrepaidBalance + req.UnitCount,
				"version":         current.Version + 1,
				"updated_at":      s.clock.Now(),
			})
		if result.Error != nil {
			return plandomain.TopUpResult{}, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		newBalance = current.PrepaidBalance + req.UnitCount

		s.log.Info("top-up purchased",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("units", req.UnitCount),
			zap.Int64("charge_satang", charge.IntPart()),
			zap.String("transaction_id", txnID),
		)
		return plandomain.TopUpResult{
			TenantID:        tenantID,
			Units:           req.UnitCount,
			NewBalance:      newBalance,
			ChargeSatang:    charge.IntPart(),
			UnitPriceSatang: unitPrice.IntPart(),
			Currency:        cfg.Currency,
			TransactionID:   txnID,
		}, nil
	}
	return plandomain.TopUpResult{}, quotadomain.ErrConflict
}

func (s *Service) HasFeature(ctx context.Context, tenantID snowflake.ID, flag string) (bool, error) {
	if tenantID == 0 {
		return false, plandomain.ErrInvalidTenant
	}

	if snapshot, ok := s.resolverCache.GetPlan(tenantID.String()); ok {
		for _, f := range snapshot.FeatureFlags {
			if f == flag {
				return true, nil
			}
		}
		return false, nil
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return false, err
	}
	if cfg == nil {
		return false, quotadomain.ErrConfigNotFound
	}

	s.resolverCache.SetPlan(tenantID.String(), cache.SnapshotOf(*cfg))
	return cfg.HasFeature(flag), nil
}

const optimisticRetries = 3

func parseTenantID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, plandomain.ErrInvalidTenant
	}
	return id, nil
}

// nextPeriodStart is the first instant of the next calendar month in UTC.
func nextPeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
