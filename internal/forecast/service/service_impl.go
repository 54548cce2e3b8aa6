package service

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/config"
	forecastdomain "github.com/clariva/metering/internal/forecast/domain"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/clariva/metering/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// downgradeHeadroom keeps a smaller plan from being suggested unless it
// still leaves 20% slack over the observed volume.
const downgradeHeadroom = 1.2

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Policy *config.PolicyHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock      clock.Clock
	policy     *config.PolicyHolder
	configrepo repository.Repository[quotadomain.QuotaConfig]
}

func NewService(p ServiceParam) forecastdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("forecast.service"),

		clock:      p.Clock,
		policy:     p.Policy,
		configrepo: repository.ProvideStore[quotadomain.QuotaConfig](p.DB),
	}
}

// EstimateBurnRate projects depletion from the trailing consumption window.
// Only accepted, successful events count toward the rate; denied and failed
// attempts never consumed anything.
func (s *Service) EstimateBurnRate(ctx context.Context, tenantID snowflake.ID, windowDays int) (forecastdomain.Forecast, error) {
	if tenantID == 0 {
		return forecastdomain.Forecast{}, forecastdomain.ErrInvalidTenant
	}

	policy := s.policy.Current().Forecast
	if windowDays == 0 {
		windowDays = policy.WindowDays
	}
	if windowDays < 0 || windowDays > policy.MaxWindowDays {
		return forecastdomain.Forecast{}, forecastdomain.ErrInvalidWindow
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return forecastdomain.Forecast{}, err
	}
	if cfg == nil {
		return forecastdomain.Forecast{}, quotadomain.ErrConfigNotFound
	}

	now := s.clock.Now().UTC()
	windowStart := now.AddDate(0, 0, -windowDays)

	var consumed int64
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("tenant_id = ? AND succeeded = ? AND status = ? AND occurred_at >= ?",
			tenantID, true, usagedomain.StatusAccepted, windowStart).
		Count(&consumed).Error
	if err != nil {
		return forecastdomain.Forecast{}, err
	}

	forecast := forecastdomain.Forecast{
		TenantID:     tenantID,
		WindowDays:   windowDays,
		DailyRate:    float64(consumed) / float64(windowDays),
		Remaining:    cfg.Remaining(),
		UsagePercent: cfg.UsagePercent(),
	}

	if forecast.DailyRate > 0 {
		days := int(math.Ceil(float64(forecast.Remaining) / forecast.DailyRate))
		forecast.DaysUntilDepletion = &days
	}

	switch {
	case forecast.UsagePercent >= policy.CriticalAtPct:
		forecast.RiskLevel = forecastdomain.RiskCritical
	case forecast.UsagePercent >= policy.HighAtPct:
		forecast.RiskLevel = forecastdomain.RiskHigh
	case forecast.UsagePercent >= policy.MediumAtPct:
		forecast.RiskLevel = forecastdomain.RiskMedium
	default:
		forecast.RiskLevel = forecastdomain.RiskLow
	}
	return forecast, nil
}

// RecommendPlan matches the tenant's period consumption against the catalog.
// Light users get pointed at the smallest tier that still covers their
// volume with headroom; heavy users and anyone paying overage get the next
// tier up.
func (s *Service) RecommendPlan(ctx context.Context, tenantID snowflake.ID) (forecastdomain.PlanRecommendation, error) {
	if tenantID == 0 {
		return forecastdomain.PlanRecommendation{}, forecastdomain.ErrInvalidTenant
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return forecastdomain.PlanRecommendation{}, err
	}
	if cfg == nil {
		return forecastdomain.PlanRecommendation{}, quotadomain.ErrConfigNotFound
	}

	rec := forecastdomain.PlanRecommendation{
		TenantID:           tenantID,
		CurrentPlan:        cfg.PlanTier,
		UtilizationPercent: cfg.UsagePercent(),
	}

	current := plandomain.FindPlan(cfg.PlanTier)
	if current == nil {
		rec.Reasoning = "current plan is not in the catalog"
		return rec, nil
	}

	periodStart := cfg.ResetDate.UTC().AddDate(0, -1, 0)
	var overageCost int64
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Select("COALESCE(SUM(cost_satang), 0)").
		Where("tenant_id = ? AND overage AND succeeded = ? AND status = ? AND occurred_at >= ?",
			tenantID, true, usagedomain.StatusAccepted, periodStart).
		Scan(&overageCost).Error
	if err != nil {
		return forecastdomain.PlanRecommendation{}, err
	}

	policy := s.policy.Current().Forecast

	if rec.UtilizationPercent < policy.DowngradeBelowPct && overageCost == 0 {
		needed := int64(math.Ceil(float64(cfg.CurrentPeriodUsage) * downgradeHeadroom))
		for i := range plandomain.Catalog {
			candidate := plandomain.Catalog[i]
			if candidate.MonthlyAllowance < current.MonthlyAllowance && candidate.MonthlyAllowance >= needed {
				rec.RecommendedPlan = candidate.ID
				rec.PotentialSavingsSatang = current.MonthlyPriceSatang - candidate.MonthlyPriceSatang
				rec.Reasoning = fmt.Sprintf("using %.1f%% of the allowance, %s covers the current volume at a lower price",
					rec.UtilizationPercent, candidate.Name)
				return rec, nil
			}
		}
	}

	if rec.UtilizationPercent >= policy.UpgradeAbovePct || overageCost > 0 {
		for i := range plandomain.Catalog {
			candidate := plandomain.Catalog[i]
			if candidate.MonthlyAllowance > current.MonthlyAllowance {
				rec.RecommendedPlan = candidate.ID
				rec.PotentialSavingsSatang = overageCost
				rec.Reasoning = fmt.Sprintf("using %.1f%% of the allowance, %s avoids per-unit overage charges",
					rec.UtilizationPercent, candidate.Name)
				return rec, nil
			}
		}
	}

	rec.Reasoning = "current plan fits the usage pattern"
	return rec, nil
}
