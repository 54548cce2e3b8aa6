package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/cache"
	"github.com/clariva/metering/internal/clock"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	"github.com/clariva/metering/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// consumeRetries bounds the conditional-update loop. Under contention a
// loser re-reads the row and retries; exhausting the budget surfaces as a
// conflict, never as a silent over-consume.
const consumeRetries = 3

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	ResolverCache cache.TenantResolverCache
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	configrepo    repository.Repository[quotadomain.QuotaConfig]
	tenantrepo    repository.Repository[tenantdomain.Tenant]
	resolverCache cache.TenantResolverCache
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("quota.service"),

		clock:         p.Clock,
		configrepo:    repository.ProvideStore[quotadomain.QuotaConfig](p.DB),
		tenantrepo:    repository.ProvideStore[tenantdomain.Tenant](p.DB),
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*quotadomain.QuotaConfig, error) {
	if tenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}
	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, quotadomain.ErrConfigNotFound
	}
	return cfg, nil
}

// CheckAvailability is advisory: it classifies the next unit without
// consuming. The authoritative decision happens inside Consume.
func (s *Service) CheckAvailability(ctx context.Context, tenantID snowflake.ID) (quotadomain.Availability, error) {
	if err := s.requireActiveTenant(ctx, tenantID); err != nil {
		return quotadomain.Availability{}, err
	}
	cfg, err := s.Get(ctx, tenantID)
	if err != nil {
		return quotadomain.Availability{}, err
	}

	outcome, cost := classify(*cfg)
	avail := quotadomain.Availability{
		Allowed:             outcome != quotadomain.OutcomeDenied,
		Remaining:           cfg.Remaining(),
		WillIncurCharge:     outcome == quotadomain.OutcomeOverage,
		EstimatedCostSatang: cost,
	}
	if outcome == quotadomain.OutcomeDenied {
		avail.Reason = "quota_exceeded"
	}
	return avail, nil
}

func (s *Service) Status(ctx context.Context, tenantID snowflake.ID) (quotadomain.Status, error) {
	if err := s.requireActiveTenant(ctx, tenantID); err != nil {
		return quotadomain.Status{}, err
	}
	cfg, err := s.Get(ctx, tenantID)
	if err != nil {
		return quotadomain.Status{}, err
	}

	outcome, _ := classify(*cfg)
	return quotadomain.Status{
		TenantID:        cfg.TenantID,
		PlanTier:        cfg.PlanTier,
		Limit:           cfg.MonthlyAllowance,
		Used:            cfg.CurrentPeriodUsage,
		Remaining:       cfg.Remaining(),
		PrepaidBalance:  cfg.PrepaidBalance,
		UsagePercent:    cfg.UsagePercent(),
		DaysUntilReset:  daysUntil(s.clock.Now(), cfg.ResetDate),
		WillIncurCharge: outcome == quotadomain.OutcomeOverage,
		ResetDate:       cfg.ResetDate,
	}, nil
}

// Consume re-reads and charges one unit inside the caller's transaction.
// The UPDATE repeats the counters it read as a guard condition, so a racing
// writer makes RowsAffected come back zero instead of double-spending.
func (s *Service) Consume(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (quotadomain.ConsumeResult, error) {
	if tenantID == 0 {
		return quotadomain.ConsumeResult{}, quotadomain.ErrInvalidTenant
	}
	if err := s.requireActiveTenantIn(ctx, tx, tenantID); err != nil {
		return quotadomain.ConsumeResult{}, err
	}

	repo := s.configrepo.WithTrx(tx)
	for attempt := 0; attempt < consumeRetries; attempt++ {
		cfg, err := repo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
		if err != nil {
			return quotadomain.ConsumeResult{}, err
		}
		if cfg == nil {
			return quotadomain.ConsumeResult{}, quotadomain.ErrConfigNotFound
		}

		outcome, cost := classify(*cfg)
		if outcome == quotadomain.OutcomeDenied {
			return quotadomain.ConsumeResult{Outcome: quotadomain.OutcomeDenied, Config: *cfg},
				quotadomain.ErrQuotaExceeded
		}

		updates := map[string]any{
			"current_period_usage": cfg.CurrentPeriodUsage + 1,
			"version":              cfg.Version + 1,
			"updated_at":           s.clock.Now(),
		}
		if outcome == quotadomain.OutcomePrepaid {
			updates["prepaid_balance"] = cfg.PrepaidBalance - 1
		}

		result := tx.WithContext(ctx).Model(&quotadomain.QuotaConfig{}).
			Where("tenant_id = ? AND current_period_usage = ? AND prepaid_balance = ?",
				tenantID, cfg.CurrentPeriodUsage, cfg.PrepaidBalance).
			Updates(updates)
		if result.Error != nil {
			return quotadomain.ConsumeResult{}, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		after := *cfg
		after.CurrentPeriodUsage++
		after.Version++
		if outcome == quotadomain.OutcomePrepaid {
			after.PrepaidBalance--
		}
		return quotadomain.ConsumeResult{Outcome: outcome, CostSatang: cost, Config: after}, nil
	}

	s.log.Warn("consume retries exhausted", zap.String("tenant_id", tenantID.String()))
	return quotadomain.ConsumeResult{}, quotadomain.ErrConflict
}

func (s *Service) ResetPeriod(ctx context.Context, tenantID snowflake.ID) error {
	if tenantID == 0 {
		return quotadomain.ErrInvalidTenant
	}

	cfg, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	// Advance from the stored date, not from now. A stalled reset cycle then
	// leaves every skipped month behind as its own reconcilable window.
	nextReset := cfg.ResetDate.UTC().AddDate(0, 1, 0)

	result := s.db.WithContext(ctx).Model(&quotadomain.QuotaConfig{}).
		Where("tenant_id = ? AND reset_date = ?", tenantID, cfg.ResetDate).
		Updates(map[string]any{
			"current_period_usage": 0,
			"reset_date":           nextReset,
			"version":              gorm.Expr("version + 1"),
			"updated_at":           s.clock.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// A concurrent reset already advanced the date.
		return quotadomain.ErrConflict
	}

	s.log.Info("period reset",
		zap.String("tenant_id", tenantID.String()),
		zap.Time("next_reset", nextReset),
	)
	return nil
}

func (s *Service) requireActiveTenant(ctx context.Context, tenantID snowflake.ID) error {
	return s.requireActiveTenantIn(ctx, nil, tenantID)
}

// requireActiveTenantIn resolves through tx when given, so a cache miss
// inside an open transaction never reaches for a second connection.
func (s *Service) requireActiveTenantIn(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	if tenantID == 0 {
		return quotadomain.ErrInvalidTenant
	}

	tenant, ok := s.resolverCache.GetTenant(tenantID.String())
	if !ok {
		repo := s.tenantrepo
		if tx != nil {
			repo = repo.WithTrx(tx)
		}
		found, err := repo.FindOne(ctx, &tenantdomain.Tenant{ID: tenantID})
		if err != nil {
			return err
		}
		if found == nil {
			return quotadomain.ErrInvalidTenant
		}
		tenant = *found
		s.resolverCache.SetTenant(tenant)
	}

	if !tenant.Active {
		return quotadomain.ErrTenantInactive
	}
	return nil
}

// classify decides how the next unit would be funded: allowance first, then
// prepaid top-up, then per-unit overage when the plan permits it.
func classify(cfg quotadomain.QuotaConfig) (quotadomain.ConsumeOutcome, int64) {
	switch {
	case cfg.CurrentPeriodUsage < cfg.MonthlyAllowance:
		return quotadomain.OutcomeIncluded, 0
	case cfg.PrepaidBalance > 0:
		return quotadomain.OutcomePrepaid, 0
	case cfg.AllowOverage:
		return quotadomain.OutcomeOverage, cfg.OverageRateSatang
	default:
		return quotadomain.OutcomeDenied, 0
	}
}

// daysUntil rounds up, so the last partial day still counts as one.
func daysUntil(now, until time.Time) int {
	diff := until.Sub(now)
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(diff.Hours() / 24))
}
