package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/clariva/metering/internal/alert/domain"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/config"
	"github.com/clariva/metering/internal/metrics"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/clariva/metering/pkg/db"
	"github.com/clariva/metering/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.PolicyHolder
	Metrics  *metrics.Metrics
	Notifier alertdomain.Notifier
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	metrics    *metrics.Metrics
	notifier   alertdomain.Notifier
	alertrepo  repository.Repository[alertdomain.QuotaAlert]
	configrepo repository.Repository[quotadomain.QuotaConfig]
}

func NewService(p ServiceParam) alertdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("alert.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		metrics:    p.Metrics,
		notifier:   p.Notifier,
		alertrepo:  repository.ProvideStore[alertdomain.QuotaAlert](p.DB),
		configrepo: repository.ProvideStore[quotadomain.QuotaConfig](p.DB),
	}
}

// EvaluateTenant raises the most severe breached level for the tenant's
// current standing. The unique (tenant, kind, level, period start) index
// deduplicates across sweeps, so a tenant gets each level at most once per
// period. Returns nil when nothing new was raised.
func (s *Service) EvaluateTenant(ctx context.Context, tenantID snowflake.ID) (*alertdomain.QuotaAlert, error) {
	if tenantID == 0 {
		return nil, alertdomain.ErrInvalidTenant
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, quotadomain.ErrConfigNotFound
	}
	if cfg.MonthlyAllowance <= 0 {
		return nil, nil
	}

	remaining := cfg.MonthlyAllowance - cfg.CurrentPeriodUsage
	if remaining < 0 {
		remaining = 0
	}
	remainingPct := float64(remaining) / float64(cfg.MonthlyAllowance) * 100

	thresholds := s.policy.Current().Alerts
	var level alertdomain.AlertLevel
	switch {
	case remainingPct <= thresholds.UrgentAtPct:
		level = alertdomain.LevelUrgent
	case remainingPct <= thresholds.CriticalAtPct:
		level = alertdomain.LevelCritical
	case remainingPct <= thresholds.WarningAtPct:
		level = alertdomain.LevelWarning
	default:
		return nil, nil
	}

	alert := alertdomain.QuotaAlert{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		Kind:         alertdomain.KindQuota,
		Level:        level,
		PeriodStart:  periodStartOf(cfg.ResetDate),
		UsagePercent: cfg.UsagePercent(),
		Remaining:    remaining,
		Message: fmt.Sprintf("%.1f%% of the monthly allowance remains (%d of %d units)",
			remainingPct, remaining, cfg.MonthlyAllowance),
		CreatedAt: s.clock.Now(),
		UpdatedAt: s.clock.Now(),
	}

	if err := s.alertrepo.Create(ctx, &alert); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, nil
		}
		return nil, err
	}

	s.metrics.IncAlertDispatched(string(level))
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.log.Warn("notify alert", zap.Error(err))
	}
	return &alert, nil
}

// RaiseBurnRate classifies the projected depletion horizon: how many days of
// allowance remain at the observed burn rate. The per-period unique index
// dedupes it like any other level.
func (s *Service) RaiseBurnRate(ctx context.Context, tenantID snowflake.ID, dailyRate float64, daysUntilDepletion *int) (*alertdomain.QuotaAlert, error) {
	if tenantID == 0 {
		return nil, alertdomain.ErrInvalidTenant
	}

	thresholds := s.policy.Current().Alerts
	if daysUntilDepletion == nil || *daysUntilDepletion > thresholds.DepletionWarnDays {
		return nil, nil
	}
	days := *daysUntilDepletion

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, quotadomain.ErrConfigNotFound
	}

	var level alertdomain.AlertLevel
	switch {
	case days <= thresholds.DepletionUrgentDays:
		level = alertdomain.LevelUrgent
	case days <= thresholds.DepletionCriticalDays:
		level = alertdomain.LevelCritical
	default:
		level = alertdomain.LevelWarning
	}

	remaining := cfg.MonthlyAllowance - cfg.CurrentPeriodUsage
	if remaining < 0 {
		remaining = 0
	}

	now := s.clock.Now().UTC()
	alert := alertdomain.QuotaAlert{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		Kind:         alertdomain.KindBurnRate,
		Level:        level,
		PeriodStart:  periodStartOf(cfg.ResetDate),
		UsagePercent: cfg.UsagePercent(),
		Remaining:    remaining,
		Message: fmt.Sprintf("projected to exhaust the allowance in %d days at %.1f units/day",
			days, dailyRate),
		Metadata: datatypes.JSONMap{
			"daily_rate":               dailyRate,
			"estimated_depletion_date": now.AddDate(0, 0, days).Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.alertrepo.Create(ctx, &alert); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, nil
		}
		return nil, err
	}

	s.metrics.IncAlertDispatched(string(level))
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.log.Warn("notify alert", zap.Error(err))
	}
	return &alert, nil
}

func (s *Service) RaiseBillingFailure(ctx context.Context, tenantID snowflake.ID, reason string) error {
	if tenantID == 0 {
		return alertdomain.ErrInvalidTenant
	}

	now := s.clock.Now().UTC()
	alert := alertdomain.QuotaAlert{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		Kind:        alertdomain.KindBilling,
		Level:       alertdomain.LevelCritical,
		PeriodStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		Message:     "overage payment failed: " + reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.alertrepo.Create(ctx, &alert); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}

	s.metrics.IncAlertDispatched(string(alertdomain.LevelCritical))
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.log.Warn("notify alert", zap.Error(err))
	}
	return nil
}

func (s *Service) List(ctx context.Context, req alertdomain.ListAlertsRequest) ([]alertdomain.QuotaAlert, error) {
	query := s.db.WithContext(ctx).Model(&alertdomain.QuotaAlert{})
	if req.TenantID != "" {
		tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
		if err != nil || tenantID == 0 {
			return nil, alertdomain.ErrInvalidTenant
		}
		query = query.Where("tenant_id = ?", tenantID)
	}
	if req.Acknowledged != nil {
		query = query.Where("acknowledged = ?", *req.Acknowledged)
	}

	var alerts []alertdomain.QuotaAlert
	if err := query.Order("created_at DESC").Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Service) Acknowledge(ctx context.Context, alertID string) (alertdomain.QuotaAlert, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(alertID))
	if err != nil || id == 0 {
		return alertdomain.QuotaAlert{}, alertdomain.ErrInvalidID
	}

	result := s.db.WithContext(ctx).Model(&alertdomain.QuotaAlert{}).
		Where("id = ?", id).
		Updates(map[string]any{"acknowledged": true, "updated_at": s.clock.Now()})
	if result.Error != nil {
		return alertdomain.QuotaAlert{}, result.Error
	}
	if result.RowsAffected == 0 {
		return alertdomain.QuotaAlert{}, alertdomain.ErrNotFound
	}

	alert, err := s.alertrepo.FindOne(ctx, &alertdomain.QuotaAlert{ID: id})
	if err != nil {
		return alertdomain.QuotaAlert{}, err
	}
	if alert == nil {
		return alertdomain.QuotaAlert{}, alertdomain.ErrNotFound
	}
	return *alert, nil
}

// periodStartOf recovers the running period's first day from its reset date.
func periodStartOf(resetDate time.Time) time.Time {
	return resetDate.UTC().AddDate(0, -1, 0)
}
