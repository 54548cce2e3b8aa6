package scheduler

import (
	"context"
	"errors"

	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"go.uber.org/zap"
)

// ResetPeriodsJob closes every billing period whose reset date has passed:
// reconcile the closing window into a billing record first, then zero the
// counters. Reconciliation before reset, or the ledger aggregation would run
// against an already-advanced period boundary.
func (s *Scheduler) ResetPeriodsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()

	var due []quotadomain.QuotaConfig
	err := s.db.WithContext(ctx).
		Where("reset_date <= ?", now).
		Order("reset_date ASC").
		Limit(s.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		return err
	}

	var errs error
	for _, cfg := range due {
		periodEnd := cfg.ResetDate.UTC()
		periodStart := periodEnd.AddDate(0, -1, 0)

		if _, err := s.billingSvc.ReconcilePeriod(ctx, cfg.TenantID, periodStart, periodEnd); err != nil {
			s.log.Warn("reconcile closing period",
				zap.String("tenant_id", cfg.TenantID.String()),
				zap.Error(err),
			)
			errs = errors.Join(errs, err)
			continue
		}
		if err := s.quotaSvc.ResetPeriod(ctx, cfg.TenantID); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		s.metrics.IncPeriodReset()
	}
	return errs
}

// RetryCapturesJob re-drives failed overage captures.
func (s *Scheduler) RetryCapturesJob(ctx context.Context) error {
	recovered, err := s.billingSvc.RetryFailedCaptures(ctx, s.cfg.BatchSize)
	if recovered > 0 {
		s.log.Info("captures recovered", zap.Int("count", recovered))
	}
	return err
}

// AlertSweepJob evaluates quota standing for the tenants closest to their
// limit, then folds the burn-rate projection into a depletion alert. The
// unique alert index makes re-sweeping the same tenants cheap.
func (s *Scheduler) AlertSweepJob(ctx context.Context) error {
	var configs []quotadomain.QuotaConfig
	err := s.db.WithContext(ctx).
		Where("monthly_allowance > 0").
		Order("current_period_usage * 100 / monthly_allowance DESC").
		Limit(s.cfg.BatchSize).
		Find(&configs).Error
	if err != nil {
		return err
	}

	var errs error
	for _, cfg := range configs {
		if _, err := s.alertSvc.EvaluateTenant(ctx, cfg.TenantID); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		forecast, err := s.forecastSvc.EstimateBurnRate(ctx, cfg.TenantID, 0)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if _, err := s.alertSvc.RaiseBurnRate(ctx, cfg.TenantID, forecast.DailyRate, forecast.DaysUntilDepletion); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
