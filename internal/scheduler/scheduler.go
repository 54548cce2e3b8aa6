// Package scheduler drives period resets, billing reconciliation, capture
// retries, and alert sweeps on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/clock"
	forecastdomain "github.com/clariva/metering/internal/forecast/domain"
	"github.com/clariva/metering/internal/metrics"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/clariva/metering/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler misconfigured")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	QuotaSvc    quotadomain.Service
	BillingSvc  billingdomain.Service
	AlertSvc    alertdomain.Service
	ForecastSvc forecastdomain.Service
	Limiter     *ratelimit.IngestLimiter `optional:"true"`
	Config      Config                   `optional:"true"`
}

type Scheduler struct {
	db  *gorm.DB
	log *zap.Logger
	cfg Config

	clock       clock.Clock
	metrics     *metrics.Metrics
	quotaSvc    quotadomain.Service
	billingSvc  billingdomain.Service
	alertSvc    alertdomain.Service
	forecastSvc forecastdomain.Service
	limiter     *ratelimit.IngestLimiter
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.QuotaSvc == nil || p.BillingSvc == nil || p.AlertSvc == nil || p.ForecastSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:  p.DB,
		log: p.Log.Named("scheduler"),
		cfg: p.Config.withDefaults(),

		clock:       p.Clock,
		metrics:     p.Metrics,
		quotaSvc:    p.QuotaSvc,
		billingSvc:  p.BillingSvc,
		alertSvc:    p.AlertSvc,
		forecastSvc: p.ForecastSvc,
		limiter:     p.Limiter,
	}, nil
}

// runJob wraps a job with a timeout, a cross-replica lease, and metrics.
// A deadline is a soft failure: logged, counted, not propagated.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	token, acquired, err := s.limiter.TryJobLock(ctx, name, s.cfg.JobTimeout)
	if err != nil {
		s.log.Warn("job lock", zap.String("job", name), zap.Error(err))
	}
	if !acquired {
		return nil
	}
	defer func() {
		if lockErr := s.limiter.ReleaseJobLock(ctx, name, token); lockErr != nil {
			s.log.Warn("release job lock", zap.String("job", name), zap.Error(lockErr))
		}
	}()

	start := s.clock.Now()
	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"reset_periods", s.ResetPeriodsJob},
		{"retry_captures", s.RetryCapturesJob},
		{"alert_sweep", s.AlertSweepJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(name string) bool {
	for _, disabled := range s.cfg.DisabledJobs {
		if strings.EqualFold(disabled, name) {
			return false
		}
	}
	return true
}
