package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/clariva/metering/internal/alert/domain"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/metrics"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/clariva/metering/pkg/db"
	"github.com/clariva/metering/pkg/db/option"
	"github.com/clariva/metering/pkg/db/pagination"
	"github.com/clariva/metering/pkg/repository"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Gateway  billingdomain.Gateway
	AlertSvc alertdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	metrics    *metrics.Metrics
	gateway    billingdomain.Gateway
	alertsvc   alertdomain.Service
	recordrepo repository.Repository[billingdomain.BillingRecord]
	configrepo repository.Repository[quotadomain.QuotaConfig]
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billing.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    p.Metrics,
		gateway:    p.Gateway,
		alertsvc:   p.AlertSvc,
		recordrepo: repository.ProvideStore[billingdomain.BillingRecord](p.DB),
		configrepo: repository.ProvideStore[quotadomain.QuotaConfig](p.DB),
	}
}

// ReconcilePeriod folds the closed period's ledger into one billing record.
// The record is inserted as pending before the gateway is touched: the unique
// (tenant, period start) index picks one winner, and only the winner captures.
// A racing caller gets the winner's record back instead of a second charge.
func (s *Service) ReconcilePeriod(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (billingdomain.BillingRecord, error) {
	if tenantID == 0 {
		return billingdomain.BillingRecord{}, billingdomain.ErrInvalidTenant
	}
	if periodStart.IsZero() || periodEnd.IsZero() || !periodStart.Before(periodEnd) {
		return billingdomain.BillingRecord{}, billingdomain.ErrInvalidPeriod
	}

	existing, err := s.recordrepo.FindOne(ctx, &billingdomain.BillingRecord{
		TenantID:    tenantID,
		PeriodStart: periodStart,
	})
	if err != nil {
		return billingdomain.BillingRecord{}, err
	}
	if existing != nil {
		s.metrics.IncReconciliation("existing")
		return *existing, nil
	}

	cfg, err := s.configrepo.FindOne(ctx, &quotadomain.QuotaConfig{TenantID: tenantID})
	if err != nil {
		return billingdomain.BillingRecord{}, err
	}
	if cfg == nil {
		return billingdomain.BillingRecord{}, billingdomain.ErrConfigNotFound
	}

	var totals struct {
		Consumed int64
		Overage  int64
		Amount   int64
	}
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Select(
			"COUNT(*) AS consumed",
			"COALESCE(SUM(CASE WHEN overage THEN 1 ELSE 0 END), 0) AS overage",
			"COALESCE(SUM(cost_satang), 0) AS amount",
		).
		Where("tenant_id = ? AND succeeded = ? AND status = ? AND occurred_at >= ? AND occurred_at < ?",
			tenantID, true, usagedomain.StatusAccepted, periodStart, periodEnd).
		Scan(&totals).Error
	if err != nil {
		return billingdomain.BillingRecord{}, err
	}

	baseUnits := totals.Consumed - totals.Overage
	if baseUnits > cfg.MonthlyAllowance {
		baseUnits = cfg.MonthlyAllowance
	}
	prepaidUnits := totals.Consumed - baseUnits - totals.Overage
	if prepaidUnits < 0 {
		prepaidUnits = 0
	}

	now := s.clock.Now()
	record := billingdomain.BillingRecord{
		ID:                  s.genID.Generate(),
		TenantID:            tenantID,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
		PlanTier:            cfg.PlanTier,
		BaseUnits:           baseUnits,
		PrepaidUnits:        prepaidUnits,
		OverageUnits:        totals.Overage,
		OverageAmountSatang: totals.Amount,
		Currency:            cfg.Currency,
		Status:              billingdomain.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if totals.Amount > 0 {
		record.GatewayRef = uuid.NewString()
	} else {
		record.Status = billingdomain.StatusPaid
	}

	if err := s.recordrepo.Create(ctx, &record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			raced, ferr := s.recordrepo.FindOne(ctx, &billingdomain.BillingRecord{
				TenantID:    tenantID,
				PeriodStart: periodStart,
			})
			if ferr != nil {
				return billingdomain.BillingRecord{}, ferr
			}
			if raced != nil {
				s.metrics.IncReconciliation("existing")
				return *raced, nil
			}
		}
		return billingdomain.BillingRecord{}, err
	}

	if totals.Amount > 0 {
		status := billingdomain.StatusPaid
		reason := ""
		if err := s.capture(ctx, tenantID, record); err != nil {
			status = billingdomain.StatusFailed
			reason = err.Error()
		}
		err := s.db.WithContext(ctx).Model(&billingdomain.BillingRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"status":         status,
				"failure_reason": reason,
				"updated_at":     s.clock.Now(),
			}).Error
		if err != nil {
			return billingdomain.BillingRecord{}, err
		}
		record.Status = status
		record.FailureReason = reason
	}

	if record.Status == billingdomain.StatusFailed {
		s.metrics.IncReconciliation("failed")
		if err := s.alertsvc.RaiseBillingFailure(ctx, tenantID, record.FailureReason); err != nil {
			s.log.Warn("raise billing failure alert", zap.Error(err))
		}
	} else {
		s.metrics.IncReconciliation("created")
	}

	s.log.Info("period reconciled",
		zap.String("tenant_id", tenantID.String()),
		zap.Time("period_start", periodStart),
		zap.Int64("overage_units", record.OverageUnits),
		zap.Int64("overage_amount_satang", record.OverageAmountSatang),
		zap.String("status", record.Status),
	)
	return record, nil
}

// capture attempts the overage charge with a single retry. A failure never
// blocks usage; the record is marked failed and followed up out of band.
func (s *Service) capture(ctx context.Context, tenantID snowflake.ID, record billingdomain.BillingRecord) error {
	charge := billingdomain.Charge{
		TenantID:     tenantID,
		AmountSatang: record.OverageAmountSatang,
		Currency:     record.Currency,
		Description:  "overage charges " + record.PeriodStart.Format("2006-01"),
		Reference:    record.GatewayRef,
	}

	err := s.gateway.Capture(ctx, charge)
	if err == nil {
		return nil
	}
	s.log.Warn("capture failed, retrying once",
		zap.String("tenant_id", tenantID.String()),
		zap.Error(err),
	)
	if err := s.gateway.Capture(ctx, charge); err != nil {
		return err
	}
	return nil
}

func (s *Service) HandlePaymentWebhook(ctx context.Context, gatewayRef string, outcome string) (billingdomain.BillingRecord, error) {
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return billingdomain.BillingRecord{}, billingdomain.ErrInvalidGateway
	}

	var status string
	switch outcome {
	case billingdomain.WebhookOutcomePaid:
		status = billingdomain.StatusPaid
	case billingdomain.WebhookOutcomeFailed:
		status = billingdomain.StatusFailed
	default:
		return billingdomain.BillingRecord{}, billingdomain.ErrInvalidOutcome
	}

	record, err := s.recordrepo.FindOne(ctx, &billingdomain.BillingRecord{GatewayRef: gatewayRef})
	if err != nil {
		return billingdomain.BillingRecord{}, err
	}
	if record == nil {
		return billingdomain.BillingRecord{}, billingdomain.ErrRecordNotFound
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": s.clock.Now(),
	}
	if status == billingdomain.StatusFailed {
		updates["failure_reason"] = "gateway reported failure"
	} else {
		updates["failure_reason"] = ""
	}
	if err := s.db.WithContext(ctx).Model(&billingdomain.BillingRecord{}).
		Where("id = ?", record.ID).
		Updates(updates).Error; err != nil {
		return billingdomain.BillingRecord{}, err
	}

	record.Status = status
	if status == billingdomain.StatusFailed {
		record.FailureReason = "gateway reported failure"
		if err := s.alertsvc.RaiseBillingFailure(ctx, record.TenantID, record.FailureReason); err != nil {
			s.log.Warn("raise billing failure alert", zap.Error(err))
		}
	} else {
		record.FailureReason = ""
	}
	return *record, nil
}

// RetryFailedCaptures re-drives capture for failed records, oldest first.
// Each success flips the record to paid; another failure just refreshes the
// reason and leaves it for the next sweep.
func (s *Service) RetryFailedCaptures(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	var failed []billingdomain.BillingRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND overage_amount_satang > 0", billingdomain.StatusFailed).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&failed).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range failed {
		if record.GatewayRef == "" {
			record.GatewayRef = uuid.NewString()
		}
		updates := map[string]any{
			"gateway_ref": record.GatewayRef,
			"updated_at":  s.clock.Now(),
		}
		if err := s.capture(ctx, record.TenantID, record); err != nil {
			updates["failure_reason"] = err.Error()
		} else {
			updates["status"] = billingdomain.StatusPaid
			updates["failure_reason"] = ""
			recovered++
		}
		if err := s.db.WithContext(ctx).Model(&billingdomain.BillingRecord{}).
			Where("id = ?", record.ID).
			Updates(updates).Error; err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (s *Service) ListRecords(ctx context.Context, req billingdomain.ListRecordsRequest) (billingdomain.ListRecordsResponse, error) {
	filter := &billingdomain.BillingRecord{}
	if req.TenantID != "" {
		tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
		if err != nil || tenantID == 0 {
			return billingdomain.ListRecordsResponse{}, billingdomain.ErrInvalidTenant
		}
		filter.TenantID = tenantID
	}
	if req.Status != "" {
		filter.Status = req.Status
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.recordrepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize}),
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true, Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return billingdomain.ListRecordsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(r *billingdomain.BillingRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        r.ID.String(),
			CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	records := make([]billingdomain.BillingRecord, 0, len(items))
	for _, item := range items {
		records = append(records, *item)
	}

	resp := billingdomain.ListRecordsResponse{BillingRecords: records}
	if pageInfo != nil {
		resp.NextPageToken = pageInfo.NextPageToken
		resp.HasMore = pageInfo.HasMore
	}
	return resp, nil
}
