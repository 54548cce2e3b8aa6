package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/clock"
	"github.com/clariva/metering/internal/metrics"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/clariva/metering/pkg/db"
	"github.com/clariva/metering/pkg/db/option"
	"github.com/clariva/metering/pkg/db/pagination"
	"github.com/clariva/metering/pkg/repository"
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
	QuotaSvc quotadomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	metrics   *metrics.Metrics
	quotasvc  quotadomain.Service
	eventrepo repository.Repository[usagedomain.UsageEvent]
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		metrics:   p.Metrics,
		quotasvc:  p.QuotaSvc,
		eventrepo: repository.ProvideStore[usagedomain.UsageEvent](p.DB),
	}
}

// Record appends one metered attempt. Successful actions charge quota in the
// same transaction as the ledger insert; failed and denied attempts are
// recorded but never consume.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (usagedomain.RecordResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		return usagedomain.RecordResponse{}, usagedomain.ErrInvalidTenant
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		return usagedomain.RecordResponse{}, usagedomain.ErrInvalidUser
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return usagedomain.RecordResponse{}, usagedomain.ErrInvalidEventType
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		return usagedomain.RecordResponse{}, usagedomain.ErrMissingIdempotKey
	}

	// Fast-path dedup before touching the quota row. The unique index on
	// (tenant_id, idempotency_key) still backstops a race between two
	// identical retries.
	existing, err := s.eventrepo.FindOne(ctx, &usagedomain.UsageEvent{
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return usagedomain.RecordResponse{}, err
	}
	if existing != nil {
		return s.deduplicated(ctx, tenantID, existing)
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	event := usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		UserID:         userID,
		EventType:      eventType,
		Succeeded:      req.Succeeded,
		Status:         usagedomain.StatusAccepted,
		Currency:       "THB",
		IdempotencyKey: idempotencyKey,
		Metadata:       req.Metadata,
		OccurredAt:     occurredAt,
		CreatedAt:      s.clock.Now(),
	}

	if !req.Succeeded {
		// The attempt failed upstream. It stays auditable but costs nothing.
		if err := s.eventrepo.Create(ctx, &event); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return s.recoverDuplicate(ctx, tenantID, idempotencyKey)
			}
			return usagedomain.RecordResponse{}, err
		}
		s.metrics.IncUsageAccepted(eventType)
		return s.respond(ctx, tenantID, &event)
	}

	var consumeErr error
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := s.quotasvc.Consume(ctx, tx, tenantID)
		if err != nil {
			consumeErr = err
			return err
		}
		event.Overage = result.Outcome == quotadomain.OutcomeOverage
		event.CostSatang = result.CostSatang
		event.Currency = result.Config.Currency
		return tx.Create(&event).Error
	})
	if err != nil {
		if errors.Is(consumeErr, quotadomain.ErrQuotaExceeded) {
			return s.recordDenied(ctx, event)
		}
		if db.IsDuplicateKeyErr(err) {
			return s.recoverDuplicate(ctx, tenantID, idempotencyKey)
		}
		return usagedomain.RecordResponse{}, err
	}

	s.metrics.IncUsageAccepted(eventType)
	return s.respond(ctx, tenantID, &event)
}

// recordDenied persists the refused attempt outside the rolled-back
// transaction, then surfaces the quota error to the caller.
func (s *Service) recordDenied(ctx context.Context, event usagedomain.UsageEvent) (usagedomain.RecordResponse, error) {
	event.Succeeded = false
	event.Status = usagedomain.StatusDenied
	event.Overage = false
	event.CostSatang = 0
	if err := s.eventrepo.Create(ctx, &event); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// An identical retry raced an earlier insert. Hand back the
			// original event instead of a denial.
			return s.recoverDuplicate(ctx, event.TenantID, event.IdempotencyKey)
		}
		s.log.Warn("record denied attempt", zap.Error(err))
	}
	s.metrics.IncUsageDenied("quota_exceeded")
	return usagedomain.RecordResponse{}, quotadomain.ErrQuotaExceeded
}

func (s *Service) recoverDuplicate(ctx context.Context, tenantID snowflake.ID, key string) (usagedomain.RecordResponse, error) {
	existing, err := s.eventrepo.FindOne(ctx, &usagedomain.UsageEvent{
		TenantID:       tenantID,
		IdempotencyKey: key,
	})
	if err != nil {
		return usagedomain.RecordResponse{}, err
	}
	if existing == nil {
		return usagedomain.RecordResponse{}, gorm.ErrRecordNotFound
	}
	return s.deduplicated(ctx, tenantID, existing)
}

func (s *Service) deduplicated(ctx context.Context, tenantID snowflake.ID, event *usagedomain.UsageEvent) (usagedomain.RecordResponse, error) {
	s.metrics.IncUsageDeduplicated()
	dup := *event
	dup.Status = usagedomain.StatusDeduplicated
	return s.respond(ctx, tenantID, &dup)
}

func (s *Service) respond(ctx context.Context, tenantID snowflake.ID, event *usagedomain.UsageEvent) (usagedomain.RecordResponse, error) {
	status, err := s.quotasvc.Status(ctx, tenantID)
	if err != nil {
		return usagedomain.RecordResponse{}, err
	}
	return usagedomain.RecordResponse{Event: event, Status: status}, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListRequest) (usagedomain.ListResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		return usagedomain.ListResponse{}, usagedomain.ErrInvalidTenant
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	filter := &usagedomain.UsageEvent{TenantID: tenantID}
	if req.EventType != "" {
		filter.EventType = strings.TrimSpace(req.EventType)
	}
	if req.UserID != "" {
		userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
		if err != nil || userID == 0 {
			return usagedomain.ListResponse{}, usagedomain.ErrInvalidUser
		}
		filter.UserID = userID
	}

	opts := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize}),
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true, Allow: map[string]bool{"created_at": true}}),
	}
	if req.From != nil || req.To != nil {
		var from, to time.Time
		if req.From != nil {
			from = *req.From
		}
		if req.To != nil {
			to = *req.To
		}
		opts = append(opts, option.WithTimeRange("occurred_at", from, to))
	}

	items, err := s.eventrepo.Find(ctx, filter, opts...)
	if err != nil {
		return usagedomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(e *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		events = append(events, *item)
	}

	resp := usagedomain.ListResponse{UsageEvents: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Stats(ctx context.Context, tenantID string, period string) (usagedomain.UsageStats, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(tenantID))
	if err != nil || id == 0 {
		return usagedomain.UsageStats{}, usagedomain.ErrInvalidTenant
	}

	now := s.clock.Now().UTC()
	var from time.Time
	switch period {
	case "", usagedomain.PeriodCurrent:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case usagedomain.PeriodLast30:
		from = now.AddDate(0, 0, -30)
	case usagedomain.PeriodLast90:
		from = now.AddDate(0, 0, -90)
	default:
		return usagedomain.UsageStats{}, usagedomain.ErrInvalidPeriod
	}

	var totals struct {
		Total     int64
		Succeeded int64
		Failed    int64
		Denied    int64
		Cost      int64
	}
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN succeeded AND status = 'accepted' THEN 1 ELSE 0 END), 0) AS succeeded, " +
			"COALESCE(SUM(CASE WHEN NOT succeeded AND status = 'accepted' THEN 1 ELSE 0 END), 0) AS failed, " +
			"COALESCE(SUM(CASE WHEN status = 'denied' THEN 1 ELSE 0 END), 0) AS denied, " +
			"COALESCE(SUM(cost_satang), 0) AS cost").
		Where("tenant_id = ? AND occurred_at >= ?", id, from).
		Scan(&totals).Error
	if err != nil {
		return usagedomain.UsageStats{}, err
	}

	stats := usagedomain.UsageStats{
		TotalEvents:     totals.Total,
		SucceededEvents: totals.Succeeded,
		FailedEvents:    totals.Failed,
		DeniedEvents:    totals.Denied,
		TotalCostSatang: totals.Cost,
	}
	if totals.Total > 0 {
		stats.AvgCostSatang = float64(totals.Cost) / float64(totals.Total)
	}

	var topType struct{ EventType string }
	err = s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Select("event_type").
		Where("tenant_id = ? AND occurred_at >= ?", id, from).
		Group("event_type").
		Order("COUNT(*) DESC").
		Limit(1).
		Scan(&topType).Error
	if err != nil {
		return usagedomain.UsageStats{}, err
	}
	stats.TopEventType = topType.EventType

	peak, err := s.peakWeekday(ctx, id, from)
	if err != nil {
		return usagedomain.UsageStats{}, err
	}
	stats.PeakWeekday = peak

	if status, err := s.quotasvc.Status(ctx, id); err == nil {
		stats.UtilizationPercent = status.UsagePercent
	}
	return stats, nil
}

// peakWeekday groups per calendar day in SQL, then folds days into weekdays
// in Go. date() is the portable denominator across the supported dialects.
func (s *Service) peakWeekday(ctx context.Context, tenantID snowflake.ID, from time.Time) (string, error) {
	var rows []struct {
		Day   string
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Select("date(occurred_at) AS day", "COUNT(*) AS count").
		Where("tenant_id = ? AND occurred_at >= ?", tenantID, from).
		Group("date(occurred_at)").
		Scan(&rows).Error
	if err != nil {
		return "", err
	}

	weekdayCounts := map[time.Weekday]int64{}
	for _, row := range rows {
		day, err := time.Parse("2006-01-02", row.Day)
		if err != nil {
			continue
		}
		weekdayCounts[day.Weekday()] += row.Count
	}

	var peak time.Weekday
	var peakCount int64
	for weekday, count := range weekdayCounts {
		if count > peakCount || (count == peakCount && peakCount > 0 && weekday < peak) {
			peak = weekday
			peakCount = count
		}
	}
	if peakCount == 0 {
		return "", nil
	}
	return peak.String(), nil
}
