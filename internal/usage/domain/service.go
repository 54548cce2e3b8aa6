package domain

import (
	"context"
	"errors"
	"time"

	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"github.com/clariva/metering/pkg/db/pagination"
)

type RecordRequest struct {
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id"`
	EventType      string         `json:"event_type"`
	Succeeded      bool           `json:"succeeded"`
	IdempotencyKey string         `json:"idempotency_key"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Metadata       map[string]any `json:"metadata"`
}

// RecordResponse pairs the ledger row with the tenant's standing after the
// write, so callers get the updated counters in one round trip.
type RecordResponse struct {
	Event  *UsageEvent        `json:"event"`
	Status quotadomain.Status `json:"quota"`
}

type ListRequest struct {
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	EventType string     `json:"event_type"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
	PageToken string     `json:"page_token"`
	PageSize  int        `json:"page_size"`
}

type ListResponse struct {
	pagination.PageInfo
	UsageEvents []UsageEvent `json:"usage_events"`
}

// Stats periods.
const (
	PeriodCurrent = "current"
	PeriodLast30  = "last30"
	PeriodLast90  = "last90"
)

type UsageStats struct {
	TotalEvents        int64   `json:"total_events"`
	SucceededEvents    int64   `json:"succeeded_events"`
	FailedEvents       int64   `json:"failed_events"`
	DeniedEvents       int64   `json:"denied_events"`
	TotalCostSatang    int64   `json:"total_cost_satang"`
	AvgCostSatang      float64 `json:"avg_cost_satang"`
	TopEventType       string  `json:"top_event_type"`
	PeakWeekday        string  `json:"peak_weekday"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

type Service interface {
	// Record appends one attempt and, when the action succeeded, charges
	// quota in the same transaction. Idempotent per (tenant, key).
	Record(context.Context, RecordRequest) (RecordResponse, error)
	List(context.Context, ListRequest) (ListResponse, error)
	Stats(ctx context.Context, tenantID string, period string) (UsageStats, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidEventType  = errors.New("invalid_event_type")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrMissingIdempotKey = errors.New("invalid_idempotency_key")
)
