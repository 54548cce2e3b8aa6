// Package domain defines quota threshold alerts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AlertLevel string

// Levels classify by remaining percentage of the allowance; thresholds live
// in policy configuration.
const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
	LevelUrgent   AlertLevel = "urgent"
)

// Alert kinds.
const (
	KindQuota    = "quota"
	KindBilling  = "billing"
	KindBurnRate = "burn_rate"
)

// QuotaAlert is one open threshold breach. At most one row exists per
// (tenant, kind, level, period start), so sweeps don't re-alert every run.
type QuotaAlert struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID      `gorm:"not null;uniqueIndex:idx_alert_tenant_level_period" json:"tenant_id"`
	Kind         string            `gorm:"type:text;not null;uniqueIndex:idx_alert_tenant_level_period" json:"kind"`
	Level        AlertLevel        `gorm:"type:text;not null;uniqueIndex:idx_alert_tenant_level_period" json:"level"`
	PeriodStart  time.Time         `gorm:"not null;uniqueIndex:idx_alert_tenant_level_period" json:"period_start"`
	UsagePercent float64           `gorm:"not null" json:"usage_percent"`
	Remaining    int64             `gorm:"not null" json:"remaining"`
	Message      string            `gorm:"type:text;not null" json:"message"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Acknowledged bool              `gorm:"not null;default:false" json:"acknowledged"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (QuotaAlert) TableName() string { return "quota_alerts" }

type ListAlertsRequest struct {
	TenantID     string
	Acknowledged *bool
}

type Service interface {
	// EvaluateTenant raises the highest breached level for the tenant's
	// current standing, if not already open for this period.
	EvaluateTenant(ctx context.Context, tenantID snowflake.ID) (*QuotaAlert, error)
	// RaiseBillingFailure records a reconciliation/capture failure alert.
	RaiseBillingFailure(ctx context.Context, tenantID snowflake.ID, reason string) error
	// RaiseBurnRate opens a depletion-projection alert when the forecast
	// says the allowance runs out within the configured horizon. A nil
	// daysUntilDepletion means no projected depletion.
	RaiseBurnRate(ctx context.Context, tenantID snowflake.ID, dailyRate float64, daysUntilDepletion *int) (*QuotaAlert, error)
	List(ctx context.Context, req ListAlertsRequest) ([]QuotaAlert, error)
	Acknowledge(ctx context.Context, alertID string) (QuotaAlert, error)
}

// Notifier delivers an alert out of band. The default implementation logs;
// deployments plug in chat/webhook dispatchers.
type Notifier interface {
	Notify(ctx context.Context, alert QuotaAlert) error
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidID     = errors.New("invalid_id")
	ErrNotFound      = errors.New("alert_not_found")
)
