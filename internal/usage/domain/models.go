// Package domain contains persistence models for the usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Ledger row statuses.
const (
	StatusAccepted     = "accepted"
	StatusDenied       = "denied"
	StatusDeduplicated = "deduplicated" // never stored, reported on idempotency hits
)

// UsageEvent stores a single metered attempt. Rows are append-only: denied
// and failed attempts are recorded too, so every attempt is auditable.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID      `gorm:"not null;index:idx_usage_tenant_occurred;uniqueIndex:idx_usage_tenant_idem" json:"tenant_id"`
	UserID         snowflake.ID      `gorm:"not null" json:"user_id"`
	EventType      string            `gorm:"type:text;not null" json:"event_type"`
	Succeeded      bool              `gorm:"not null" json:"succeeded"`
	Status         string            `gorm:"type:text;not null" json:"status"`
	Overage        bool              `gorm:"not null;default:false" json:"overage"`
	CostSatang     int64             `gorm:"not null;default:0" json:"cost_satang"`
	Currency       string            `gorm:"type:text;not null;default:'THB'" json:"currency"`
	IdempotencyKey string            `gorm:"type:text;uniqueIndex:idx_usage_tenant_idem" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	OccurredAt     time.Time         `gorm:"not null;index:idx_usage_tenant_occurred" json:"occurred_at"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }
