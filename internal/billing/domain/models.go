// Package domain contains the billing record model and reconciliation
// contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Billing record statuses.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// BillingRecord is one invoice line per tenant per closed period. The unique
// index on (tenant_id, period_start) is what makes reconciliation
// re-runnable without double billing.
type BillingRecord struct {
	ID                  snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID            snowflake.ID `gorm:"not null;uniqueIndex:idx_billing_tenant_period" json:"tenant_id"`
	PeriodStart         time.Time    `gorm:"not null;uniqueIndex:idx_billing_tenant_period" json:"period_start"`
	PeriodEnd           time.Time    `gorm:"not null" json:"period_end"`
	PlanTier            string       `gorm:"type:text;not null" json:"plan_tier"`
	BaseUnits           int64        `gorm:"not null" json:"base_units"`
	PrepaidUnits        int64        `gorm:"not null" json:"prepaid_units"`
	OverageUnits        int64        `gorm:"not null" json:"overage_units"`
	OverageAmountSatang int64        `gorm:"not null" json:"overage_amount_satang"`
	Currency            string       `gorm:"type:text;not null;default:'THB'" json:"currency"`
	Status              string       `gorm:"type:text;not null" json:"status"`
	GatewayRef          string       `gorm:"type:text" json:"gateway_ref,omitempty"`
	FailureReason       string       `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (BillingRecord) TableName() string { return "billing_records" }
