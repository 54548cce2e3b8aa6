// Package domain contains the per-tenant quota state and evaluator contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// QuotaConfig is the single contested row per tenant: the current plan and
// the period counters. CurrentPeriodUsage only moves up within a billing
// period and drops to zero at ResetDate. Version guards concurrent writers.
type QuotaConfig struct {
	TenantID           snowflake.ID               `gorm:"primaryKey" json:"tenant_id"`
	PlanTier           string                     `gorm:"type:text;not null" json:"plan_tier"`
	MonthlyAllowance   int64                      `gorm:"not null" json:"monthly_allowance"`
	CurrentPeriodUsage int64                      `gorm:"not null;default:0" json:"current_period_usage"`
	PrepaidBalance     int64                      `gorm:"not null;default:0" json:"prepaid_balance"`
	OverageRateSatang  int64                      `gorm:"not null" json:"overage_rate_satang"`
	AllowOverage       bool                       `gorm:"not null" json:"allow_overage"`
	Currency           string                     `gorm:"type:text;not null;default:'THB'" json:"currency"`
	FeatureFlags       datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"feature_flags"`
	ResetDate          time.Time                  `gorm:"not null" json:"reset_date"`
	Version            int64                      `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (QuotaConfig) TableName() string { return "quota_configs" }

// HasFeature reports whether the flag is enabled on the active plan.
func (c QuotaConfig) HasFeature(flag string) bool {
	for _, f := range c.FeatureFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Remaining is the allowance still included at no charge: unused allowance
// plus any prepaid top-up units.
func (c QuotaConfig) Remaining() int64 {
	remaining := c.MonthlyAllowance - c.CurrentPeriodUsage
	if remaining < 0 {
		remaining = 0
	}
	return remaining + c.PrepaidBalance
}

// UsagePercent is capped at 100. A zero allowance reads as 0%, not a
// division error.
func (c QuotaConfig) UsagePercent() float64 {
	if c.MonthlyAllowance <= 0 {
		return 0
	}
	pct := float64(c.CurrentPeriodUsage) / float64(c.MonthlyAllowance) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
