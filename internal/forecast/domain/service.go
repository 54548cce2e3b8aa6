// Package domain defines the burn-rate forecast contract.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Risk levels, ordered by severity. Classification thresholds come from
// policy configuration, not code.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Forecast projects quota depletion from the trailing consumption window.
// DaysUntilDepletion is nil when the tenant burned nothing in the window.
type Forecast struct {
	TenantID           snowflake.ID `json:"tenant_id"`
	WindowDays         int          `json:"window_days"`
	DailyRate          float64      `json:"daily_rate"`
	Remaining          int64        `json:"remaining"`
	DaysUntilDepletion *int         `json:"days_until_depletion"`
	UsagePercent       float64      `json:"usage_percent"`
	RiskLevel          string       `json:"risk_level"`
}

// PlanRecommendation suggests a catalog tier that fits the tenant's
// observed consumption better than the current one. RecommendedPlan is
// empty when the current plan already fits.
type PlanRecommendation struct {
	TenantID               snowflake.ID `json:"tenant_id"`
	CurrentPlan            string       `json:"current_plan"`
	RecommendedPlan        string       `json:"recommended_plan,omitempty"`
	Reasoning              string       `json:"reasoning"`
	UtilizationPercent     float64      `json:"utilization_percent"`
	PotentialSavingsSatang int64        `json:"potential_savings_satang,omitempty"`
}

type Service interface {
	EstimateBurnRate(ctx context.Context, tenantID snowflake.ID, windowDays int) (Forecast, error)
	RecommendPlan(ctx context.Context, tenantID snowflake.ID) (PlanRecommendation, error)
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidWindow = errors.New("invalid_window")
)
