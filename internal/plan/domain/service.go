package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	"gorm.io/gorm"
)

type UpgradePlanRequest struct {
	TenantID string `json:"tenant_id"`
	PlanID   string `json:"plan_id"`
}

type TopUpRequest struct {
	TenantID  string `json:"tenant_id"`
	UnitCount int64  `json:"unit_count"`
}

// TopUpResult reports the purchase: units are prepaid at a bulk discount
// off the plan's per-unit overage rate.
type TopUpResult struct {
	TenantID        snowflake.ID `json:"tenant_id"`
	Units           int64        `json:"units"`
	NewBalance      int64        `json:"new_balance"`
	ChargeSatang    int64        `json:"charge_satang"`
	UnitPriceSatang int64        `json:"unit_price_satang"`
	Currency        string       `json:"currency"`
	TransactionID   string       `json:"transaction_id"`
}

type Service interface {
	ListPlans(ctx context.Context) []Plan
	// UpgradePlan swaps tier, allowance, overage rate, and feature flags in
	// one optimistic write. Mid-period usage is preserved, never recounted.
	UpgradePlan(ctx context.Context, req UpgradePlanRequest) (quotadomain.QuotaConfig, error)
	PurchaseTopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error)
	HasFeature(ctx context.Context, tenantID snowflake.ID, flag string) (bool, error)
	// Provision creates the initial quota configuration at onboarding.
	// Runs inside tx when one is given, so the tenant row and its config
	// commit together.
	Provision(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planID string) (quotadomain.QuotaConfig, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrInvalidUnitCount = errors.New("invalid_unit_count")
	ErrConfigExists     = errors.New("quota_config_exists")
	ErrChargeFailed     = errors.New("topup_charge_failed")
)
