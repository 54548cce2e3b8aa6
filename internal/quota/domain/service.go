package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Availability answers "can this tenant perform one more metered action".
type Availability struct {
	Allowed             bool   `json:"allowed"`
	Remaining           int64  `json:"remaining"`
	WillIncurCharge     bool   `json:"will_incur_charge"`
	EstimatedCostSatang int64  `json:"estimated_cost_satang"`
	Reason              string `json:"reason,omitempty"`
}

// Status is the read-only standing report for a tenant.
type Status struct {
	TenantID        snowflake.ID `json:"tenant_id"`
	PlanTier        string       `json:"plan_tier"`
	Limit           int64        `json:"limit"`
	Used            int64        `json:"used"`
	Remaining       int64        `json:"remaining"`
	PrepaidBalance  int64        `json:"prepaid_balance"`
	UsagePercent    float64      `json:"usage_percent"`
	DaysUntilReset  int          `json:"days_until_reset"`
	WillIncurCharge bool         `json:"will_incur_charge"`
	ResetDate       time.Time    `json:"reset_date"`
}

// ConsumeOutcome classifies how one metered unit was funded.
type ConsumeOutcome string

const (
	OutcomeIncluded ConsumeOutcome = "included" // within monthly allowance
	OutcomePrepaid  ConsumeOutcome = "prepaid"  // drawn from top-up balance
	OutcomeOverage  ConsumeOutcome = "overage"  // billed per unit
	OutcomeDenied   ConsumeOutcome = "denied"
)

type ConsumeResult struct {
	Outcome    ConsumeOutcome
	CostSatang int64
	Config     QuotaConfig // post-consume snapshot
}

type Service interface {
	CheckAvailability(ctx context.Context, tenantID snowflake.ID) (Availability, error)
	Status(ctx context.Context, tenantID snowflake.ID) (Status, error)
	Get(ctx context.Context, tenantID snowflake.ID) (*QuotaConfig, error)
	// Consume atomically re-checks and charges one unit inside the caller's
	// transaction. The UPDATE carries the guard condition, so two racing
	// callers can never both take the last unit.
	Consume(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (ConsumeResult, error)
	// ResetPeriod zeroes the usage counter and advances ResetDate by one
	// calendar month. Driven by the scheduler, never by user action.
	ResetPeriod(ctx context.Context, tenantID snowflake.ID) error
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrConfigNotFound = errors.New("quota_config_not_found")
	ErrTenantInactive = errors.New("tenant_inactive")
	ErrQuotaExceeded  = errors.New("quota_exceeded")
	ErrConflict       = errors.New("quota_conflict")
)
