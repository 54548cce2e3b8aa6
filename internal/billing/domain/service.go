package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Webhook outcomes accepted from the payment gateway.
const (
	WebhookOutcomePaid   = "paid"
	WebhookOutcomeFailed = "failed"
)

type ListRecordsRequest struct {
	TenantID  string
	Status    string
	PageToken string
	PageSize  int
}

type ListRecordsResponse struct {
	BillingRecords []BillingRecord `json:"billing_records"`
	NextPageToken  string          `json:"next_page_token"`
	HasMore        bool            `json:"has_more"`
}

type Service interface {
	// ReconcilePeriod aggregates the closed period's ledger into one billing
	// record. Re-running for the same period returns the existing record.
	ReconcilePeriod(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) (BillingRecord, error)
	HandlePaymentWebhook(ctx context.Context, gatewayRef string, outcome string) (BillingRecord, error)
	// RetryFailedCaptures re-attempts capture for failed records, oldest
	// first. Returns how many flipped to paid.
	RetryFailedCaptures(ctx context.Context, batchSize int) (int, error)
	ListRecords(ctx context.Context, req ListRecordsRequest) (ListRecordsResponse, error)
}

// Charge is a capture request handed to the payment gateway.
type Charge struct {
	TenantID     snowflake.ID
	AmountSatang int64
	Currency     string
	Description  string
	Reference    string
}

// Gateway is the payment collaborator. Capture failures never block usage;
// the record is marked failed and followed up manually.
type Gateway interface {
	Capture(ctx context.Context, charge Charge) error
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrInvalidPeriod  = errors.New("invalid_period")
	ErrInvalidOutcome = errors.New("invalid_outcome")
	ErrRecordNotFound = errors.New("billing_record_not_found")
	ErrConfigNotFound = errors.New("quota_config_not_found")
	ErrCaptureFailed  = errors.New("payment_capture_failed")
	ErrInvalidGateway = errors.New("invalid_gateway_ref")
)
