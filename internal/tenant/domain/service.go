package domain

import (
	"context"
	"errors"

	"github.com/clariva/metering/pkg/db/pagination"
)

type CreateTenantRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	PlanID string `json:"plan_id"`
}

type ListTenantRequest struct {
	PageToken string
	PageSize  int
	Active    *bool
}

type ListTenantResponse struct {
	pagination.PageInfo
	Tenants []Tenant `json:"tenants"`
}

type Service interface {
	Create(context.Context, CreateTenantRequest) (Tenant, error)
	GetByID(ctx context.Context, id string) (Tenant, error)
	List(context.Context, ListTenantRequest) (ListTenantResponse, error)
	// Deactivate is a soft delete: the tenant row and its ledger are kept,
	// quota checks start denying.
	Deactivate(ctx context.Context, id string) (Tenant, error)
}

var (
	ErrInvalidName   = errors.New("invalid_name")
	ErrInvalidEmail  = errors.New("invalid_email")
	ErrInvalidID     = errors.New("invalid_id")
	ErrNotFound      = errors.New("not_found")
	ErrTenantExists  = errors.New("tenant_exists")
	ErrInvalidPlanID = errors.New("invalid_plan_id")
)
