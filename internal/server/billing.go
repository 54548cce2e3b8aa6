package server

import (
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	"github.com/gin-gonic/gin"
)

type reconcileRequest struct {
	TenantID    string    `json:"tenantId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

func (s *Server) ReconcilePeriod(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	tenantID, err := snowflake.ParseString(req.TenantID)
	if err != nil || tenantID == 0 {
		AbortWithError(c, billingdomain.ErrInvalidTenant)
		return
	}

	record, err := s.billingSvc.ReconcilePeriod(c.Request.Context(), tenantID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, record)
}

func (s *Server) ListBillingRecords(c *gin.Context) {
	req := billingdomain.ListRecordsRequest{
		TenantID:  c.Query("tenantId"),
		Status:    c.Query("status"),
		PageToken: c.Query("pageToken"),
	}
	if raw := c.Query("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_request", "page size is invalid"))
			return
		}
		req.PageSize = size
	}

	resp, err := s.billingSvc.ListRecords(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, resp)
}

type paymentWebhookRequest struct {
	GatewayRef string `json:"gatewayRef"`
	Outcome    string `json:"outcome"`
}

func (s *Server) PaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	record, err := s.billingSvc.HandlePaymentWebhook(c.Request.Context(), req.GatewayRef, req.Outcome)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, record)
}
