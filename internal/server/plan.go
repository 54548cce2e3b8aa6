package server

import (
	plandomain "github.com/clariva/metering/internal/plan/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListPlans(c *gin.Context) {
	OK(c, s.planSvc.ListPlans(c.Request.Context()))
}

type topUpRequest struct {
	TenantID  string `json:"tenantId"`
	UnitCount int64  `json:"unitCount"`
}

func (s *Server) PurchaseTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if req.TenantID == "" {
		if tenantID, err := tenantFromRequest(c); err == nil {
			req.TenantID = tenantID.String()
		}
	}

	result, err := s.planSvc.PurchaseTopUp(c.Request.Context(), plandomain.TopUpRequest{
		TenantID:  req.TenantID,
		UnitCount: req.UnitCount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, result)
}

type upgradePlanRequest struct {
	TenantID string `json:"tenantId"`
	PlanID   string `json:"planId"`
}

func (s *Server) UpgradePlan(c *gin.Context) {
	var req upgradePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if req.TenantID == "" {
		if tenantID, err := tenantFromRequest(c); err == nil {
			req.TenantID = tenantID.String()
		}
	}

	cfg, err := s.planSvc.UpgradePlan(c.Request.Context(), plandomain.UpgradePlanRequest{
		TenantID: req.TenantID,
		PlanID:   req.PlanID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, cfg)
}
