package server

import (
	"strconv"
	"strings"

	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateTenant(c *gin.Context) {
	var req tenantdomain.CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	tenant, err := s.tenantSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, tenant)
}

func (s *Server) GetTenant(c *gin.Context) {
	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, tenant)
}

func (s *Server) ListTenants(c *gin.Context) {
	req := tenantdomain.ListTenantRequest{
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
	if raw := strings.TrimSpace(c.Query("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("active", "invalid_request", "active must be a boolean"))
			return
		}
		req.Active = &active
	}

	resp, err := s.tenantSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, resp)
}

func (s *Server) DeactivateTenant(c *gin.Context) {
	tenant, err := s.tenantSvc.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, tenant)
}
