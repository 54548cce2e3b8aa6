package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/tenantctx"
	"github.com/gin-gonic/gin"
)

// tenantFromRequest resolves the tenant set by the middleware, falling back
// to the tenantId query parameter.
func tenantFromRequest(c *gin.Context) (snowflake.ID, error) {
	if id, ok := tenantctx.TenantIDFromContext(c.Request.Context()); ok {
		return id, nil
	}
	raw := strings.TrimSpace(c.Query("tenantId"))
	if raw == "" {
		return 0, newValidationError("tenant_id", "invalid_tenant", "tenant id is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, newValidationError("tenant_id", "invalid_tenant", "tenant id is invalid")
	}
	return id, nil
}

func (s *Server) GetQuotaStatus(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.quotaSvc.Status(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, status)
}

func (s *Server) GetQuotaAvailability(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	avail, err := s.quotaSvc.CheckAvailability(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, avail)
}
