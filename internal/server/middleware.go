package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/clariva/metering/internal/tenantctx"
	"github.com/gin-gonic/gin"
)

const HeaderTenant = "X-Tenant-ID"

// TenantContext resolves the tenant from the X-Tenant-ID header or the
// tenantId query parameter and stores it on the request context. Handlers
// that bind the tenant from the body skip this resolution.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw == "" {
			raw = strings.TrimSpace(c.Query("tenantId"))
		}
		if raw != "" {
			if id, err := snowflake.ParseString(raw); err == nil && id != 0 {
				ctx := tenantctx.WithTenantID(c.Request.Context(), id)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// IngestRateLimit throttles usage recording per tenant. Disabled limiter
// means every request passes.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := s.limiter.AllowTenant(c.Request.Context(), tenantID.String())
		if err != nil {
			// Redis being down must not take the ingest path with it.
			s.log.Warn("rate limit check failed: " + err.Error())
			c.Next()
			return
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
