package server

import (
	"strconv"
	"strings"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListAlerts(c *gin.Context) {
	req := alertdomain.ListAlertsRequest{
		TenantID: strings.TrimSpace(c.Query("tenantId")),
	}
	if raw := strings.TrimSpace(c.Query("acknowledged")); raw != "" {
		acked, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("acknowledged", "invalid_request", "acknowledged must be a boolean"))
			return
		}
		req.Acknowledged = &acked
	}

	alerts, err := s.alertSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, alerts)
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	alert, err := s.alertSvc.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, alert)
}
