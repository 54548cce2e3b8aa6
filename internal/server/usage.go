package server

import (
	"strconv"
	"strings"
	"time"

	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/gin-gonic/gin"
)

type recordUsageRequest struct {
	TenantID       string         `json:"tenantId"`
	UserID         string         `json:"userId"`
	EventType      string         `json:"eventType"`
	Succeeded      *bool          `json:"succeeded"`
	IdempotencyKey string         `json:"idempotencyKey"`
	OccurredAt     *time.Time     `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	// An omitted succeeded flag means the action went through; callers only
	// set it explicitly to report a failed attempt.
	succeeded := true
	if req.Succeeded != nil {
		succeeded = *req.Succeeded
	}

	record := usagedomain.RecordRequest{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		EventType:      req.EventType,
		Succeeded:      succeeded,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if record.TenantID == "" {
		if tenantID, err := tenantFromRequest(c); err == nil {
			record.TenantID = tenantID.String()
		}
	}
	if req.OccurredAt != nil {
		record.OccurredAt = *req.OccurredAt
	}

	resp, err := s.usageSvc.Record(c.Request.Context(), record)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, resp)
}

func (s *Server) ListUsage(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := usagedomain.ListRequest{
		TenantID:  tenantID.String(),
		UserID:    strings.TrimSpace(c.Query("userId")),
		EventType: strings.TrimSpace(c.Query("eventType")),
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
	if raw := c.Query("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("from", "invalid_request", "from must be RFC3339"))
			return
		}
		req.From = &ts
	}
	if raw := c.Query("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("to", "invalid_request", "to must be RFC3339"))
			return
		}
		req.To = &ts
	}

	resp, err := s.usageSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, resp)
}

func (s *Server) GetUsageStats(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.usageSvc.Stats(c.Request.Context(), tenantID.String(), c.Query("period"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, stats)
}
