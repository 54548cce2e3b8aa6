package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetForecast(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	windowDays := 0
	if raw := c.Query("windowDays"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("window_days", "invalid_window", "window days is invalid"))
			return
		}
		windowDays = parsed
	}

	forecast, err := s.forecastSvc.EstimateBurnRate(c.Request.Context(), tenantID, windowDays)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, forecast)
}

func (s *Server) GetPlanRecommendation(c *gin.Context) {
	tenantID, err := tenantFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rec, err := s.forecastSvc.RecommendPlan(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	OK(c, rec)
}
