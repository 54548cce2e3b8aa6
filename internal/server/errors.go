package server

import (
	"errors"
	"net/http"

	alertdomain "github.com/clariva/metering/internal/alert/domain"
	billingdomain "github.com/clariva/metering/internal/billing/domain"
	forecastdomain "github.com/clariva/metering/internal/forecast/domain"
	plandomain "github.com/clariva/metering/internal/plan/domain"
	quotadomain "github.com/clariva/metering/internal/quota/domain"
	tenantdomain "github.com/clariva/metering/internal/tenant/domain"
	usagedomain "github.com/clariva/metering/internal/usage/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// quotaExceededResponse is the contract the scan clients key off: they show
// the upgrade dialog on quotaExceeded, not on the status code alone.
type quotaExceededResponse struct {
	QuotaExceeded bool   `json:"quotaExceeded"`
	Message       string `json:"message"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		if errors.Is(lastErr.Err, quotadomain.ErrQuotaExceeded) {
			c.AbortWithStatusJSON(http.StatusForbidden, quotaExceededResponse{
				QuotaExceeded: true,
				Message:       "monthly quota exceeded and overage is not permitted on this plan",
			})
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid " + validationErrorField(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, quotadomain.ErrTenantInactive):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "tenant is not active",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, quotadomain.ErrConflict),
		errors.Is(err, tenantdomain.ErrTenantExists),
		errors.Is(err, plandomain.ErrConfigExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, plandomain.ErrChargeFailed):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "charge_failed",
			Message: "payment could not be captured",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// validationErrorCode maps domain validation sentinels onto stable error
// codes surfaced in 400 payloads.
func validationErrorCode(err error) (string, bool) {
	for _, candidate := range []error{
		ErrInvalidRequest,
		tenantdomain.ErrInvalidName,
		tenantdomain.ErrInvalidEmail,
		tenantdomain.ErrInvalidID,
		tenantdomain.ErrInvalidPlanID,
		quotadomain.ErrInvalidTenant,
		plandomain.ErrInvalidTenant,
		plandomain.ErrInvalidPlan,
		plandomain.ErrInvalidUnitCount,
		usagedomain.ErrInvalidTenant,
		usagedomain.ErrInvalidUser,
		usagedomain.ErrInvalidEventType,
		usagedomain.ErrInvalidPeriod,
		usagedomain.ErrMissingIdempotKey,
		forecastdomain.ErrInvalidTenant,
		forecastdomain.ErrInvalidWindow,
		billingdomain.ErrInvalidTenant,
		billingdomain.ErrInvalidPeriod,
		billingdomain.ErrInvalidOutcome,
		billingdomain.ErrInvalidGateway,
		alertdomain.ErrInvalidTenant,
		alertdomain.ErrInvalidID,
	} {
		if errors.Is(err, candidate) {
			return candidate.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_name":
		return "name"
	case "invalid_email":
		return "email"
	case "invalid_plan_id", "invalid_plan":
		return "plan_id"
	case "invalid_tenant", "invalid_id":
		return "tenant_id"
	case "invalid_user":
		return "user_id"
	case "invalid_event_type":
		return "event_type"
	case "invalid_period":
		return "period"
	case "invalid_idempotency_key":
		return "idempotency_key"
	case "invalid_unit_count":
		return "unit_count"
	case "invalid_window":
		return "window_days"
	case "invalid_outcome":
		return "outcome"
	case "invalid_gateway_ref":
		return "gateway_ref"
	default:
		return "request"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, tenantdomain.ErrNotFound),
		errors.Is(err, quotadomain.ErrConfigNotFound),
		errors.Is(err, billingdomain.ErrConfigNotFound),
		errors.Is(err, billingdomain.ErrRecordNotFound),
		errors.Is(err, alertdomain.ErrNotFound):
		return true
	default:
		return false
	}
}
