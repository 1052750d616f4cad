package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	facilitator "github.com/apitoll/facilitator"
)

// errorResponse is the body of every non-2xx facilitator response.
type errorResponse struct {
	Error      string                   `json:"error"`
	Code       string                   `json:"code"`
	Fields     []facilitator.FieldError `json:"fields,omitempty"`
	RetryAfter int                      `json:"retry_after,omitempty"`
	Status     facilitator.Status       `json:"status,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind facilitator.ErrorKind) int {
	switch kind {
	case facilitator.KindValidation:
		return http.StatusBadRequest
	case facilitator.KindUnauthorized:
		return http.StatusUnauthorized
	case facilitator.KindForbidden:
		return http.StatusForbidden
	case facilitator.KindNotFound:
		return http.StatusNotFound
	case facilitator.KindRateLimited:
		return http.StatusTooManyRequests
	case facilitator.KindPaymentIncomplete:
		return http.StatusPaymentRequired
	case facilitator.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	fe := facilitator.AsFacilitatorError(err)
	status := statusFor(fe.Kind)

	if fe.Err != nil && status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", c.Request.URL.Path,
			"code", fe.Code,
			"error", fe.Err,
			"request_id", c.GetString(ctxKeyRequestID),
		)
	}

	body := errorResponse{
		Error:  fe.Message,
		Code:   fe.Code,
		Fields: fe.Fields,
		Status: fe.Status,
	}
	if fe.Kind == facilitator.KindRateLimited {
		body.RetryAfter = fe.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	c.AbortWithStatusJSON(status, body)
}
