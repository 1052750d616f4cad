package http

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/auth"
)

const (
	headerRequestID = "X-Request-ID"

	ctxKeyOwner     = "api_key_owner"
	ctxKeyRequestID = "request_id"
)

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"request_id", c.GetString(ctxKeyRequestID),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": facilitator.MessageInternal,
			"code":  facilitator.ErrCodeInternal,
		})
	}))

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.corsMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, requestID)
		c.Header(headerRequestID, requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(ctxKeyRequestID),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			s.logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			s.logger.Warn("request completed", attrs...)
		default:
			s.logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	exposed := strings.Join([]string{
		headerRequestID,
		"Retry-After",
		facilitator.HeaderPaymentReceipt,
		facilitator.HeaderPaymentReceiptSignature,
		facilitator.HeaderPaymentReceiptSigner,
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			switch {
			case allowAll:
				c.Header("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+headerRequestID)
			c.Header("Access-Control-Expose-Headers", exposed)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware keys callers by bearer token, or by client IP when the
// request carries none. Tokens are hashed so raw keys never sit in the table.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if token := auth.BearerToken(c.GetHeader("Authorization")); token != "" {
			sum := sha256.Sum256([]byte(token))
			key = "key:" + hex.EncodeToString(sum[:8])
		}

		if ok, retryAfter := s.limiter.Allow(key); !ok {
			s.abortWithError(c, facilitator.NewRateLimitedError(retryAfter))
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := s.auth.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingCredentials):
				c.Header("WWW-Authenticate", `Bearer realm="facilitator"`)
				s.abortWithError(c, facilitator.NewFacilitatorError(facilitator.KindUnauthorized,
					facilitator.ErrCodeMissingCredentials, "Missing Authorization: Bearer <api key> header"))
			default:
				// Every key rotation gets a fresh token window, so failed
				// attempts are also charged to the client address.
				if ok, retryAfter := s.limiter.Allow("authfail:" + c.ClientIP()); !ok {
					s.abortWithError(c, facilitator.NewRateLimitedError(retryAfter))
					return
				}
				s.abortWithError(c, facilitator.NewFacilitatorError(facilitator.KindForbidden,
					facilitator.ErrCodeInvalidCredentials, "Invalid API key"))
			}
			return
		}
		c.Set(ctxKeyOwner, owner)
		c.Next()
	}
}
