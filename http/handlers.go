package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	facilitator "github.com/apitoll/facilitator"
)

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type healthResponse struct {
	Status          string `json:"status"`
	Timestamp       string `json:"timestamp"`
	PendingPayments int    `json:"pending_payments"`
}

type statusResponse struct {
	Status   string `json:"status"`
	AuthMode string `json:"auth_mode"`
	facilitator.Stats
}

type payResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	CheckURL  string `json:"check_url"`
}

type paymentResponse struct {
	PaymentID   string             `json:"payment_id"`
	Status      facilitator.Status `json:"status"`
	TxHash      string             `json:"tx_hash,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

type forwardResponse struct {
	Status           int                 `json:"status"`
	ContentType      string              `json:"content_type,omitempty"`
	Body             interface{}         `json:"body"`
	BodyEncoding     string              `json:"body_encoding,omitempty"`
	Receipt          facilitator.Receipt `json:"receipt"`
	ReceiptSignature string              `json:"receipt_signature,omitempty"`
	ReceiptSigner    string              `json:"receipt_signer,omitempty"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:          "ok",
		Timestamp:       s.now().UTC().Format(time.RFC3339),
		PendingPayments: s.service.PendingPayments(),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:   "ok",
		AuthMode: s.auth.Mode(),
		Stats:    s.service.Stats(c.Request.Context()),
	})
}

func (s *Server) payHandler(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.abortWithError(c, facilitator.NewValidationError([]facilitator.FieldError{{
			Field:   "body",
			Code:    facilitator.ErrCodeInvalidRequest,
			Message: "request body too large or unreadable",
		}}))
		return
	}

	req, err := s.validator.ValidatePay(body, c.GetString(ctxKeyOwner))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	record, err := s.service.Pay(req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, payResponse{
		PaymentID: record.ID,
		Status:    string(facilitator.StatusProcessing),
		CheckURL:  "/pay/" + record.ID,
	})
}

func (s *Server) paymentHandler(c *gin.Context) {
	id := c.Param("id")
	record, err := s.service.Payment(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, facilitator.ErrPaymentNotFound) {
			s.abortWithError(c, facilitator.NewNotFoundError(id))
			return
		}
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentResponse{
		PaymentID:   record.ID,
		Status:      record.Status,
		TxHash:      record.TxHash,
		Error:       record.Error,
		CreatedAt:   record.CreatedAt,
		CompletedAt: record.CompletedAt,
	})
}

func (s *Server) forwardHandler(c *gin.Context) {
	result, err := s.service.Forward(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	receiptJSON, err := json.Marshal(result.Receipt)
	if err != nil {
		s.abortWithError(c, facilitator.NewInternalError(err))
		return
	}
	c.Header(facilitator.HeaderPaymentReceipt, base64.StdEncoding.EncodeToString(receiptJSON))
	if result.Signature != "" {
		c.Header(facilitator.HeaderPaymentReceiptSignature, result.Signature)
		c.Header(facilitator.HeaderPaymentReceiptSigner, result.Signer)
	}

	body, encoding := sellerBody(result)
	c.JSON(result.StatusCode, forwardResponse{
		Status:           result.StatusCode,
		ContentType:      result.ContentType,
		Body:             body,
		BodyEncoding:     encoding,
		Receipt:          result.Receipt,
		ReceiptSignature: result.Signature,
		ReceiptSigner:    result.Signer,
	})
}

func (s *Server) verifyHandler(c *gin.Context) {
	var req facilitator.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		s.abortWithError(c, facilitator.NewValidationError([]facilitator.FieldError{{
			Field:   "body",
			Code:    facilitator.ErrCodeInvalidRequest,
			Message: "request body must be a JSON object",
		}}))
		return
	}

	c.JSON(http.StatusOK, s.service.Verify(c.Request.Context(), req))
}

// sellerBody embeds a JSON seller response as JSON, UTF-8 text as a string and
// anything else as base64 with the returned encoding set.
func sellerBody(result *facilitator.ForwardResult) (interface{}, string) {
	if len(result.Body) == 0 {
		return nil, ""
	}
	if mediaType, _, err := mime.ParseMediaType(result.ContentType); err == nil && isJSONMediaType(mediaType) && json.Valid(result.Body) {
		return json.RawMessage(result.Body), ""
	}
	if !utf8.Valid(result.Body) {
		return base64.StdEncoding.EncodeToString(result.Body), "base64"
	}
	return string(result.Body), ""
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
