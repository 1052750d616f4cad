package facilitator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a facilitator error for transport mapping.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindForbidden         ErrorKind = "forbidden"
	KindNotFound          ErrorKind = "not_found"
	KindRateLimited       ErrorKind = "rate_limited"
	KindPaymentIncomplete ErrorKind = "payment_incomplete"
	KindSettlement        ErrorKind = "settlement"
	KindGateway           ErrorKind = "gateway"
	KindInternal          ErrorKind = "internal"
)

// Common error codes
const (
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeInvalidField        = "invalid_field"
	ErrCodeMissingField        = "missing_field"
	ErrCodeInvalidAddress      = "invalid_address"
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeSafetyCapExceeded   = "safety_cap_exceeded"
	ErrCodeUnsupportedChain    = "unsupported_chain"
	ErrCodeUnsupportedCurrency = "unsupported_currency"
	ErrCodeInvalidSignedTx     = "invalid_signed_tx"
	ErrCodeMissingCredentials  = "missing_credentials"
	ErrCodeInvalidCredentials  = "invalid_credentials"
	ErrCodePaymentNotFound     = "payment_not_found"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodePaymentNotCompleted = "payment_not_completed"
	ErrCodeSettlementFailed    = "settlement_failed"
	ErrCodeSellerUnreachable   = "seller_unreachable"
	ErrCodeInternal            = "internal_error"
)

// Externally visible messages. Internal causes are logged, never returned.
const (
	MessageSettlementFailed  = "Payment settlement failed"
	MessageInternal          = "Internal server error"
	MessageSellerUnreachable = "Seller endpoint unreachable"
)

var (
	ErrPaymentNotFound    = errors.New("facilitator: payment not found")
	ErrDuplicatePayment   = errors.New("facilitator: payment id already exists")
	ErrInvalidTransition  = errors.New("facilitator: invalid status transition")
	ErrTxNotFound         = errors.New("facilitator: transaction not found")
	ErrTxReverted         = errors.New("facilitator: transaction reverted")
	ErrCustodyUnavailable = errors.New("facilitator: custodial signer not configured")
	ErrChainUnavailable   = errors.New("facilitator: chain client not configured")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FacilitatorError is the error type returned across the facilitator API.
type FacilitatorError struct {
	Kind       ErrorKind     `json:"-"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Fields     []FieldError  `json:"fields,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Status     Status        `json:"status,omitempty"`

	// Err is the internal cause. It is logged and never serialized.
	Err error `json:"-"`
}

func (e *FacilitatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FacilitatorError) Unwrap() error {
	return e.Err
}

// NewFacilitatorError creates a new facilitator error
func NewFacilitatorError(kind ErrorKind, code, message string) *FacilitatorError {
	return &FacilitatorError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// NewValidationError builds a rejection enumerating every field failure.
func NewValidationError(fields []FieldError) *FacilitatorError {
	code := ErrCodeInvalidRequest
	if len(fields) > 0 {
		shared := fields[0].Code
		for _, f := range fields[1:] {
			if f.Code != shared {
				shared = ""
				break
			}
		}
		if shared == ErrCodeSafetyCapExceeded || shared == ErrCodeUnsupportedChain {
			code = shared
		}
	}

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}

	return &FacilitatorError{
		Kind:    KindValidation,
		Code:    code,
		Message: "Validation failed: " + strings.Join(parts, "; "),
		Fields:  fields,
	}
}

// NewRateLimitedError reports an exhausted rate-limit window.
func NewRateLimitedError(retryAfter time.Duration) *FacilitatorError {
	return &FacilitatorError{
		Kind:       KindRateLimited,
		Code:       ErrCodeRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded, retry after %d seconds", retryAfterSeconds(retryAfter)),
		RetryAfter: retryAfter,
	}
}

// NewPaymentIncompleteError reports a forward attempt before settlement finished.
func NewPaymentIncompleteError(status Status) *FacilitatorError {
	return &FacilitatorError{
		Kind:    KindPaymentIncomplete,
		Code:    ErrCodePaymentNotCompleted,
		Message: "Payment not yet completed",
		Status:  status,
	}
}

// NewGatewayError reports a seller that could not be reached.
func NewGatewayError(cause error) *FacilitatorError {
	return &FacilitatorError{
		Kind:    KindGateway,
		Code:    ErrCodeSellerUnreachable,
		Message: MessageSellerUnreachable,
		Err:     cause,
	}
}

// NewNotFoundError reports an unknown payment id.
func NewNotFoundError(id string) *FacilitatorError {
	return &FacilitatorError{
		Kind:    KindNotFound,
		Code:    ErrCodePaymentNotFound,
		Message: fmt.Sprintf("Payment %s not found", id),
		Err:     ErrPaymentNotFound,
	}
}

// NewInternalError wraps an unexpected failure behind a generic message.
func NewInternalError(cause error) *FacilitatorError {
	return &FacilitatorError{
		Kind:    KindInternal,
		Code:    ErrCodeInternal,
		Message: MessageInternal,
		Err:     cause,
	}
}

// AsFacilitatorError converts any error into a FacilitatorError, defaulting to internal.
func AsFacilitatorError(err error) *FacilitatorError {
	if err == nil {
		return nil
	}
	var fe *FacilitatorError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrPaymentNotFound) {
		return &FacilitatorError{Kind: KindNotFound, Code: ErrCodePaymentNotFound, Message: "Payment not found", Err: err}
	}
	return NewInternalError(err)
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RetryAfterSeconds exposes the rounded retry delay of a rate-limit error.
func (e *FacilitatorError) RetryAfterSeconds() int {
	return retryAfterSeconds(e.RetryAfter)
}
