package facilitator

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Payment Status
// ============================================================================

// Status is the lifecycle state of a payment record.
//
// pending -> processing -> completed | failed. Terminal states never change.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown payment status: %q", s)
	}
}

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ============================================================================
// Payment Types
// ============================================================================

// PaymentRequirement is the amount/recipient/chain triple the caller must pay.
type PaymentRequirement struct {
	Amount      string                 `json:"amount"`
	Currency    string                 `json:"currency"`
	Recipient   string                 `json:"recipient"`
	Chain       string                 `json:"chain"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OriginalRequest is the gated request replayed to the seller after settlement.
type OriginalRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// PaymentRecord is the facilitator-owned state of a single payment.
type PaymentRecord struct {
	ID                 string             `json:"id"`
	OriginalRequest    OriginalRequest    `json:"originalRequest"`
	PaymentRequirement PaymentRequirement `json:"paymentRequirement"`
	AgentWallet        string             `json:"agentWallet"`
	SellerAddress      string             `json:"sellerAddress"`
	APIKeyOwner        string             `json:"apiKeyOwner"`
	Status             Status             `json:"status"`
	CreatedAt          time.Time          `json:"createdAt"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
	TxHash             string             `json:"txHash,omitempty"`
	Error              string             `json:"error,omitempty"`

	// SignedTx is present only for relay settlement.
	SignedTx string `json:"signedTx,omitempty"`
}

// IsRelay reports whether the payment settles by broadcasting a caller-signed transaction.
func (r PaymentRecord) IsRelay() bool {
	return r.SignedTx != ""
}

// Clone returns a deep copy so callers never share mutable state with the ledger.
func (r PaymentRecord) Clone() PaymentRecord {
	out := r
	if r.OriginalRequest.Headers != nil {
		out.OriginalRequest.Headers = make(map[string]string, len(r.OriginalRequest.Headers))
		for k, v := range r.OriginalRequest.Headers {
			out.OriginalRequest.Headers[k] = v
		}
	}
	if r.OriginalRequest.Body != nil {
		out.OriginalRequest.Body = append(json.RawMessage(nil), r.OriginalRequest.Body...)
	}
	if r.PaymentRequirement.Metadata != nil {
		out.PaymentRequirement.Metadata = make(map[string]interface{}, len(r.PaymentRequirement.Metadata))
		for k, v := range r.PaymentRequirement.Metadata {
			out.PaymentRequirement.Metadata[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// PaymentRequest is a validated request to create a payment.
type PaymentRequest struct {
	OriginalRequest    OriginalRequest
	PaymentRequirement PaymentRequirement
	AgentWallet        string
	SignedTx           string
	APIKeyOwner        string
}

// ============================================================================
// Verification Types
// ============================================================================

// VerifyPayload identifies the payment to verify. Exactly one field is needed.
type VerifyPayload struct {
	PaymentID string `json:"paymentId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
}

// VerifyRequirement carries the seller's expectations for on-chain verification.
type VerifyRequirement struct {
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	PayTo     string `json:"payTo,omitempty"`
	Chain     string `json:"chain,omitempty"`
}

// ExpectedRecipient returns the recipient the seller expects, if any.
func (r VerifyRequirement) ExpectedRecipient() string {
	if r.Recipient != "" {
		return r.Recipient
	}
	return r.PayTo
}

// VerifyRequest is the body of a /verify call.
type VerifyRequest struct {
	Payload      VerifyPayload       `json:"payload"`
	Requirements []VerifyRequirement `json:"requirements,omitempty"`
}

// VerifyResponse is the result of a verification.
type VerifyResponse struct {
	Valid       bool   `json:"valid"`
	TxHash      string `json:"txHash,omitempty"`
	From        string `json:"from,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ============================================================================
// Chain Types
// ============================================================================

// ChainReceipt is the on-chain outcome of a transaction.
type ChainReceipt struct {
	TxHash        string `json:"tx_hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	BlockNumber   uint64 `json:"block_number"`
	Confirmations uint64 `json:"confirmations"`
	Success       bool   `json:"success"`
}

// WalletBalances reports the custodial signer's holdings.
type WalletBalances struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Native  string `json:"native"`
}

// ============================================================================
// Receipt Types
// ============================================================================

// Receipt is attached to a forwarded request as proof of payment.
type Receipt struct {
	PaymentID string `json:"paymentId"`
	TxHash    string `json:"txHash"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Chain     string `json:"chain"`
	Payer     string `json:"payer"`
}

// ForwardResult is the seller's response to a replayed request.
type ForwardResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Receipt     Receipt
	Signature   string
	Signer      string
}
