package facilitator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Receipt headers attached to the replayed request and to the caller's response.
const (
	HeaderPaymentReceipt          = "X-Payment-Receipt"
	HeaderPaymentReceiptSignature = "X-Payment-Receipt-Signature"
	HeaderPaymentReceiptSigner    = "X-Payment-Receipt-Signer"
)

const (
	// DefaultForwardTimeout bounds a single replay to the seller.
	DefaultForwardTimeout = 30 * time.Second

	// DefaultMaxSellerResponseBytes caps a proxied seller body.
	DefaultMaxSellerResponseBytes = 10 << 20
)

// ErrSellerResponseTooLarge is returned when a seller body exceeds the cap.
var ErrSellerResponseTooLarge = errors.New("seller response exceeds the size limit")

// strippedHeaders never reach the seller.
var strippedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"cookie":              {},
	"host":                {},
	"content-length":      {},
}

// MessageSigner signs forward receipts.
type MessageSigner interface {
	Address() string
	SignMessage(data []byte) ([]byte, error)
}

// Forwarder replays the original gated request once its payment completed.
type Forwarder struct {
	payments PaymentReader
	client   *http.Client
	signer   MessageSigner
	logger   *slog.Logger

	maxResponseBytes int64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithHTTPClient sets the client used to reach sellers.
func WithHTTPClient(client *http.Client) ForwarderOption {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithMaxResponseBytes caps the seller body the forwarder will proxy.
func WithMaxResponseBytes(n int64) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseBytes = n
		}
	}
}

// WithReceiptSigner signs every receipt with signer.
func WithReceiptSigner(signer MessageSigner) ForwarderOption {
	return func(f *Forwarder) {
		f.signer = signer
	}
}

// WithForwarderLogger sets the forwarder logger.
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// NewForwarder creates a forwarder over payments.
func NewForwarder(payments PaymentReader, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		payments: payments,
		client:   &http.Client{Timeout: DefaultForwardTimeout},
		logger:   slog.Default(),

		maxResponseBytes: DefaultMaxSellerResponseBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward replays the payment's original request to the seller.
//
// Returns a KindNotFound error for an unknown id, KindPaymentIncomplete while
// settlement is unresolved and KindGateway when the seller cannot be reached.
// The seller's status and body are returned as-is, including error statuses.
func (f *Forwarder) Forward(ctx context.Context, id string) (*ForwardResult, error) {
	record, err := f.payments.Payment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, NewNotFoundError(id)
		}
		return nil, NewInternalError(err)
	}
	if record.Status != StatusCompleted {
		return nil, NewPaymentIncompleteError(record.Status)
	}

	receipt := Receipt{
		PaymentID: record.ID,
		TxHash:    record.TxHash,
		Amount:    record.PaymentRequirement.Amount,
		Currency:  record.PaymentRequirement.Currency,
		Chain:     record.PaymentRequirement.Chain,
		Payer:     record.AgentWallet,
	}
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return nil, NewInternalError(fmt.Errorf("encoding receipt: %w", err))
	}

	result := &ForwardResult{Receipt: receipt}
	if f.signer != nil {
		sig, err := f.signer.SignMessage(receiptJSON)
		if err != nil {
			f.logger.Error("failed to sign receipt", "payment_id", id, "error", err)
		} else {
			result.Signature = hexutil.Encode(sig)
			result.Signer = f.signer.Address()
		}
	}

	req, err := f.buildRequest(ctx, record.OriginalRequest)
	if err != nil {
		return nil, NewGatewayError(err)
	}
	req.Header.Set(HeaderPaymentReceipt, base64.StdEncoding.EncodeToString(receiptJSON))
	if result.Signature != "" {
		req.Header.Set(HeaderPaymentReceiptSignature, result.Signature)
		req.Header.Set(HeaderPaymentReceiptSigner, result.Signer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("seller unreachable", "payment_id", id, "url", record.OriginalRequest.URL, "error", err)
		return nil, NewGatewayError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		f.logger.Warn("failed to read seller response", "payment_id", id, "error", err)
		return nil, NewGatewayError(err)
	}
	if int64(len(body)) > f.maxResponseBytes {
		f.logger.Warn("seller response too large", "payment_id", id, "limit_bytes", f.maxResponseBytes)
		return nil, NewGatewayError(ErrSellerResponseTooLarge)
	}

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.Body = body

	f.logger.Info("request forwarded",
		"payment_id", id,
		"url", record.OriginalRequest.URL,
		"seller_status", resp.StatusCode,
	)
	return result, nil
}

func (f *Forwarder) buildRequest(ctx context.Context, original OriginalRequest) (*http.Request, error) {
	method := strings.ToUpper(original.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, isJSON, err := requestBody(original.Body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, original.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("building seller request: %w", err)
	}

	for name, value := range original.Headers {
		if _, drop := strippedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		req.Header.Set(name, value)
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// requestBody returns the bytes to send. A JSON string is sent unquoted as a
// raw body; any other JSON value is sent as JSON.
func requestBody(raw json.RawMessage) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, false, fmt.Errorf("decoding original body: %w", err)
		}
		return []byte(s), false, nil
	}
	return trimmed, true, nil
}
