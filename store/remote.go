package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	facilitator "github.com/apitoll/facilitator"
)

// HeaderStoreSecret carries the shared secret on every remote store request.
// It is distinct from caller API keys.
const HeaderStoreSecret = "X-Store-Secret"

// ============================================================================
// Remote Store Client
// ============================================================================

// RemoteConfig configures the remote store client
type RemoteConfig struct {
	// URL is the base URL of the store service
	URL string

	// Secret authenticates the facilitator to the store
	Secret string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 10s)
	Timeout time.Duration
}

// RemoteStore is a Repository backed by a store service speaking the protocol
// served by NewServer. The service enforces the terminal-record rule.
type RemoteStore struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewRemoteStore creates a remote store client
func NewRemoteStore(config RemoteConfig) (*RemoteStore, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("remote store url is required")
	}
	if config.Secret == "" {
		return nil, fmt.Errorf("remote store secret is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &RemoteStore{
		url:        strings.TrimRight(config.URL, "/"),
		secret:     config.Secret,
		httpClient: httpClient,
	}, nil
}

func (s *RemoteStore) Save(ctx context.Context, record facilitator.PaymentRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPut, "/payments/"+url.PathEscape(record.ID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("save", resp)
	}
	return nil
}

func (s *RemoteStore) Get(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	resp, err := s.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return facilitator.PaymentRecord{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return facilitator.PaymentRecord{}, fmt.Errorf("%w: %s", facilitator.ErrPaymentNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return facilitator.PaymentRecord{}, statusError("get", resp)
	}

	var record facilitator.PaymentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return facilitator.PaymentRecord{}, fmt.Errorf("failed to decode payment record: %w", err)
	}
	return record, nil
}

func (s *RemoteStore) ListNonTerminal(ctx context.Context) ([]facilitator.PaymentRecord, error) {
	resp, err := s.do(ctx, http.MethodGet, "/payments?status=pending,processing", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", resp)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode payment list: %w", err)
	}
	return list.Payments, nil
}

func (s *RemoteStore) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create store request: %w", err)
	}
	req.Header.Set(HeaderStoreSecret, s.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("store %s failed (%d): %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// listResponse is the body of GET /payments.
type listResponse struct {
	Payments []facilitator.PaymentRecord `json:"payments"`
}

var _ facilitator.Repository = (*RemoteStore)(nil)
