package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"world-arena-backend/audit"
)

// ErrUpstream marks a payment-processor failure (unreachable or non-2xx) after
// retries were exhausted. It is never silently swallowed; callers surface it
// as UPSTREAM_ERROR / 503.
var ErrUpstream = errors.New("payment processor unavailable")

// TransactionStatus is the processor's authoritative view of one transaction.
// It is the single source of truth for payment success or failure.
type TransactionStatus struct {
	TransactionStatus string `json:"transaction_status"` // pending | mined | failed
	Reference         string `json:"reference"`
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	WalletAddress     string `json:"wallet_address"`
	TournamentID      string `json:"tournament_id,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"` // RFC3339 when present
}

// CreatedAtTime parses the processor's creation timestamp. Zero when absent or
// unparseable; callers treat that as "no time-travel check possible".
func (t *TransactionStatus) CreatedAtTime() time.Time {
	if t.CreatedAt == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// TransactionVerifier is the boundary to the external payment processor.
type TransactionVerifier interface {
	FetchTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error)
}

// DevPortalClient fetches transaction status from the developer portal API.
type DevPortalClient struct {
	BaseURL string
	AppID   string
	APIKey  string
	Client  *http.Client
	Audit   *audit.Logger
}

const devPortalAttempts = 3

func NewDevPortalClient(baseURL, appID, apiKey string, log *audit.Logger) *DevPortalClient {
	return &DevPortalClient{
		BaseURL: baseURL,
		AppID:   appID,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		Audit: log,
	}
}

// FetchTransaction calls GET /minikit/transaction/{id}?app_id=… with bounded
// retries and linear backoff. A context cancellation or timeout is returned
// as-is and never counts as success.
func (c *DevPortalClient) FetchTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid dev portal URL %q: %w", c.BaseURL, err)
	}
	endpoint := base.JoinPath("minikit", "transaction", transactionID)
	q := endpoint.Query()
	q.Set("app_id", c.AppID)
	q.Set("type", "payment")
	endpoint.RawQuery = q.Encode()

	var lastErr error
	for attempt := 1; attempt <= devPortalAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 500 * time.Millisecond):
			}
		}

		status, err := c.fetchOnce(ctx, endpoint.String())
		if err == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.Audit.Warn("devportal_fetch_retry").
			Int("attempt", attempt).
			Str("transaction_id", transactionID).
			Err(err).
			Msg("transaction status fetch failed")
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

func (c *DevPortalClient) fetchOnce(ctx context.Context, url string) (*TransactionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("dev portal returned %d: %s", resp.StatusCode, string(body))
	}

	var out TransactionStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode dev portal response: %w", err)
	}
	return &out, nil
}
