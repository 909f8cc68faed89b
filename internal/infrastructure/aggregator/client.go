package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout       = 30 * time.Second
	linkTokenPath        = "/link/token/create"
	exchangeTokenPath    = "/item/public_token/exchange"
	transactionsSyncPath = "/transactions/sync"
)

// Client handles communication with the financial-data aggregator.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new aggregator API client.
func NewClient(baseURL, clientID, clientSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Txn is one transaction as the aggregator reports it.
type Txn struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          float64         `json:"amount"`
	Category        []string        `json:"category"`
	Date            string          `json:"date"` // YYYY-MM-DD
	MerchantName    string          `json:"merchant_name"`
	Name            string          `json:"name"`
	PaymentChannel  string          `json:"payment_channel"`
	Pending         bool            `json:"pending"`
	ISOCurrencyCode string          `json:"iso_currency_code"`
	Location        json.RawMessage `json:"location,omitempty"`
	PaymentMeta     json.RawMessage `json:"payment_meta,omitempty"`
}

// GetDate parses the transaction date.
func (t *Txn) GetDate() (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", t.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", t.Date, err)
	}
	return parsed, nil
}

// PrimaryCategory returns the most specific category label, or "" when the
// aggregator reported none.
func (t *Txn) PrimaryCategory() string {
	if len(t.Category) == 0 {
		return ""
	}
	return t.Category[len(t.Category)-1]
}

// SyncResponse is one page of the delta endpoint.
type SyncResponse struct {
	Added      []Txn  `json:"added"`
	Modified   []Txn  `json:"modified"`
	Removed    []Txn  `json:"removed"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

type syncRequest struct {
	ClientID    string  `json:"client_id"`
	Secret      string  `json:"secret"`
	AccessToken string  `json:"access_token"`
	Cursor      *string `json:"cursor"`
	Count       int     `json:"count"`
}

// SyncTransactions fetches one page of transaction deltas. An empty cursor
// requests the full historical pull.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*SyncResponse, error) {
	req := syncRequest{
		ClientID:    c.clientID,
		Secret:      c.clientSecret,
		AccessToken: accessToken,
		Count:       count,
	}
	if cursor != "" {
		req.Cursor = &cursor
	}

	var resp SyncResponse
	if err := c.post(ctx, transactionsSyncPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type linkTokenRequest struct {
	ClientID     string        `json:"client_id"`
	Secret       string        `json:"secret"`
	ClientName   string        `json:"client_name"`
	User         linkTokenUser `json:"user"`
	Products     []string      `json:"products"`
	CountryCodes []string      `json:"country_codes"`
	Language     string        `json:"language"`
	Webhook      string        `json:"webhook,omitempty"`
}

type linkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

type linkTokenResponse struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
}

// CreateLinkToken starts the account-linking flow for a user.
func (c *Client) CreateLinkToken(ctx context.Context, clientUserID, webhookURL string) (string, error) {
	req := linkTokenRequest{
		ClientID:     c.clientID,
		Secret:       c.clientSecret,
		ClientName:   "Personal Finance Dashboard",
		User:         linkTokenUser{ClientUserID: clientUserID},
		Products:     []string{"transactions"},
		CountryCodes: []string{"US"},
		Language:     "en",
		Webhook:      webhookURL,
	}

	var resp linkTokenResponse
	if err := c.post(ctx, linkTokenPath, req, &resp); err != nil {
		return "", err
	}
	return resp.LinkToken, nil
}

type exchangeRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	PublicToken string `json:"public_token"`
}

// ExchangeResult holds the credential produced by a successful exchange.
type ExchangeResult struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}

// ExchangePublicToken trades a short-lived public token for the long-lived
// access token that unlocks the linked item.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	req := exchangeRequest{
		ClientID:    c.clientID,
		Secret:      c.clientSecret,
		PublicToken: publicToken,
	}

	var resp ExchangeResult
	if err := c.post(ctx, exchangeTokenPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type errorResponse struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// post issues one JSON request and translates every failure into the closed
// *UpstreamError taxonomy before it escapes this package.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{
			Code:      "NETWORK_ERROR",
			Message:   err.Error(),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       "NETWORK_ERROR",
			Message:    fmt.Sprintf("failed to read response body: %v", err),
			Transient:  true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.ErrorCode == "" {
			return &UpstreamError{
				StatusCode: resp.StatusCode,
				Code:       "UNKNOWN",
				Message:    string(respBody),
				Transient:  transientStatus(resp.StatusCode),
			}
		}
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       errResp.ErrorCode,
			Message:    errResp.ErrorMessage,
			Transient:  transientStatus(resp.StatusCode),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       "MALFORMED_RESPONSE",
			Message:    fmt.Sprintf("failed to unmarshal response: %v", err),
			Transient:  false,
		}
	}

	return nil
}
