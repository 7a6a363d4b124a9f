// Package client is the HTTP client for the escrow service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
)

// WalletHeader carries the caller's wallet address.
const WalletHeader = "X-Wallet-Address"

// Client is the HTTP client for the escrow service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	wallet     string
}

// NewClient creates a new escrow service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithWallet returns a copy of c that identifies as address on privileged calls.
func (c *Client) WithWallet(address string) *Client {
	cp := *c
	cp.wallet = address
	return &cp
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Settings is the service configuration as reported by the server.
type Settings struct {
	AdminWallet   string `json:"admin_wallet"`
	EscrowWallet  string `json:"escrow_wallet"`
	ServiceFee    uint64 `json:"service_fee"`
	ServiceFeeSOL string `json:"service_fee_sol"`
}

// SettingsUpdate changes the settings. Nil fields are left unchanged.
type SettingsUpdate struct {
	AdminWallet   *string `json:"admin_wallet,omitempty"`
	EscrowWallet  *string `json:"escrow_wallet,omitempty"`
	ServiceFee    *uint64 `json:"service_fee,omitempty"`
	ServiceFeeSOL *string `json:"service_fee_sol,omitempty"`
}

// ListOptions filters list calls. Zero fields are omitted.
type ListOptions struct {
	Buyer        string
	Seller       string
	Status       string
	EscrowStatus string // purchases only
	Limit        int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Buyer != "" {
		q.Set("buyer", o.Buyer)
	}
	if o.Seller != "" {
		q.Set("seller", o.Seller)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.EscrowStatus != "" {
		q.Set("escrow_status", o.EscrowStatus)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// Release is the server's answer to a release request. WorkflowID is set
// when the release was handed to a workflow and is still running.
type Release struct {
	PurchaseID      string `json:"purchase_id"`
	WorkflowID      string `json:"workflow_id,omitempty"`
	RunID           string `json:"run_id,omitempty"`
	StatusURL       string `json:"status_url,omitempty"`
	ReleaseTxID     string `json:"release_tx_id,omitempty"`
	AlreadyReleased bool   `json:"already_released"`
}

// ReleaseStatus describes a release workflow.
type ReleaseStatus struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Result     *struct {
		PurchaseID      string `json:"purchase_id"`
		ReleaseTxID     string `json:"release_tx_id"`
		AlreadyReleased bool   `json:"already_released"`
		Attempts        int    `json:"attempts"`
	} `json:"result,omitempty"`
	Error string `json:"error,omitempty"`
}

// Done reports whether the workflow has stopped running.
func (s *ReleaseStatus) Done() bool {
	return s.Status != "running"
}

// Item is a catalog item with its derived availability.
type Item struct {
	escrow.Item
	Status   string `json:"status"`
	PriceSOL string `json:"price_sol"`
}

// GetSettings retrieves the current settings.
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	if err := c.do(ctx, http.MethodGet, "/api/v1/settings", nil, nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSettings changes the settings. The client's wallet must be the admin.
func (c *Client) UpdateSettings(ctx context.Context, update SettingsUpdate) (*Settings, error) {
	var s Settings
	if err := c.do(ctx, http.MethodPut, "/api/v1/settings", nil, update, &s, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("settings updated", "escrow_wallet", s.EscrowWallet, "service_fee", s.ServiceFee)
	return &s, nil
}

// GetPurchase retrieves a purchase with its transaction.
func (c *Client) GetPurchase(ctx context.Context, id string) (*escrow.PurchaseView, error) {
	var view escrow.PurchaseView
	if err := c.do(ctx, http.MethodGet, "/api/v1/purchases/"+url.PathEscape(id), nil, nil, &view, http.StatusOK); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListPurchases lists purchases, newest first.
func (c *Client) ListPurchases(ctx context.Context, opts ListOptions) ([]*escrow.Purchase, error) {
	var response struct {
		Purchases []*escrow.Purchase `json:"purchases"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/purchases", opts.query(), nil, &response, http.StatusOK); err != nil {
		return nil, err
	}
	return response.Purchases, nil
}

// VerifyPurchase audits a purchase's transfers against the ledger.
func (c *Client) VerifyPurchase(ctx context.Context, id string) (*escrow.Verification, error) {
	var v escrow.Verification
	if err := c.do(ctx, http.MethodGet, "/api/v1/purchases/"+url.PathEscape(id)+"/verify", nil, nil, &v, http.StatusOK); err != nil {
		return nil, err
	}
	return &v, nil
}

// Fulfill marks a purchase completed. The client's wallet must be the seller.
func (c *Client) Fulfill(ctx context.Context, id string) (*escrow.Purchase, error) {
	var p escrow.Purchase
	if err := c.do(ctx, http.MethodPost, "/api/v1/purchases/"+url.PathEscape(id)+"/fulfill", nil, nil, &p, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("purchase fulfilled", "purchase_id", id)
	return &p, nil
}

// Release asks the server to release a purchase's funds to the seller. The
// client's wallet must be the admin.
func (c *Client) Release(ctx context.Context, id string) (*Release, error) {
	var r Release
	if err := c.do(ctx, http.MethodPost, "/api/v1/purchases/"+url.PathEscape(id)+"/release", nil, nil, &r, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	c.logger.Debug("release requested", "purchase_id", id, "workflow_id", r.WorkflowID)
	return &r, nil
}

// GetRelease retrieves a release workflow's status.
func (c *Client) GetRelease(ctx context.Context, workflowID string) (*ReleaseStatus, error) {
	var s ReleaseStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/releases/"+url.PathEscape(workflowID), nil, nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// WaitRelease polls a release workflow until it stops running.
func (c *Client) WaitRelease(ctx context.Context, workflowID string, every time.Duration) (*ReleaseStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s, err := c.GetRelease(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if s.Done() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTransactions lists escrow transactions, newest first.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) ([]*escrow.Transaction, error) {
	var response struct {
		Transactions []*escrow.Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions", opts.query(), nil, &response, http.StatusOK); err != nil {
		return nil, err
	}
	return response.Transactions, nil
}

// GetItem retrieves a catalog item.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var item Item
	if err := c.do(ctx, http.MethodGet, "/api/v1/items/"+url.PathEscape(id), nil, nil, &item, http.StatusOK); err != nil {
		return nil, err
	}
	return &item, nil
}

// do sends a request and decodes the JSON response into out when the status
// is one of want.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}, want ...int) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.wallet != "" {
		req.Header.Set(WalletHeader, c.wallet)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
