package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for talking to an escrowgate gateway.
type Config struct {
	GatewayURL string // Base URL, e.g. "http://localhost:8080"
	LedgerURL  string // Signed ledger API; defaults to GatewayURL
	PrivateKey string // Agent key, hex with or without 0x
	MaxPrice   string // Per-call ceiling in whole units of the demanded asset; empty means none
}

// GatewayClient reads the public gateway API: the catalog and balances.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the gateway base URL.
func (c *GatewayClient) BaseURL() string {
	return c.baseURL
}

// apiError represents an error response from the gateway.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes a GET request to the gateway and returns the response body.
func (c *GatewayClient) doRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListServices returns the catalog.
func (c *GatewayClient) ListServices(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, "/catalog", nil)
}

// GetBalance returns principal's free balance in asset on a local ledger.
func (c *GatewayClient) GetBalance(ctx context.Context, principal, asset string) (json.RawMessage, error) {
	var q url.Values
	if asset != "" {
		q = url.Values{"asset": {asset}}
	}
	return c.doRequest(ctx, "/ledger/principals/"+url.PathEscape(principal)+"/balance", q)
}
