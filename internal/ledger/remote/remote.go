// Package remote is a Ledger that talks to a gateway's signed /ledger HTTP
// API. Agents in local mode use it to open and settle escrows on the
// gateway's in-process ledger.
package remote

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/retry"
)

// maxResponseSize bounds ledger API responses.
const maxResponseSize = 1 << 20

// Client implements ledger.Ledger over HTTP.
type Client struct {
	baseURL string
	key     *ecdsa.PrivateKey
	http    *http.Client
	ref     ledger.Ref
	now     func() time.Time

	readAttempts int
	readDelay    time.Duration
}

// New creates a client for the gateway at baseURL signing with key.
func New(baseURL string, key *ecdsa.PrivateKey) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		key:          key,
		http:         &http.Client{Timeout: 30 * time.Second},
		ref:          ledger.LocalRef,
		now:          time.Now,
		readAttempts: 3,
		readDelay:    200 * time.Millisecond,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithRef overrides the advertised ledger reference.
func (c *Client) WithRef(ref ledger.Ref) *Client {
	c.ref = ref
	return c
}

// WithReadRetry configures retries for idempotent reads.
func (c *Client) WithReadRetry(attempts int, baseDelay time.Duration) *Client {
	c.readAttempts = attempts
	c.readDelay = baseDelay
	return c
}

func (c *Client) Principal() escrow.Principal {
	return escrow.NewPrincipal(auth.Address(c.key))
}

func (c *Client) Ref() ledger.Ref { return c.ref }

type escrowResponse struct {
	Escrow  *escrow.Escrow `json:"escrow"`
	Matched bool           `json:"matched"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateEscrow opens an escrow funded by the signing principal.
func (c *Client) CreateEscrow(ctx context.Context, p ledger.CreateParams) (uint64, error) {
	if p.Amount == nil {
		return 0, escrow.ErrInvalidAmount
	}
	req := escrow.CreateEscrowRequest{
		Provider:    string(p.Provider),
		Endpoint:    p.Endpoint,
		TimeoutSecs: int64(p.Timeout / time.Second),
		Amount:      p.Amount.String(),
		Asset:       p.Asset.Key(),
	}
	var resp escrowResponse
	if err := c.do(ctx, "createEscrow", http.MethodPost, "/ledger/escrows", req, &resp); err != nil {
		return 0, err
	}
	if resp.Escrow == nil {
		return 0, &ledger.CallError{Op: "createEscrow", Err: fmt.Errorf("response has no escrow")}
	}
	return resp.Escrow.ID, nil
}

func (c *Client) ConfirmDelivery(ctx context.Context, id uint64, hash attest.Hash) error {
	return c.do(ctx, "confirmDelivery", http.MethodPost, escrowPath(id, "deliver"),
		escrow.HashRequest{Hash: hash.Hex()}, nil)
}

func (c *Client) ConfirmReceived(ctx context.Context, id uint64, hash attest.Hash) (bool, error) {
	var resp escrowResponse
	if err := c.do(ctx, "confirmReceived", http.MethodPost, escrowPath(id, "receive"),
		escrow.HashRequest{Hash: hash.Hex()}, &resp); err != nil {
		return false, err
	}
	return resp.Matched, nil
}

func (c *Client) ClaimTimeout(ctx context.Context, id uint64) error {
	return c.do(ctx, "claimTimeout", http.MethodPost, escrowPath(id, "claim"), struct{}{}, nil)
}

func (c *Client) Refund(ctx context.Context, id uint64) error {
	return c.do(ctx, "refund", http.MethodPost, escrowPath(id, "refund"), struct{}{}, nil)
}

// GetEscrow reads an escrow. Transport failures are retried; rejections are
// not.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	var resp escrowResponse
	read := retry.Policy{Op: retry.OpLedgerRead, Attempts: c.readAttempts, BaseDelay: c.readDelay}
	err := read.Do(ctx, func() error {
		err := c.do(ctx, "getEscrow", http.MethodGet, escrowPath(id, ""), nil, &resp)
		if err != nil && escrow.IsRejection(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Escrow == nil {
		return nil, &ledger.CallError{Op: "getEscrow", Err: fmt.Errorf("response has no escrow")}
	}
	return resp.Escrow, nil
}

func escrowPath(id uint64, action string) string {
	p := "/ledger/escrows/" + ledger.FormatID(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends one request. Bodies are signed for every write; reads are sent
// unsigned. Error responses carrying a known wire code become the matching
// escrow sentinel.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &ledger.CallError{Op: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ledger.CallError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if err := auth.SignRequest(req, body, c.key, c.now()); err != nil {
			return &ledger.CallError{Op: op, Err: err}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ledger.CallError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &ledger.CallError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		if sentinel := escrow.ErrorForCode(er.Error); sentinel != nil {
			return sentinel
		}
		msg := er.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &ledger.CallError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ledger.CallError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
