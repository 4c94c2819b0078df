// Package client is the agent side of a mediated call. Call discovers the
// price from the gateway's 402, escrows it on the ledger, retries with the
// escrow reference, hashes what came back and attests receipt.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/mbd888/escrowgate/internal/amount"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/traces"
	"github.com/mbd888/escrowgate/pkg/x402"
)

var (
	// ErrUnexpectedStatus is wrapped by every StatusError.
	ErrUnexpectedStatus = errors.New("client: unexpected status")

	// ErrInsufficientFunds is returned when the demanded price exceeds
	// MaxPrice. No escrow is created.
	ErrInsufficientFunds = escrow.ErrInsufficientFunds

	ErrAssetNotAccepted = errors.New("client: asset not accepted by provider")
)

// StatusError is a gateway response with a status the pipeline did not expect
// at that stage.
type StatusError struct {
	StatusCode int
	Want       int
	Body       *x402.Error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: got status %d, want %d: %v", e.StatusCode, e.Want, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// SettleError is a failure after the escrow was created. The escrow is still
// on the ledger: it can be inspected, and refunded once its timeout passes.
type SettleError struct {
	EscrowID uint64
	Stage    string // "call" or "confirm"
	Err      error
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("client: escrow %d: %s: %v", e.EscrowID, e.Stage, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// Result is one settled call.
type Result struct {
	Body        []byte
	ContentType string

	EscrowID uint64
	Price    *big.Int
	Asset    escrow.Asset

	// DataHash is the hash the gateway reported in X-Data-Hash; LocalHash is
	// the hash of Body computed here. Only LocalHash is sent to the ledger.
	DataHash      attest.Hash
	LocalHash     attest.Hash
	HeaderMatches bool

	// Matched is the ledger's verdict: true released the funds, false opened
	// a dispute.
	Matched bool
	State   escrow.State
}

// Client wraps http.Client with escrowed 402 handling.
type Client struct {
	HTTP   *http.Client
	Ledger ledger.Ledger

	// MaxPrice is a ceiling in whole units of the demanded asset. Empty means
	// no ceiling.
	MaxPrice string

	// Asset overrides the demanded asset. It must be in the demand's accepted
	// assets. The zero value pays in the demanded asset.
	Asset escrow.Asset

	// Hooks
	OnDemand func(d *x402.PaymentDemand)
	OnEscrow func(id uint64, d *x402.PaymentDemand)

	Logger *slog.Logger
}

// New creates a client paying through l.
func New(l ledger.Ledger) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 60 * time.Second},
		Ledger: l,
	}
}

// Call runs one paid request end to end. A hash mismatch is not an error: the
// Result reports Matched=false and state disputed.
//
// Errors before escrow creation leave nothing on the ledger. Later failures
// are *SettleError values; when confirming receipt fails the Result is
// returned alongside the error so the delivered bytes are not lost.
func (c *Client) Call(ctx context.Context, method, url string, body []byte) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "client.call")
	res, err := c.call(ctx, method, url, body)
	if res != nil {
		span.SetAttributes(traces.EscrowID(res.EscrowID))
	}
	traces.End(span, err)
	return res, err
}

func (c *Client) call(ctx context.Context, method, url string, body []byte) (*Result, error) {
	resp, err := c.send(ctx, method, url, body, 0)
	if err != nil {
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	if !x402.Is402Response(resp) {
		return nil, statusError(resp, http.StatusPaymentRequired)
	}
	demand, err := x402.ParseDemand(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if c.OnDemand != nil {
		c.OnDemand(demand)
	}

	price, asset, err := c.quote(demand)
	if err != nil {
		return nil, err
	}

	id, err := c.Ledger.CreateEscrow(ctx, ledger.CreateParams{
		Provider: escrow.NewPrincipal(demand.Provider),
		Endpoint: demand.Endpoint,
		Timeout:  demand.Timeout(),
		Amount:   price,
		Asset:    asset,
	})
	if err != nil {
		return nil, fmt.Errorf("client: create escrow: %w", err)
	}
	c.logger().Info("escrow created",
		"escrow", id, "provider", demand.Provider, "endpoint", demand.Endpoint,
		"price", demand.Price, "asset", asset.Key())
	if c.OnEscrow != nil {
		c.OnEscrow(id, demand)
	}

	resp, err = c.send(ctx, method, url, body, id)
	if err != nil {
		return nil, &SettleError{EscrowID: id, Stage: "call", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SettleError{EscrowID: id, Stage: "call", Err: statusError(resp, http.StatusOK)}
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, &SettleError{EscrowID: id, Stage: "call", Err: err}
	}

	res := &Result{
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		EscrowID:    id,
		Price:       price,
		Asset:       asset,
		LocalHash:   attest.Digest(data),
	}
	if h, err := attest.ParseHash(resp.Header.Get(x402.HeaderDataHash)); err == nil {
		res.DataHash = h
		res.HeaderMatches = h == res.LocalHash
	}
	if !res.HeaderMatches {
		c.logger().Warn("gateway data hash does not match received bytes",
			"escrow", id, "reported", resp.Header.Get(x402.HeaderDataHash), "local", res.LocalHash.Hex())
	}

	matched, err := c.Ledger.ConfirmReceived(ctx, id, res.LocalHash)
	if err != nil {
		return res, &SettleError{EscrowID: id, Stage: "confirm", Err: err}
	}
	res.Matched = matched
	res.State = escrow.StateCompleted
	if !matched {
		res.State = escrow.StateDisputed
		c.logger().Warn("receipt disputed", "escrow", id, "local", res.LocalHash.Hex())
	}
	return res, nil
}

// quote resolves what to pay and checks it against the ceiling.
func (c *Client) quote(d *x402.PaymentDemand) (*big.Int, escrow.Asset, error) {
	price, err := d.BaseUnits()
	if err != nil {
		return nil, escrow.Asset{}, fmt.Errorf("client: %w", err)
	}

	asset := d.EscrowAsset()
	if c.Asset.Kind != "" {
		if !d.Accepts(c.Asset) {
			return nil, escrow.Asset{}, fmt.Errorf("%w: %s", ErrAssetNotAccepted, c.Asset.Key())
		}
		asset = c.Asset
	}

	if c.MaxPrice != "" {
		ceiling, ok := amount.Parse(c.MaxPrice, d.Decimals)
		if !ok {
			return nil, escrow.Asset{}, fmt.Errorf("client: invalid max price %q", c.MaxPrice)
		}
		if price.Cmp(ceiling) > 0 {
			return nil, escrow.Asset{}, fmt.Errorf("%w: price %s %s exceeds max %s",
				ErrInsufficientFunds, d.Price, d.Currency, c.MaxPrice)
		}
	}
	return price, asset, nil
}

// send issues one request, carrying escrowID when non-zero.
func (c *Client) send(ctx context.Context, method, url string, body []byte, escrowID uint64) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if escrowID != 0 {
		x402.SetEscrowID(req, escrowID)
	}
	return c.httpClient().Do(req)
}

func statusError(resp *http.Response, want int) error {
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{StatusCode: resp.StatusCode, Want: want, Body: x402.ParseError(resp.StatusCode, data)}
}

// Status reads an escrow from the ledger.
func (c *Client) Status(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	return c.Ledger.GetEscrow(ctx, id)
}

// Refund reclaims an undelivered escrow after its timeout.
func (c *Client) Refund(ctx context.Context, id uint64) error {
	return c.Ledger.Refund(ctx, id)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
