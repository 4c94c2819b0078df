// Package gateway mediates single paid calls between agents and provider APIs.
//
// Flow:
//  1. Resolve the listing and the endpoint price from the catalog
//  2. No escrow reference → 402 payment demand; the upstream is not called
//  3. Escrow reference → read it from the ledger and check it pays for this call
//  4. Forward the request verbatim to the provider
//  5. Hash the raw response bytes and commit the hash as the delivery attestation
//  6. Return the bytes with the hash so the agent can attest receipt
package gateway

import (
	"errors"
	"net/http"
	"time"
)

var (
	ErrInsufficientAmount  = errors.New("insufficient escrow amount")
	ErrProviderMismatch    = errors.New("escrow provider does not match listing")
	ErrEndpointMismatch    = errors.New("escrow endpoint does not match request")
	ErrRedemptionInFlight  = errors.New("escrow is already being redeemed")
	ErrDeliveryNotRecorded = errors.New("delivery not recorded")
	ErrResponseTooLarge    = errors.New("upstream response exceeds size limit")
)

// Outcome is the result class of one mediation attempt.
type Outcome string

const (
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeRejected        Outcome = "rejected"
	OutcomeLedgerFailed    Outcome = "ledger_failed"
	OutcomeUpstreamFailed  Outcome = "upstream_failed"
	OutcomeDeliveryFailed  Outcome = "delivery_failed"
	OutcomeDelivered       Outcome = "delivered"
	OutcomeFailed          Outcome = "error"
)

// Defaults for Config.
const (
	DefaultCatalogTimeout  = 5 * time.Second
	DefaultLedgerTimeout   = 15 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultReadAttempts    = 3
	DefaultCommitAttempts  = 3
	DefaultRetryDelay      = 200 * time.Millisecond

	maxResponseSize = 5 * 1024 * 1024 // 5MB
	maxRequestSize  = 5 * 1024 * 1024
)

// Config tunes admission and mediation.
type Config struct {
	CatalogTimeout  time.Duration
	LedgerTimeout   time.Duration
	UpstreamTimeout time.Duration

	// PriceFallback prices unmatched subpaths at the listing's first endpoint
	// instead of rejecting them.
	PriceFallback bool

	// EscrowTimeout is the escrow timeout advertised in payment demands.
	EscrowTimeout time.Duration

	ReadAttempts   int
	CommitAttempts int
	RetryDelay     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CatalogTimeout:  DefaultCatalogTimeout,
		LedgerTimeout:   DefaultLedgerTimeout,
		UpstreamTimeout: DefaultUpstreamTimeout,
		EscrowTimeout:   5 * time.Minute,
		ReadAttempts:    DefaultReadAttempts,
		CommitAttempts:  DefaultCommitAttempts,
		RetryDelay:      DefaultRetryDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = d.CatalogTimeout
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = d.LedgerTimeout
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = d.UpstreamTimeout
	}
	if c.EscrowTimeout <= 0 {
		c.EscrowTimeout = d.EscrowTimeout
	}
	if c.ReadAttempts <= 0 {
		c.ReadAttempts = d.ReadAttempts
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = d.CommitAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Request is one inbound proxied call.
type Request struct {
	ListingID string
	Subpath   string
	Method    string
	RawQuery  string
	Header    http.Header
	Body      []byte

	// EscrowRef is the raw escrow reference; empty means none was sent.
	EscrowRef string
	RequestID string
}

// MediationLog records one mediation attempt.
type MediationLog struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"requestId,omitempty"`
	EscrowID       *uint64   `json:"escrowId,omitempty"`
	ListingID      string    `json:"listingId"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Outcome        Outcome   `json:"outcome"`
	StatusCode     int       `json:"statusCode"`
	UpstreamStatus int       `json:"upstreamStatus,omitempty"`
	Price          string    `json:"price,omitempty"`
	DataHash       string    `json:"dataHash,omitempty"`
	LatencyMs      int64     `json:"latencyMs"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
