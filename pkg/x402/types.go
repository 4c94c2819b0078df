// Package x402 defines the wire form of the gateway's 402 payment demand and
// the headers that carry escrow references between agent and gateway.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/escrowgate/internal/amount"
	"github.com/mbd888/escrowgate/internal/escrow"
)

// Headers exchanged on proxied calls.
const (
	HeaderEscrowID  = "X-Escrow-Id"
	HeaderDataHash  = "X-Data-Hash"
	HeaderRequired  = "X-Payment-Required"
	HeaderCurrency  = "X-Payment-Currency"
	HeaderAmount    = "X-Payment-Amount"
	HeaderRecipient = "X-Payment-Recipient"
	HeaderChain     = "X-Payment-Chain"

	// QueryEscrowID is accepted in place of HeaderEscrowID.
	QueryEscrowID = "escrowId"
)

// ErrNotDemand is returned when a response is not a 402 payment demand.
var ErrNotDemand = errors.New("x402: not a payment demand")

// PaymentDemand is the body of a 402 response. Price is a decimal string in
// whole units of Asset; Decimals converts it to base units.
type PaymentDemand struct {
	Error          string   `json:"error"`
	Price          string   `json:"price"`
	Currency       string   `json:"currency"`
	Asset          string   `json:"asset"`
	Provider       string   `json:"provider"`
	Endpoint       string   `json:"endpoint"`
	LedgerRef      string   `json:"ledgerRef"`
	ChainRef       string   `json:"chainRef"`
	Instructions   string   `json:"instructions"`
	AcceptedAssets []string `json:"acceptedAssets"`
	Decimals       int      `json:"decimals"`
	TimeoutSecs    int64    `json:"timeoutSecs"`
}

// BaseUnits converts Price to base units using Decimals.
func (d *PaymentDemand) BaseUnits() (*big.Int, error) {
	v, ok := amount.Parse(d.Price, d.Decimals)
	if !ok || !amount.Positive(v) {
		return nil, fmt.Errorf("x402: invalid price %q for %d decimals", d.Price, d.Decimals)
	}
	return v, nil
}

// EscrowAsset returns the demanded asset.
func (d *PaymentDemand) EscrowAsset() escrow.Asset {
	return escrow.ParseAsset(d.Asset)
}

// Timeout returns the demanded escrow timeout, or escrow.DefaultTimeout when
// none was given.
func (d *PaymentDemand) Timeout() time.Duration {
	if d.TimeoutSecs <= 0 {
		return escrow.DefaultTimeout
	}
	return time.Duration(d.TimeoutSecs) * time.Second
}

// Accepts reports whether asset is in AcceptedAssets. An empty list accepts
// only the demanded asset.
func (d *PaymentDemand) Accepts(asset escrow.Asset) bool {
	if len(d.AcceptedAssets) == 0 {
		return asset == d.EscrowAsset()
	}
	for _, a := range d.AcceptedAssets {
		if escrow.ParseAsset(a) == asset {
			return true
		}
	}
	return false
}

// Validate checks the fields an agent needs to pay.
func (d *PaymentDemand) Validate() error {
	if d.Decimals < 0 || d.Decimals > amount.MaxDecimals {
		return fmt.Errorf("x402: decimals %d out of range", d.Decimals)
	}
	if _, err := d.BaseUnits(); err != nil {
		return err
	}
	if escrow.NewPrincipal(d.Provider).IsZero() {
		return fmt.Errorf("x402: demand has no provider")
	}
	return nil
}

// SetHeaders writes the summary headers that accompany a demand body.
func (d *PaymentDemand) SetHeaders(h http.Header) {
	h.Set(HeaderRequired, "true")
	h.Set(HeaderCurrency, d.Currency)
	h.Set(HeaderAmount, d.Price)
	h.Set(HeaderRecipient, d.Provider)
	h.Set(HeaderChain, d.ChainRef)
}

// Error is the JSON error body returned by the gateway.
type Error struct {
	Code     string `json:"error"`
	Message  string `json:"message"`
	EscrowID string `json:"escrowId,omitempty"`
	DataHash string `json:"dataHash,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response reports whether resp is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseDemand reads and validates the demand from a 402 response. The body
// is consumed.
func ParseDemand(resp *http.Response) (*PaymentDemand, error) {
	if !Is402Response(resp) {
		return nil, fmt.Errorf("%w: got status %d", ErrNotDemand, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("x402: read demand: %w", err)
	}
	var d PaymentDemand
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("x402: parse demand: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseError decodes a gateway error body. Bodies that are not JSON become
// an Error whose message is the raw text.
func ParseError(status int, body []byte) *Error {
	var e Error
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return &Error{Code: strconv.Itoa(status), Message: string(body)}
	}
	return &e
}

// SetEscrowID attaches an escrow reference to an outgoing request.
func SetEscrowID(r *http.Request, id uint64) {
	r.Header.Set(HeaderEscrowID, strconv.FormatUint(id, 10))
}

// EscrowRef returns the raw escrow reference on an incoming request, from the
// header or the escrowId query parameter.
func EscrowRef(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderEscrowID); v != "" {
		return v, true
	}
	if v := r.URL.Query().Get(QueryEscrowID); v != "" {
		return v, true
	}
	return "", false
}
