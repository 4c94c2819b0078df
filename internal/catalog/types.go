// Package catalog holds the provider listings the gateway mediates: who gets
// paid, where the upstream lives and what each endpoint costs.
package catalog

import (
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/escrowgate/internal/escrow"
)

var (
	ErrListingNotFound   = errors.New("catalog: listing not found")
	ErrListingExists     = errors.New("catalog: listing already exists")
	ErrInvalidListing    = errors.New("catalog: invalid listing")
	ErrEndpointNotPriced = errors.New("endpoint not priced")
	ErrAssetNotAllowed   = escrow.ErrAssetNotAllowed
)

// Endpoint is one priced operation of a listing.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method,omitempty"` // empty matches any method
	Price       string `json:"price"`            // decimal, in the listing's asset
	Description string `json:"description,omitempty"`
}

// Listing is a provider API reachable through the gateway.
type Listing struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Provider  escrow.Principal `json:"provider"`
	BaseURL   string           `json:"baseUrl"`
	Asset     escrow.Asset     `json:"asset"`
	Endpoints []Endpoint       `json:"endpoints"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Clone returns a deep copy.
func (l *Listing) Clone() *Listing {
	cp := *l
	cp.Endpoints = append([]Endpoint(nil), l.Endpoints...)
	return &cp
}

// AssetInfo describes an asset listings may be priced in.
type AssetInfo struct {
	Asset    escrow.Asset `json:"asset"`
	Symbol   string       `json:"symbol"`
	Decimals int          `json:"decimals"`
}

// Quote is the resolved price of one request.
type Quote struct {
	Listing  *Listing
	Endpoint Endpoint
	// EndpointID is the identifier escrows must carry for this endpoint.
	EndpointID string
	Asset      AssetInfo
	// Amount is Endpoint.Price in base units.
	Amount *big.Int
	// Fallback is set when no endpoint matched and the first endpoint's
	// price was used instead.
	Fallback bool
}

// RegisterRequest is the payload for POST /register.
type RegisterRequest struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name" binding:"required"`
	Provider  string     `json:"provider" binding:"required"`
	BaseURL   string     `json:"baseUrl" binding:"required"`
	Asset     string     `json:"asset,omitempty"`
	Endpoints []Endpoint `json:"endpoints" binding:"required"`
}
