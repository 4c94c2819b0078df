// Package apperr classifies failures across the gateway and the client SDK
// into a small set of kinds, each with one HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mbd888/escrowgate/internal/catalog"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
)

// Kind is a failure class.
type Kind string

const (
	Unknown            Kind = "internal_error"
	EscrowNotFound     Kind = "escrow_not_found"
	EscrowWrongState   Kind = "escrow_wrong_state"
	InsufficientFunds  Kind = "insufficient_funds"
	HashMismatch       Kind = "hash_mismatch"
	LedgerCallFailed   Kind = "ledger_call_failed"
	UpstreamCallFailed Kind = "upstream_call_failed"
	RegistryError      Kind = "registry_error"
	ListingNotFound    Kind = "listing_not_found"
	EndpointNotPriced  Kind = "endpoint_not_priced"
	AssetNotAllowed    Kind = "asset_not_allowed"
	Unauthorized       Kind = "unauthorized"
	Paused             Kind = "paused"
	InvalidRequest     Kind = "invalid_request"
)

// Error carries a kind, the failing operation and free-form context for
// logs and response bodies.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]string
}

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// With adds a context field and returns e.
func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// sentinels maps package errors to kinds. Order matters: the first match wins.
var sentinels = []struct {
	err  error
	kind Kind
}{
	{escrow.ErrEscrowNotFound, EscrowNotFound},
	{escrow.ErrWrongState, EscrowWrongState},
	{escrow.ErrHashAlreadySet, EscrowWrongState},
	{escrow.ErrTimeoutNotReached, EscrowWrongState},
	{escrow.ErrInsufficientFunds, InsufficientFunds},
	{escrow.ErrAssetNotAllowed, AssetNotAllowed},
	{escrow.ErrUnauthorized, Unauthorized},
	{escrow.ErrPaused, Paused},
	{escrow.ErrInvalidAmount, InvalidRequest},
	{escrow.ErrInvalidProvider, InvalidRequest},
	{escrow.ErrInvalidTimeout, InvalidRequest},
	{escrow.ErrInvalidHash, InvalidRequest},
	{catalog.ErrListingNotFound, ListingNotFound},
	{catalog.ErrEndpointNotPriced, EndpointNotPriced},
	{catalog.ErrInvalidListing, RegistryError},
	{catalog.ErrListingExists, RegistryError},
}

// KindOf classifies err. An explicit *Error wins over wrapped sentinels;
// ledger.CallError maps to LedgerCallFailed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	var ce *ledger.CallError
	if errors.As(err, &ce) {
		return LedgerCallFailed
	}
	return Unknown
}

// Is reports whether err is of kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus is the gateway response status for kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case EscrowNotFound, EscrowWrongState, InsufficientFunds, AssetNotAllowed, InvalidRequest:
		return http.StatusBadRequest
	case ListingNotFound, EndpointNotPriced:
		return http.StatusNotFound
	case HashMismatch:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusForbidden
	case Paused:
		return http.StatusServiceUnavailable
	case UpstreamCallFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ContextOf returns the context fields attached anywhere in err's chain.
func ContextOf(err error) map[string]string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Context
	}
	return nil
}
