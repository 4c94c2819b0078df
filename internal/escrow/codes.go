package escrow

import (
	"errors"
	"net/http"
)

// errorCodes maps each rejection to the wire code used by the ledger HTTP
// API, so remote clients can reconstruct the sentinel.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrEscrowNotFound, "escrow_not_found", http.StatusNotFound},
	{ErrWrongState, "wrong_state", http.StatusConflict},
	{ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{ErrTimeoutNotReached, "timeout_not_reached", http.StatusConflict},
	{ErrPaused, "paused", http.StatusServiceUnavailable},
	{ErrInsufficientFunds, "insufficient_funds", http.StatusPaymentRequired},
	{ErrAssetNotAllowed, "asset_not_allowed", http.StatusBadRequest},
	{ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{ErrInvalidProvider, "invalid_provider", http.StatusBadRequest},
	{ErrInvalidTimeout, "invalid_timeout", http.StatusBadRequest},
	{ErrInvalidHash, "invalid_hash", http.StatusBadRequest},
	{ErrHashAlreadySet, "hash_already_set", http.StatusConflict},
	{ErrInvalidFee, "invalid_fee", http.StatusBadRequest},
}

// ErrorCode returns the HTTP status and wire code for err.
func ErrorCode(err error) (int, string) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.status, ec.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// ErrorForCode returns the sentinel for a wire code, or nil if unknown.
func ErrorForCode(code string) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

// IsRejection reports whether err is a protocol rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return true
		}
	}
	return false
}
