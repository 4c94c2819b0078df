// Package ledger defines the settlement ledger port used by the gateway and
// the client SDK. A Ledger is bound to one signing principal; adapters exist
// for the in-process escrow service, its HTTP API and an EVM escrow contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
)

// Ref identifies where escrows must be opened. It is advertised in payment
// demands.
type Ref struct {
	Ledger string `json:"ledgerRef"`
	Chain  string `json:"chainRef"`
}

// CreateParams are the agent-supplied escrow parameters.
type CreateParams struct {
	Provider escrow.Principal
	Endpoint string
	Timeout  time.Duration
	Amount   *big.Int
	Asset    escrow.Asset
}

// Reader is the read side of a ledger.
type Reader interface {
	GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error)
}

// Ledger performs escrow operations as Principal().
type Ledger interface {
	Reader
	Principal() escrow.Principal
	Ref() Ref
	CreateEscrow(ctx context.Context, p CreateParams) (uint64, error)
	ConfirmDelivery(ctx context.Context, id uint64, hash attest.Hash) error
	ConfirmReceived(ctx context.Context, id uint64, hash attest.Hash) (matched bool, err error)
	ClaimTimeout(ctx context.Context, id uint64) error
	Refund(ctx context.Context, id uint64) error
}

// CallError is an infrastructure failure talking to the ledger: transport,
// RPC, signing or decoding. Protocol rejections are never wrapped in it.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Wrap returns err unchanged when it is nil or a protocol rejection, and a
// *CallError otherwise.
func Wrap(op string, err error) error {
	if err == nil || escrow.IsRejection(err) {
		return err
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Op: op, Err: err}
}

// FormatID renders an escrow id the way it appears in headers and URLs.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseID parses an escrow reference. Only decimal ids are accepted.
func ParseID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
