// Package escrow implements the single-call escrow settlement ledger.
//
// Flow:
//  1. Agent creates an escrow → amount moves from its balance into custody
//  2. Gateway forwards the call → provider (or its delegate) commits the
//     delivery hash
//  3. Agent commits the receipt hash → equal hashes release funds to the
//     provider minus the fee, unequal hashes freeze the escrow as disputed
//  4. Provider silent past the deadline → agent refunds itself
//  5. Agent silent past the deadline after delivery → provider claims
package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrWrongState        = errors.New("escrow not in admissible state")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidProvider   = errors.New("provider must be a non-zero principal")
	ErrInvalidTimeout    = errors.New("timeout must be positive")
	ErrInvalidHash       = errors.New("hash must be non-zero")
	ErrHashAlreadySet    = errors.New("hash already committed")
	ErrTimeoutNotReached = errors.New("timeout not reached")
	ErrPaused            = errors.New("escrow ledger is paused")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAssetNotAllowed   = errors.New("asset not allowed")
	ErrInvalidFee        = errors.New("fee out of range")
	ErrCustodyMismatch   = errors.New("custody does not match escrow")
)

// State is the lifecycle position of an escrow.
type State string

const (
	StateCreated   State = "created"   // funds locked, awaiting delivery
	StateDelivered State = "delivered" // provider committed delivery hash
	StateCompleted State = "completed" // hashes matched, provider paid
	StateDisputed  State = "disputed"  // hashes differ, funds frozen
	StateRefunded  State = "refunded"  // agent reclaimed after timeout
	StateClaimed   State = "claimed"   // provider claimed after timeout
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateDisputed, StateRefunded, StateClaimed:
		return true
	}
	return false
}

// Valid reports whether s is one of the six known states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateDelivered, StateCompleted, StateDisputed, StateRefunded, StateClaimed:
		return true
	}
	return false
}

const (
	// DefaultTimeout is the delivery/receipt window offered in payment demands.
	DefaultTimeout = 5 * time.Minute

	// DefaultFeeBPS is the protocol fee in basis points (1%).
	DefaultFeeBPS = 100

	// MaxFeeBPS caps the fee at 10%.
	MaxFeeBPS = 1000

	bpsDenominator = 10_000
)

// Principal identifies a party by its lower-cased 0x address.
type Principal string

const zeroPrincipal Principal = "0x0000000000000000000000000000000000000000"

// NewPrincipal normalizes an address string.
func NewPrincipal(addr string) Principal {
	return Principal(strings.ToLower(strings.TrimSpace(addr)))
}

// IsZero reports whether p is empty or the zero address.
func (p Principal) IsZero() bool {
	return p == "" || p == zeroPrincipal
}

func (p Principal) String() string { return string(p) }

// AssetKind distinguishes the chain's native currency from ERC-20 tokens.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// Asset is the currency an escrow is denominated in.
type Asset struct {
	Kind  AssetKind `json:"kind"`
	Token string    `json:"token,omitempty"`
}

// Native is the chain's native currency.
var Native = Asset{Kind: AssetNative}

// Token returns a token asset for the given contract address.
func Token(addr string) Asset {
	return Asset{Kind: AssetToken, Token: strings.ToLower(strings.TrimSpace(addr))}
}

// ParseAsset accepts "native", "" or a token contract address.
func ParseAsset(s string) Asset {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(AssetNative)) {
		return Native
	}
	return Token(s)
}

// Key is the stable string form used for balances and allow-lists.
func (a Asset) Key() string {
	if a.Kind == AssetToken {
		return a.Token
	}
	return string(AssetNative)
}

func (a Asset) String() string { return a.Key() }

// Escrow is one settlement record.
type Escrow struct {
	ID           uint64        `json:"id"`
	Agent        Principal     `json:"agent"`
	Provider     Principal     `json:"provider"`
	Amount       *big.Int      `json:"amount"`
	Asset        Asset         `json:"asset"`
	Endpoint     string        `json:"endpoint"`
	DeliveryHash attest.Hash   `json:"deliveryHash"`
	ReceiptHash  attest.Hash   `json:"receiptHash"`
	State        State         `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	DeliveredAt  *time.Time    `json:"deliveredAt,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	Locked       *big.Int      `json:"locked"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Locked != nil {
		cp.Locked = new(big.Int).Set(e.Locked)
	}
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

// RefundableAt is the instant after which the agent may refund.
func (e *Escrow) RefundableAt() time.Time {
	return e.CreatedAt.Add(e.Timeout)
}

// ClaimableAt is the instant after which the provider may claim. Zero until
// delivery is committed.
func (e *Escrow) ClaimableAt() time.Time {
	if e.DeliveredAt == nil {
		return time.Time{}
	}
	return e.DeliveredAt.Add(e.Timeout)
}

// Deadline is the instant after which an open escrow may be settled without
// the other party: RefundableAt while Created, ClaimableAt while Delivered.
// Zero in every other state.
func (e *Escrow) Deadline() time.Time {
	switch e.State {
	case StateCreated:
		return e.RefundableAt()
	case StateDelivered:
		return e.ClaimableAt()
	}
	return time.Time{}
}

// Involves reports whether p is the agent or the provider.
func (e *Escrow) Involves(p Principal) bool {
	return e.Agent == p || e.Provider == p
}

// Store persists escrow records.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByPrincipal(ctx context.Context, p Principal, limit int) ([]*Escrow, error)
	// ListDue returns escrows in state whose Deadline is before now, oldest
	// first.
	ListDue(ctx context.Context, state State, now time.Time, limit int) ([]*Escrow, error)
}

// Payout credits one principal from an escrow's custody.
type Payout struct {
	To     Principal
	Amount *big.Int
}

// Custody holds escrowed funds. Release must pay out exactly the locked
// amount in one step or nothing at all.
type Custody interface {
	Lock(ctx context.Context, from Principal, asset Asset, amount *big.Int, ref uint64) error
	Release(ctx context.Context, ref uint64, payouts ...Payout) error
}

// Accounts is custody plus the spendable balances it draws from. Vault keeps
// them in memory; PostgresVault persists them next to the escrow records.
type Accounts interface {
	Custody
	Credit(ctx context.Context, p Principal, asset Asset, amount *big.Int) error
	BalanceOf(ctx context.Context, p Principal, asset Asset) (*big.Int, error)
}

// CreateRequest carries the agent-supplied escrow parameters.
type CreateRequest struct {
	Provider Principal
	Endpoint string
	Timeout  time.Duration
	Amount   *big.Int
	Asset    Asset
}

// Split divides amount into the provider share and the fee. The provider
// share is floored; the fee takes the remainder so nothing is lost.
func Split(amount *big.Int, feeBPS int) (providerShare, fee *big.Int) {
	providerShare = new(big.Int).Mul(amount, big.NewInt(int64(bpsDenominator-feeBPS)))
	providerShare.Quo(providerShare, big.NewInt(bpsDenominator))
	fee = new(big.Int).Sub(amount, providerShare)
	return providerShare, fee
}
