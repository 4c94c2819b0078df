package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Vault is the in-process custody backend for the local ledger. It tracks
// spendable balances per (principal, asset) and the funds held for each
// escrow. All mutations are atomic per vault.
type Vault struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
	held     map[uint64]holding
}

type balanceKey struct {
	principal Principal
	asset     string
}

type holding struct {
	asset  Asset
	amount *big.Int
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		balances: make(map[balanceKey]*big.Int),
		held:     make(map[uint64]holding),
	}
}

// Deposit credits p with amount of asset.
func (v *Vault) Deposit(p Principal, asset Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(balanceKey{p, asset.Key()}, amount)
	return nil
}

// Credit is Deposit for the Accounts interface.
func (v *Vault) Credit(_ context.Context, p Principal, asset Asset, amount *big.Int) error {
	return v.Deposit(p, asset, amount)
}

// BalanceOf is Balance for the Accounts interface.
func (v *Vault) BalanceOf(_ context.Context, p Principal, asset Asset) (*big.Int, error) {
	return v.Balance(p, asset), nil
}

// Balance returns p's spendable balance of asset.
func (v *Vault) Balance(p Principal, asset Asset) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[balanceKey{p, asset.Key()}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Held returns the amount in custody for escrow ref.
func (v *Vault) Held(ref uint64) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.held[ref]; ok {
		return new(big.Int).Set(h.amount)
	}
	return new(big.Int)
}

// Lock moves amount from from's balance into custody under ref.
func (v *Vault) Lock(_ context.Context, from Principal, asset Asset, amount *big.Int, ref uint64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.held[ref]; exists {
		return fmt.Errorf("%w: escrow %d already funded", ErrCustodyMismatch, ref)
	}
	key := balanceKey{from, asset.Key()}
	bal := v.balances[key]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	bal.Sub(bal, amount)
	v.held[ref] = holding{asset: asset, amount: new(big.Int).Set(amount)}
	return nil
}

// Release pays out the full custody of ref. The payouts must sum to the held
// amount exactly; otherwise nothing moves.
func (v *Vault) Release(_ context.Context, ref uint64, payouts ...Payout) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	h, ok := v.held[ref]
	if !ok {
		return fmt.Errorf("%w: escrow %d has no custody", ErrCustodyMismatch, ref)
	}
	total := new(big.Int)
	for _, p := range payouts {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return fmt.Errorf("%w: negative payout", ErrCustodyMismatch)
		}
		total.Add(total, p.Amount)
	}
	if total.Cmp(h.amount) != 0 {
		return fmt.Errorf("%w: payouts %s != held %s", ErrCustodyMismatch, total, h.amount)
	}

	for _, p := range payouts {
		if p.Amount.Sign() == 0 {
			continue
		}
		v.credit(balanceKey{p.To, h.asset.Key()}, p.Amount)
	}
	delete(v.held, ref)
	return nil
}

func (v *Vault) credit(key balanceKey, amount *big.Int) {
	if b, ok := v.balances[key]; ok {
		b.Add(b, amount)
		return
	}
	v.balances[key] = new(big.Int).Set(amount)
}

// Supply returns the sum of all balances and custody for asset. Useful for
// conservation checks.
func (v *Vault) Supply(asset Asset) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := new(big.Int)
	for k, b := range v.balances {
		if k.asset == asset.Key() {
			total.Add(total, b)
		}
	}
	for _, h := range v.held {
		if h.asset.Key() == asset.Key() {
			total.Add(total, h.amount)
		}
	}
	return total
}
