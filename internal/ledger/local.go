package ledger

import (
	"context"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
)

// LocalRef is the ledger reference advertised by in-process ledgers.
var LocalRef = Ref{Ledger: "local", Chain: "local"}

// Local calls an in-process escrow service as a fixed principal.
type Local struct {
	svc       *escrow.Service
	principal escrow.Principal
	ref       Ref
}

// NewLocal binds svc to principal.
func NewLocal(svc *escrow.Service, principal escrow.Principal) *Local {
	return &Local{svc: svc, principal: principal, ref: LocalRef}
}

// WithRef overrides the advertised ledger reference.
func (l *Local) WithRef(ref Ref) *Local {
	l.ref = ref
	return l
}

// As returns a ledger on the same service bound to another principal.
func (l *Local) As(principal escrow.Principal) *Local {
	return &Local{svc: l.svc, principal: principal, ref: l.ref}
}

func (l *Local) Principal() escrow.Principal { return l.principal }

func (l *Local) Ref() Ref { return l.ref }

func (l *Local) CreateEscrow(ctx context.Context, p CreateParams) (uint64, error) {
	e, err := l.svc.CreateEscrow(ctx, l.principal, escrow.CreateRequest{
		Provider: p.Provider,
		Endpoint: p.Endpoint,
		Timeout:  p.Timeout,
		Amount:   p.Amount,
		Asset:    p.Asset,
	})
	if err != nil {
		return 0, Wrap("createEscrow", err)
	}
	return e.ID, nil
}

func (l *Local) ConfirmDelivery(ctx context.Context, id uint64, hash attest.Hash) error {
	_, err := l.svc.ConfirmDelivery(ctx, l.principal, id, hash)
	return Wrap("confirmDelivery", err)
}

func (l *Local) ConfirmReceived(ctx context.Context, id uint64, hash attest.Hash) (bool, error) {
	_, matched, err := l.svc.ConfirmReceived(ctx, l.principal, id, hash)
	if err != nil {
		return false, Wrap("confirmReceived", err)
	}
	return matched, nil
}

func (l *Local) ClaimTimeout(ctx context.Context, id uint64) error {
	_, err := l.svc.ClaimTimeout(ctx, l.principal, id)
	return Wrap("claimTimeout", err)
}

func (l *Local) Refund(ctx context.Context, id uint64) error {
	_, err := l.svc.Refund(ctx, l.principal, id)
	return Wrap("refund", err)
}

func (l *Local) GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	e, err := l.svc.Get(ctx, id)
	if err != nil {
		return nil, Wrap("getEscrow", err)
	}
	return e, nil
}
