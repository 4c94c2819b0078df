package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/syncutil"
)

// Service implements the escrow state machine over a Store and a Custody.
type Service struct {
	store   Store
	custody Custody
	events  *EventLog
	locks   *syncutil.EscrowLocks
	logger  *slog.Logger
	now     func() time.Time

	// admin guards the fields below. Transitions hold the read lock for their
	// whole duration so Pause takes effect for everything evaluated after it.
	admin         sync.RWMutex
	operator      Principal
	paused        bool
	feeBPS        int
	feeRecipient  Principal
	delegates     map[Principal]map[Principal]bool
	allowedAssets map[string]bool
}

// NewService creates an escrow service. The operator may pause the ledger,
// change the fee and register delivery delegates; it also receives fees until
// WithFee says otherwise.
func NewService(store Store, custody Custody, events *EventLog, operator Principal) *Service {
	return &Service{
		store:        store,
		custody:      custody,
		events:       events,
		locks:        syncutil.NewEscrowLocks(0),
		logger:       slog.Default(),
		now:          time.Now,
		operator:     operator,
		feeBPS:       DefaultFeeBPS,
		feeRecipient: operator,
		delegates:    make(map[Principal]map[Principal]bool),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithFee sets the initial fee and its recipient. Out-of-range values keep
// the default.
func (s *Service) WithFee(bps int, recipient Principal) *Service {
	if bps >= 0 && bps <= MaxFeeBPS {
		s.feeBPS = bps
	}
	if !recipient.IsZero() {
		s.feeRecipient = recipient
	}
	return s
}

// WithAllowedAssets restricts escrow creation to the listed assets. An empty
// list allows everything.
func (s *Service) WithAllowedAssets(assets ...Asset) *Service {
	if len(assets) == 0 {
		s.allowedAssets = nil
		return s
	}
	s.allowedAssets = make(map[string]bool, len(assets))
	for _, a := range assets {
		s.allowedAssets[a.Key()] = true
	}
	return s
}

// Events returns the service's event log.
func (s *Service) Events() *EventLog {
	return s.events
}

// Operator returns the principal holding admin rights.
func (s *Service) Operator() Principal {
	return s.operator
}

// CreateEscrow locks req.Amount from caller and records a new escrow.
func (s *Service) CreateEscrow(ctx context.Context, caller Principal, req CreateRequest) (*Escrow, error) {
	s.admin.RLock()
	defer s.admin.RUnlock()

	if s.paused {
		return nil, s.reject("create", ErrPaused)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, s.reject("create", ErrInvalidAmount)
	}
	if req.Provider.IsZero() {
		return nil, s.reject("create", ErrInvalidProvider)
	}
	if caller.IsZero() {
		return nil, s.reject("create", ErrUnauthorized)
	}
	if req.Timeout <= 0 {
		return nil, s.reject("create", ErrInvalidTimeout)
	}
	if s.allowedAssets != nil && !s.allowedAssets[req.Asset.Key()] {
		return nil, s.reject("create", ErrAssetNotAllowed)
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: allocate id: %w", err)
	}

	if err := s.custody.Lock(ctx, caller, req.Asset, req.Amount, id); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, s.reject("create", err)
		}
		return nil, fmt.Errorf("escrow: lock funds: %w", err)
	}

	now := s.now()
	e := &Escrow{
		ID:        id,
		Agent:     caller,
		Provider:  req.Provider,
		Amount:    new(big.Int).Set(req.Amount),
		Asset:     req.Asset,
		Endpoint:  req.Endpoint,
		State:     StateCreated,
		CreatedAt: now,
		Timeout:   req.Timeout,
		Locked:    new(big.Int).Set(req.Amount),
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Compensate: give the agent its funds back.
		if rerr := s.custody.Release(ctx, id, Payout{To: caller, Amount: req.Amount}); rerr != nil {
			s.logger.Error("CRITICAL: escrow funds locked without record",
				"escrow_id", id, "agent", caller, "amount", req.Amount.String(), "error", rerr)
		}
		return nil, fmt.Errorf("escrow: create record: %w", err)
	}

	transitionsTotal.WithLabelValues("create", "ok").Inc()
	s.events.Publish(ctx, &Event{
		Type:         EventEscrowCreated,
		EscrowID:     id,
		Actor:        caller,
		Counterparty: req.Provider,
		Amount:       req.Amount.String(),
		CreatedAt:    now,
	})
	return e.Clone(), nil
}

// ConfirmDelivery commits the provider's delivery hash.
func (s *Service) ConfirmDelivery(ctx context.Context, caller Principal, id uint64, hash attest.Hash) (*Escrow, error) {
	return s.transition(ctx, "confirm_delivery", id, func(e *Escrow, now time.Time) (*effect, error) {
		if e.State != StateCreated {
			return nil, ErrWrongState
		}
		if caller != e.Provider && !s.delegates[e.Provider][caller] {
			return nil, ErrUnauthorized
		}
		if hash.IsZero() {
			return nil, ErrInvalidHash
		}
		if !e.DeliveryHash.IsZero() {
			return nil, ErrHashAlreadySet
		}

		e.DeliveryHash = hash
		e.DeliveredAt = &now
		e.State = StateDelivered
		return &effect{events: []*Event{{
			Type:         EventDeliveryConfirmed,
			Actor:        caller,
			Counterparty: e.Provider,
			Hash:         hash.Hex(),
		}}}, nil
	})
}

// ConfirmReceived commits the agent's receipt hash. Equal hashes complete
// the escrow and pay the provider; unequal hashes freeze it as disputed.
// matched reports which happened.
func (s *Service) ConfirmReceived(ctx context.Context, caller Principal, id uint64, hash attest.Hash) (*Escrow, bool, error) {
	var matched bool
	e, err := s.transition(ctx, "confirm_received", id, func(e *Escrow, now time.Time) (*effect, error) {
		if e.State != StateDelivered {
			return nil, ErrWrongState
		}
		if caller != e.Agent {
			return nil, ErrUnauthorized
		}
		if hash.IsZero() {
			return nil, ErrInvalidHash
		}
		if !e.ReceiptHash.IsZero() {
			return nil, ErrHashAlreadySet
		}

		e.ReceiptHash = hash
		matched = attest.Equal(e.DeliveryHash, hash)
		m := matched
		receipt := &Event{Type: EventReceiptConfirmed, Actor: caller, Hash: hash.Hex(), Matched: &m}

		if !matched {
			e.State = StateDisputed
			return &effect{events: []*Event{receipt, {
				Type:         EventDisputeRaised,
				Actor:        caller,
				Counterparty: e.Provider,
				Amount:       e.Amount.String(),
				Hash:         e.DeliveryHash.Hex(),
			}}}, nil
		}

		e.State = StateCompleted
		eff := s.releaseToProvider(e, caller)
		eff.events = append([]*Event{receipt}, eff.events...)
		return eff, nil
	})
	if err != nil {
		return nil, false, err
	}
	return e, matched, nil
}

// ClaimTimeout pays the provider when the agent never confirmed receipt.
func (s *Service) ClaimTimeout(ctx context.Context, caller Principal, id uint64) (*Escrow, error) {
	return s.transition(ctx, "claim_timeout", id, func(e *Escrow, now time.Time) (*effect, error) {
		if e.State != StateDelivered {
			return nil, ErrWrongState
		}
		if caller != e.Provider {
			return nil, ErrUnauthorized
		}
		if !now.After(e.ClaimableAt()) {
			return nil, ErrTimeoutNotReached
		}

		e.State = StateClaimed
		eff := s.releaseToProvider(e, caller)
		eff.events = append([]*Event{{
			Type:         EventTimeoutClaimed,
			Actor:        caller,
			Counterparty: e.Agent,
			Amount:       e.Amount.String(),
		}}, eff.events...)
		return eff, nil
	})
}

// Refund returns the full amount to the agent when the provider never
// delivered.
func (s *Service) Refund(ctx context.Context, caller Principal, id uint64) (*Escrow, error) {
	return s.transition(ctx, "refund", id, func(e *Escrow, now time.Time) (*effect, error) {
		if e.State != StateCreated {
			return nil, ErrWrongState
		}
		if caller != e.Agent {
			return nil, ErrUnauthorized
		}
		if !now.After(e.RefundableAt()) {
			return nil, ErrTimeoutNotReached
		}

		e.State = StateRefunded
		return &effect{
			payouts: []Payout{{To: e.Agent, Amount: new(big.Int).Set(e.Amount)}},
			events: []*Event{{
				Type:   EventRefunded,
				Actor:  caller,
				Amount: e.Amount.String(),
			}},
		}, nil
	})
}

// effect is what a guarded transition wants done after its field writes.
type effect struct {
	payouts []Payout
	events  []*Event
}

// releaseToProvider builds the fee split for a Completed or Claimed escrow.
// Caller holds admin.RLock.
func (s *Service) releaseToProvider(e *Escrow, actor Principal) *effect {
	share, fee := Split(e.Amount, s.feeBPS)
	payouts := []Payout{{To: e.Provider, Amount: share}}
	if fee.Sign() > 0 {
		payouts = append(payouts, Payout{To: s.feeRecipient, Amount: fee})
	}
	return &effect{
		payouts: payouts,
		events: []*Event{{
			Type:         EventFundsReleased,
			Actor:        actor,
			Counterparty: e.Provider,
			Amount:       share.String(),
			Fee:          fee.String(),
		}},
	}
}

// transition runs apply against a fresh copy of the record under the
// per-record lock and the admin read lock, then persists the copy, moves the
// funds and publishes events. A failure at any step leaves the stored record
// and custody as they were.
func (s *Service) transition(ctx context.Context, op string, id uint64, apply func(e *Escrow, now time.Time) (*effect, error)) (*Escrow, error) {
	s.admin.RLock()
	defer s.admin.RUnlock()

	if s.paused {
		return nil, s.reject(op, ErrPaused)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return nil, s.reject(op, err)
		}
		return nil, fmt.Errorf("escrow: load %d: %w", id, err)
	}

	next := current.Clone()
	now := s.now()
	eff, err := apply(next, now)
	if err != nil {
		return nil, s.reject(op, err)
	}
	if len(eff.payouts) > 0 {
		next.Locked = new(big.Int)
	}
	next.UpdatedAt = now

	if err := s.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("escrow: persist %s: %w", op, err)
	}

	if len(eff.payouts) > 0 {
		if err := s.custody.Release(ctx, id, eff.payouts...); err != nil {
			// Compensate: put the record back the way it was.
			if rerr := s.store.Update(ctx, current); rerr != nil {
				s.logger.Error("CRITICAL: escrow record advanced but funds not released",
					"escrow_id", id, "op", op, "state", next.State, "error", rerr)
			}
			return nil, fmt.Errorf("escrow: release funds: %w", err)
		}
	}

	transitionsTotal.WithLabelValues(op, "ok").Inc()
	for _, ev := range eff.events {
		ev.EscrowID = id
		ev.CreatedAt = now
	}
	s.events.Publish(ctx, eff.events...)

	s.logger.Info("escrow transition",
		"escrow_id", id, "op", op, "from", current.State, "to", next.State)
	return next.Clone(), nil
}

func (s *Service) reject(op string, err error) error {
	transitionsTotal.WithLabelValues(op, rejectionLabel(err)).Inc()
	return err
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeoutNotReached):
		return "timeout_not_reached"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "invalid"
	}
}

// Get returns an escrow by id. Reads are allowed while paused.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByPrincipal returns escrows where p is agent or provider.
func (s *Service) ListByPrincipal(ctx context.Context, p Principal, limit int) ([]*Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListByPrincipal(ctx, p, limit)
}

// ListExpired returns open escrows whose deadline has passed at now: Created
// records the agent may refund and Delivered records the provider may claim.
func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) (refundable, claimable []*Escrow, err error) {
	if limit <= 0 {
		limit = 100
	}
	refundable, err = s.store.ListDue(ctx, StateCreated, now, limit)
	if err != nil {
		return nil, nil, err
	}
	claimable, err = s.store.ListDue(ctx, StateDelivered, now, limit)
	if err != nil {
		return nil, nil, err
	}
	return refundable, claimable, nil
}

// Pause halts all transitions. Operator only.
func (s *Service) Pause(caller Principal) error {
	return s.setPaused(caller, true)
}

// Unpause resumes transitions. Operator only.
func (s *Service) Unpause(caller Principal) error {
	return s.setPaused(caller, false)
}

func (s *Service) setPaused(caller Principal, paused bool) error {
	s.admin.Lock()
	defer s.admin.Unlock()
	if caller != s.operator {
		return ErrUnauthorized
	}
	s.paused = paused
	s.logger.Warn("escrow ledger pause changed", "paused", paused, "operator", caller)
	return nil
}

// Paused reports the pause flag.
func (s *Service) Paused() bool {
	s.admin.RLock()
	defer s.admin.RUnlock()
	return s.paused
}

// SetFee changes the fee basis points and recipient. Operator only.
func (s *Service) SetFee(caller Principal, bps int, recipient Principal) error {
	if bps < 0 || bps > MaxFeeBPS {
		return ErrInvalidFee
	}
	s.admin.Lock()
	defer s.admin.Unlock()
	if caller != s.operator {
		return ErrUnauthorized
	}
	s.feeBPS = bps
	if !recipient.IsZero() {
		s.feeRecipient = recipient
	}
	return nil
}

// Fee returns the current fee basis points and recipient.
func (s *Service) Fee() (int, Principal) {
	s.admin.RLock()
	defer s.admin.RUnlock()
	return s.feeBPS, s.feeRecipient
}

// SetDeliveryDelegate lets delegate commit delivery hashes for provider's
// escrows. Operator only.
func (s *Service) SetDeliveryDelegate(caller, provider, delegate Principal) error {
	if provider.IsZero() || delegate.IsZero() {
		return ErrInvalidProvider
	}
	s.admin.Lock()
	defer s.admin.Unlock()
	if caller != s.operator {
		return ErrUnauthorized
	}
	if s.delegates[provider] == nil {
		s.delegates[provider] = make(map[Principal]bool)
	}
	s.delegates[provider][delegate] = true
	return nil
}
