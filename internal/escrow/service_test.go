package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	agentAddr    Principal = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	providerAddr Principal = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	operatorAddr Principal = "0xcccccccccccccccccccccccccccccccccccccccc"
	gatewayAddr  Principal = "0xdddddddddddddddddddddddddddddddddddddddd"
	strangerAddr Principal = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc   *Service
	vault *Vault
	store *MemoryStore
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	vault := NewVault()
	clock := newFakeClock()
	svc := NewService(store, vault, NewEventLog(NewMemoryEventStore(), nil), operatorAddr).
		WithClock(clock.Now)
	require.NoError(t, vault.Deposit(agentAddr, Native, big.NewInt(1_000)))
	return &harness{svc: svc, vault: vault, store: store, clock: clock}
}

func (h *harness) create(t *testing.T, amount int64, timeout time.Duration) *Escrow {
	t.Helper()
	e, err := h.svc.CreateEscrow(context.Background(), agentAddr, CreateRequest{
		Provider: providerAddr,
		Endpoint: "weather/forecast",
		Timeout:  timeout,
		Amount:   big.NewInt(amount),
		Asset:    Native,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) balance(p Principal) int64 {
	return h.vault.Balance(p, Native).Int64()
}

func TestCreateEscrow_LocksFunds(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, 100, 5*time.Minute)

	assert.Equal(t, uint64(1), e.ID)
	assert.Equal(t, StateCreated, e.State)
	assert.Equal(t, h.clock.Now(), e.CreatedAt)
	assert.Equal(t, int64(100), e.Locked.Int64())
	assert.Equal(t, int64(900), h.balance(agentAddr))
	assert.Equal(t, int64(100), h.vault.Held(e.ID).Int64())

	second := h.create(t, 1, time.Minute)
	assert.Equal(t, uint64(2), second.ID)
}

func TestCreateEscrow_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := CreateRequest{Provider: providerAddr, Timeout: time.Minute, Amount: big.NewInt(1), Asset: Native}

	tests := []struct {
		name   string
		caller Principal
		mutate func(r *CreateRequest)
		want   error
	}{
		{"zero amount", agentAddr, func(r *CreateRequest) { r.Amount = big.NewInt(0) }, ErrInvalidAmount},
		{"nil amount", agentAddr, func(r *CreateRequest) { r.Amount = nil }, ErrInvalidAmount},
		{"zero provider", agentAddr, func(r *CreateRequest) { r.Provider = zeroPrincipal }, ErrInvalidProvider},
		{"empty provider", agentAddr, func(r *CreateRequest) { r.Provider = "" }, ErrInvalidProvider},
		{"zero timeout", agentAddr, func(r *CreateRequest) { r.Timeout = 0 }, ErrInvalidTimeout},
		{"over balance", agentAddr, func(r *CreateRequest) { r.Amount = big.NewInt(1_001) }, ErrInsufficientFunds},
		{"no balance", strangerAddr, func(r *CreateRequest) {}, ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.svc.CreateEscrow(ctx, tt.caller, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(1_000), h.balance(agentAddr), "failed creates must not move funds")
}

func TestCreateEscrow_AssetAllowList(t *testing.T) {
	h := newHarness(t)
	usdc := Token("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	h.svc.WithAllowedAssets(usdc)

	_, err := h.svc.CreateEscrow(context.Background(), agentAddr, CreateRequest{
		Provider: providerAddr, Timeout: time.Minute, Amount: big.NewInt(1), Asset: Native,
	})
	assert.ErrorIs(t, err, ErrAssetNotAllowed)
}

// 100 units at the default 1% fee: provider gets 99, fee recipient gets 1.
func TestHappyPath_MatchingHashesPayProviderMinusFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, 5*time.Minute)

	h1 := attest.Digest([]byte(`{"forecast":"sunny"}`))
	delivered, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, h1)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, delivered.State)
	require.NotNil(t, delivered.DeliveredAt)

	done, matched, err := h.svc.ConfirmReceived(ctx, agentAddr, e.ID, h1)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, int64(0), done.Locked.Int64())

	assert.Equal(t, int64(99), h.balance(providerAddr))
	assert.Equal(t, int64(1), h.balance(operatorAddr))
	assert.Equal(t, int64(900), h.balance(agentAddr))
	assert.Equal(t, int64(0), h.vault.Held(e.ID).Int64())
}

func TestMismatch_DisputesAndFreezesFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, 5*time.Minute)

	h1 := attest.Digest([]byte("what the gateway saw"))
	h2 := attest.Digest([]byte("what the agent saw"))
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, h1)
	require.NoError(t, err)

	disputed, matched, err := h.svc.ConfirmReceived(ctx, agentAddr, e.ID, h2)
	require.NoError(t, err, "a mismatch is an outcome, not an error")
	assert.False(t, matched)
	assert.Equal(t, StateDisputed, disputed.State)
	assert.Equal(t, h1, disputed.DeliveryHash)
	assert.Equal(t, h2, disputed.ReceiptHash)

	assert.Equal(t, int64(100), h.vault.Held(e.ID).Int64())
	assert.Equal(t, int64(0), h.balance(providerAddr))
	assert.Equal(t, int64(900), h.balance(agentAddr))

	// Disputed is terminal for every operation.
	_, err = h.svc.ClaimTimeout(ctx, providerAddr, e.ID)
	assert.ErrorIs(t, err, ErrWrongState)
	_, err = h.svc.Refund(ctx, agentAddr, e.ID)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestRefund_OnlyAfterTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, 300*time.Second)

	h.clock.Advance(299 * time.Second)
	_, err := h.svc.Refund(ctx, agentAddr, e.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	h.clock.Advance(1 * time.Second)
	_, err = h.svc.Refund(ctx, agentAddr, e.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached, "the deadline itself is not past it")

	h.clock.Advance(1 * time.Second)
	refunded, err := h.svc.Refund(ctx, agentAddr, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, int64(1_000), h.balance(agentAddr))
}

func TestRefund_WrongCaller(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, 100, time.Second)
	h.clock.Advance(time.Minute)

	_, err := h.svc.Refund(context.Background(), providerAddr, e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClaimTimeout_AfterDeliveryWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 1_000, time.Minute)

	h.clock.Advance(30 * time.Second)
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Digest([]byte("x")))
	require.NoError(t, err)

	// The window runs from delivery, not creation.
	h.clock.Advance(45 * time.Second)
	_, err = h.svc.ClaimTimeout(ctx, providerAddr, e.ID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	h.clock.Advance(16 * time.Second)
	_, err = h.svc.ClaimTimeout(ctx, agentAddr, e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	claimed, err := h.svc.ClaimTimeout(ctx, providerAddr, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, claimed.State)
	assert.Equal(t, int64(990), h.balance(providerAddr))
	assert.Equal(t, int64(10), h.balance(operatorAddr))
}

func TestTimeoutExclusivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Digest([]byte("x")))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.svc.Refund(ctx, agentAddr, e.ID)
	assert.ErrorIs(t, err, ErrWrongState, "delivered escrows can only be claimed or confirmed")

	_, err = h.svc.ClaimTimeout(ctx, providerAddr, e.ID)
	require.NoError(t, err)
}

func TestConfirmDelivery_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)

	_, err := h.svc.ConfirmDelivery(ctx, agentAddr, e.ID, attest.Digest([]byte("x")))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Hash{})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, 999, attest.Digest([]byte("x")))
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	first := attest.Digest([]byte("first"))
	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, first)
	require.NoError(t, err)

	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Digest([]byte("second")))
	assert.ErrorIs(t, err, ErrWrongState)

	got, err := h.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got.DeliveryHash, "delivery hash is write-once")
}

func TestConfirmReceived_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)
	hash := attest.Digest([]byte("x"))

	_, _, err := h.svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
	assert.ErrorIs(t, err, ErrWrongState, "no receipt before delivery")

	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, hash)
	require.NoError(t, err)

	_, _, err = h.svc.ConfirmReceived(ctx, providerAddr, e.ID, hash)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = h.svc.ConfirmReceived(ctx, agentAddr, e.ID, attest.Hash{})
	assert.ErrorIs(t, err, ErrInvalidHash)
}

// Every (state, operation) pair outside the transition table is rejected
// with ErrWrongState, even when caller and timing would otherwise pass.
func TestStateMachineTotality(t *testing.T) {
	hash := attest.Digest([]byte("payload"))
	other := attest.Digest([]byte("other"))

	setups := map[State]func(t *testing.T, h *harness) uint64{
		StateCreated: func(t *testing.T, h *harness) uint64 {
			return h.create(t, 100, time.Minute).ID
		},
		StateDelivered: func(t *testing.T, h *harness) uint64 {
			e := h.create(t, 100, time.Minute)
			_, err := h.svc.ConfirmDelivery(context.Background(), providerAddr, e.ID, hash)
			require.NoError(t, err)
			return e.ID
		},
		StateCompleted: func(t *testing.T, h *harness) uint64 {
			e := h.create(t, 100, time.Minute)
			_, err := h.svc.ConfirmDelivery(context.Background(), providerAddr, e.ID, hash)
			require.NoError(t, err)
			_, _, err = h.svc.ConfirmReceived(context.Background(), agentAddr, e.ID, hash)
			require.NoError(t, err)
			return e.ID
		},
		StateDisputed: func(t *testing.T, h *harness) uint64 {
			e := h.create(t, 100, time.Minute)
			_, err := h.svc.ConfirmDelivery(context.Background(), providerAddr, e.ID, hash)
			require.NoError(t, err)
			_, _, err = h.svc.ConfirmReceived(context.Background(), agentAddr, e.ID, other)
			require.NoError(t, err)
			return e.ID
		},
		StateRefunded: func(t *testing.T, h *harness) uint64 {
			e := h.create(t, 100, time.Minute)
			h.clock.Advance(2 * time.Minute)
			_, err := h.svc.Refund(context.Background(), agentAddr, e.ID)
			require.NoError(t, err)
			return e.ID
		},
		StateClaimed: func(t *testing.T, h *harness) uint64 {
			e := h.create(t, 100, time.Minute)
			_, err := h.svc.ConfirmDelivery(context.Background(), providerAddr, e.ID, hash)
			require.NoError(t, err)
			h.clock.Advance(2 * time.Minute)
			_, err = h.svc.ClaimTimeout(context.Background(), providerAddr, e.ID)
			require.NoError(t, err)
			return e.ID
		},
	}

	ops := map[string]func(h *harness, id uint64) error{
		"confirm_delivery": func(h *harness, id uint64) error {
			_, err := h.svc.ConfirmDelivery(context.Background(), providerAddr, id, other)
			return err
		},
		"confirm_received": func(h *harness, id uint64) error {
			_, _, err := h.svc.ConfirmReceived(context.Background(), agentAddr, id, hash)
			return err
		},
		"claim_timeout": func(h *harness, id uint64) error {
			_, err := h.svc.ClaimTimeout(context.Background(), providerAddr, id)
			return err
		},
		"refund": func(h *harness, id uint64) error {
			_, err := h.svc.Refund(context.Background(), agentAddr, id)
			return err
		},
	}

	allowed := map[State]map[string]bool{
		StateCreated:   {"confirm_delivery": true, "refund": true},
		StateDelivered: {"confirm_received": true, "claim_timeout": true},
	}

	for state, setup := range setups {
		for name, op := range ops {
			if allowed[state][name] {
				continue
			}
			t.Run(string(state)+"/"+name, func(t *testing.T) {
				h := newHarness(t)
				id := setup(t, h)
				before, err := h.svc.Get(context.Background(), id)
				require.NoError(t, err)
				require.Equal(t, state, before.State)

				h.clock.Advance(time.Hour)
				assert.ErrorIs(t, op(h, id), ErrWrongState)

				after, err := h.svc.Get(context.Background(), id)
				require.NoError(t, err)
				assert.Equal(t, before, after, "rejected operations leave the record untouched")
			})
		}
	}
}

func TestFeeSplit(t *testing.T) {
	tests := []struct {
		amount   int64
		bps      int
		provider int64
		fee      int64
	}{
		{100, 100, 99, 1},
		{1, 100, 0, 1},
		{199, 100, 197, 2},
		{10_000, 0, 10_000, 0},
		{10_000, 1000, 9_000, 1_000},
		{7, 250, 6, 1},
	}
	for _, tt := range tests {
		share, fee := Split(big.NewInt(tt.amount), tt.bps)
		assert.Equal(t, tt.provider, share.Int64(), "share of %d at %d bps", tt.amount, tt.bps)
		assert.Equal(t, tt.fee, fee.Int64(), "fee of %d at %d bps", tt.amount, tt.bps)
		assert.Equal(t, tt.amount, new(big.Int).Add(share, fee).Int64())
	}
}

func TestSetFee(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.SetFee(strangerAddr, 50, ""), ErrUnauthorized)
	assert.ErrorIs(t, h.svc.SetFee(operatorAddr, MaxFeeBPS+1, ""), ErrInvalidFee)
	require.NoError(t, h.svc.SetFee(operatorAddr, 0, gatewayAddr))

	bps, recipient := h.svc.Fee()
	assert.Equal(t, 0, bps)
	assert.Equal(t, gatewayAddr, recipient)

	ctx := context.Background()
	e := h.create(t, 100, time.Minute)
	hash := attest.Digest([]byte("x"))
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, hash)
	require.NoError(t, err)
	_, _, err = h.svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.balance(providerAddr))
}

func TestPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)

	assert.ErrorIs(t, h.svc.Pause(strangerAddr), ErrUnauthorized)
	require.NoError(t, h.svc.Pause(operatorAddr))
	assert.True(t, h.svc.Paused())

	_, err := h.svc.CreateEscrow(ctx, agentAddr, CreateRequest{
		Provider: providerAddr, Timeout: time.Minute, Amount: big.NewInt(1), Asset: Native,
	})
	assert.ErrorIs(t, err, ErrPaused)
	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Digest([]byte("x")))
	assert.ErrorIs(t, err, ErrPaused)

	got, err := h.svc.Get(ctx, e.ID)
	require.NoError(t, err, "reads work while paused")
	assert.Equal(t, StateCreated, got.State)

	require.NoError(t, h.svc.Unpause(operatorAddr))
	_, err = h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, attest.Digest([]byte("x")))
	require.NoError(t, err)
}

// Delegated delivery lets the gateway commit the hash it computed. A
// deployment where providers confirm directly simply registers no delegate.
func TestDeliveryDelegate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)
	hash := attest.Digest([]byte("x"))

	_, err := h.svc.ConfirmDelivery(ctx, gatewayAddr, e.ID, hash)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, h.svc.SetDeliveryDelegate(strangerAddr, providerAddr, gatewayAddr), ErrUnauthorized)
	require.NoError(t, h.svc.SetDeliveryDelegate(operatorAddr, providerAddr, gatewayAddr))

	_, err = h.svc.ConfirmDelivery(ctx, gatewayAddr, e.ID, hash)
	require.NoError(t, err)

	// Delegation covers delivery only.
	h.clock.Advance(time.Hour)
	_, err = h.svc.ClaimTimeout(ctx, gatewayAddr, e.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConcurrentReceipt_SingleRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, time.Minute)
	hash := attest.Digest([]byte("x"))
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, hash)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var successes, wrongState atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrWrongState):
				wrongState.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(19), wrongState.Load())
	assert.Equal(t, int64(99), h.balance(providerAddr))
}

func TestFundConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	supply := h.vault.Supply(Native).Int64()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		e := h.create(t, int64(10+i), time.Minute)
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			hash := attest.Digest([]byte{byte(i)})
			switch i % 3 {
			case 0:
				_, _ = h.svc.ConfirmDelivery(ctx, providerAddr, id, hash)
				_, _, _ = h.svc.ConfirmReceived(ctx, agentAddr, id, hash)
			case 1:
				_, _ = h.svc.ConfirmDelivery(ctx, providerAddr, id, hash)
				_, _, _ = h.svc.ConfirmReceived(ctx, agentAddr, id, attest.Digest([]byte("no")))
			}
		}(i, e.ID)
	}
	wg.Wait()

	h.clock.Advance(time.Hour)
	for id := uint64(1); id <= 10; id++ {
		_, _ = h.svc.Refund(ctx, agentAddr, id)
	}

	assert.Equal(t, supply, h.vault.Supply(Native).Int64())
	for id := uint64(1); id <= 10; id++ {
		e, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, e.Locked.Int64(), h.vault.Held(id).Int64(), "escrow %d custody", id)
	}
}

type failingCustody struct {
	*Vault
	failRelease bool
}

func (f *failingCustody) Release(ctx context.Context, ref uint64, payouts ...Payout) error {
	if f.failRelease {
		return errors.New("custody offline")
	}
	return f.Vault.Release(ctx, ref, payouts...)
}

func TestTransition_ReleaseFailureRollsBack(t *testing.T) {
	store := NewMemoryStore()
	custody := &failingCustody{Vault: NewVault()}
	svc := NewService(store, custody, NewEventLog(NewMemoryEventStore(), nil), operatorAddr)
	require.NoError(t, custody.Deposit(agentAddr, Native, big.NewInt(100)))
	ctx := context.Background()

	e, err := svc.CreateEscrow(ctx, agentAddr, CreateRequest{
		Provider: providerAddr, Timeout: time.Minute, Amount: big.NewInt(100), Asset: Native,
	})
	require.NoError(t, err)
	hash := attest.Digest([]byte("x"))
	_, err = svc.ConfirmDelivery(ctx, providerAddr, e.ID, hash)
	require.NoError(t, err)

	custody.failRelease = true
	_, _, err = svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
	require.Error(t, err)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, got.State)
	assert.True(t, got.ReceiptHash.IsZero())
	assert.Equal(t, int64(100), custody.Held(e.ID).Int64())

	custody.failRelease = false
	_, matched, err := svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestEvents_PublishedInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ch, cancel := h.svc.Events().Subscribe(16)
	defer cancel()

	e := h.create(t, 100, time.Minute)
	hash := attest.Digest([]byte("x"))
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, e.ID, hash)
	require.NoError(t, err)
	_, _, err = h.svc.ConfirmReceived(ctx, agentAddr, e.ID, hash)
	require.NoError(t, err)

	want := []EventType{EventEscrowCreated, EventDeliveryConfirmed, EventReceiptConfirmed, EventFundsReleased}
	for _, typ := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, e.ID, ev.EscrowID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}

	history, err := h.svc.Events().ByEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "99", history[3].Amount)
	assert.Equal(t, "1", history[3].Fee)
	require.NotNil(t, history[2].Matched)
	assert.True(t, *history[2].Matched)
}

func TestEvents_DisputeAndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, 10, time.Minute)
	_, err := h.svc.ConfirmDelivery(ctx, providerAddr, a.ID, attest.Digest([]byte("a")))
	require.NoError(t, err)
	_, _, err = h.svc.ConfirmReceived(ctx, agentAddr, a.ID, attest.Digest([]byte("b")))
	require.NoError(t, err)

	b := h.create(t, 10, time.Minute)
	h.clock.Advance(2 * time.Minute)
	_, err = h.svc.Refund(ctx, agentAddr, b.ID)
	require.NoError(t, err)

	all, err := h.svc.Events().Since(ctx, 0, 0)
	require.NoError(t, err)
	var types []EventType
	for _, ev := range all {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventEscrowCreated, EventDeliveryConfirmed, EventReceiptConfirmed, EventDisputeRaised,
		EventEscrowCreated, EventRefunded,
	}, types)
	for i, ev := range all {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestEvents_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	_, cancel := h.svc.Events().Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.create(t, 1, time.Minute)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}
}

func TestListByPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, 1, time.Minute)
	h.create(t, 2, time.Minute)

	mine, err := h.svc.ListByPrincipal(ctx, providerAddr, 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(2), mine[0].ID, "newest first")

	none, err := h.svc.ListByPrincipal(ctx, strangerAddr, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
