package remote

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const operator escrow.Principal = "0xcccccccccccccccccccccccccccccccccccccccc"

var _ ledger.Ledger = (*Client)(nil)

type env struct {
	server   *httptest.Server
	vault    *escrow.Vault
	agent    *Client
	provider *Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	agentKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	providerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	vault := escrow.NewVault()
	svc := escrow.NewService(escrow.NewMemoryStore(), vault, escrow.NewEventLog(escrow.NewMemoryEventStore(), nil), operator)
	require.NoError(t, vault.Deposit(escrow.NewPrincipal(auth.Address(agentKey)), escrow.Native, big.NewInt(1_000)))

	h := escrow.NewHandler(svc, vault)
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	protected := r.Group("")
	protected.Use(auth.RequireSignature(auth.NewVerifier(0)))
	h.RegisterProtectedRoutes(protected)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &env{
		server:   srv,
		vault:    vault,
		agent:    New(srv.URL, agentKey),
		provider: New(srv.URL+"/", providerKey),
	}
}

func TestClient_Settlement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id, err := e.agent.CreateEscrow(ctx, ledger.CreateParams{
		Provider: e.provider.Principal(),
		Endpoint: "news/top",
		Timeout:  time.Minute,
		Amount:   big.NewInt(200),
		Asset:    escrow.Native,
	})
	require.NoError(t, err)

	got, err := e.agent.GetEscrow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCreated, got.State)
	assert.Equal(t, e.agent.Principal(), got.Agent)
	assert.Equal(t, "200", got.Amount.String())
	assert.Equal(t, time.Minute, got.Timeout)

	h := attest.Digest([]byte("headline"))
	require.NoError(t, e.provider.ConfirmDelivery(ctx, id, h))

	matched, err := e.agent.ConfirmReceived(ctx, id, h)
	require.NoError(t, err)
	assert.True(t, matched)

	got, err = e.provider.GetEscrow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateCompleted, got.State)
	assert.Equal(t, h, got.DeliveryHash)
	assert.Equal(t, h, got.ReceiptHash)
	assert.Equal(t, int64(198), e.vault.Balance(e.provider.Principal(), escrow.Native).Int64())
}

func TestClient_MismatchIsNotAnError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id, err := e.agent.CreateEscrow(ctx, ledger.CreateParams{
		Provider: e.provider.Principal(),
		Timeout:  time.Minute,
		Amount:   big.NewInt(50),
		Asset:    escrow.Native,
	})
	require.NoError(t, err)
	require.NoError(t, e.provider.ConfirmDelivery(ctx, id, attest.Digest([]byte("H1"))))

	matched, err := e.agent.ConfirmReceived(ctx, id, attest.Digest([]byte("H2")))
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestClient_RejectionsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id, err := e.agent.CreateEscrow(ctx, ledger.CreateParams{
		Provider: e.provider.Principal(),
		Timeout:  time.Hour,
		Amount:   big.NewInt(10),
		Asset:    escrow.Native,
	})
	require.NoError(t, err)

	_, err = e.agent.GetEscrow(ctx, 404)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)

	assert.ErrorIs(t, e.agent.Refund(ctx, id), escrow.ErrTimeoutNotReached)
	assert.ErrorIs(t, e.provider.Refund(ctx, id), escrow.ErrUnauthorized)
	assert.ErrorIs(t, e.provider.ClaimTimeout(ctx, id), escrow.ErrWrongState)

	_, err = e.agent.ConfirmReceived(ctx, id, attest.Digest([]byte("x")))
	assert.ErrorIs(t, err, escrow.ErrWrongState)

	_, err = e.provider.CreateEscrow(ctx, ledger.CreateParams{
		Provider: e.agent.Principal(),
		Timeout:  time.Hour,
		Amount:   big.NewInt(10),
		Asset:    escrow.Native,
	})
	assert.ErrorIs(t, err, escrow.ErrInsufficientFunds)
}

func TestClient_TransportFailureIsCallError(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := New("http://127.0.0.1:1", key).WithReadRetry(1, time.Millisecond)

	_, err = c.GetEscrow(context.Background(), 1)
	var ce *ledger.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "getEscrow", ce.Op)
	assert.False(t, escrow.IsRejection(err))
}

func TestClient_RetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"escrow":{"id":7,"state":"created","amount":5,"locked":5}}`))
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := New(srv.URL, key).WithReadRetry(3, time.Millisecond)

	got, err := c.GetEscrow(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := New(srv.URL, key)

	err = c.Refund(context.Background(), 1)
	var ce *ledger.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int32(1), calls.Load())
}
