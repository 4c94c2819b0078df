package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/config"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/ledger/remote"
	"github.com/mbd888/escrowgate/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testKey      = "0000000000000000000000000000000000000000000000000000000000000001"
	adminSecret  = "s3cret"
	providerAddr = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	quoteBody    = `{"symbol":"ETH","bid":"3120.55"}`
)

// testConfig returns a minimal local-ledger config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "json",
		PrivateKey:      testKey,
		LedgerMode:      config.LedgerLocal,
		FeeBPS:          100,
		Faucet:          true,
		SweepInterval:   time.Minute,
		TokenSymbol:     "USDC",
		TokenDecimals:   6,
		CatalogTimeout:  config.DefaultCatalogTimeout,
		LedgerTimeout:   config.DefaultLedgerTimeout,
		UpstreamTimeout: config.DefaultUpstreamTimeout,
		EscrowTimeout:   config.DefaultEscrowTimeout,
		AdminSecret:     adminSecret,
		SignatureWindow: config.DefaultSignatureWindow,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithShutdownDelay(0), WithVersion("test")}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func balanceOf(t *testing.T, s *Server, p escrow.Principal) int64 {
	t.Helper()
	bal, err := s.Accounts().BalanceOf(context.Background(), p, escrow.Native)
	require.NoError(t, err)
	return bal.Int64()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNew_RejectsBadKey(t *testing.T) {
	cfg := testConfig()
	cfg.PrivateKey = "zz"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := do(t, r, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["ledger"])
	assert.Equal(t, "healthy", resp.Checks["catalog"])
	assert.Equal(t, "healthy", resp.Checks["upstreams"])

	w = do(t, r, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it so.
	w = do(t, r, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInfo(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.TokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	})

	w := do(t, s.Router(), http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(s.Principal()), body["principal"])
	assert.Equal(t, "local", body["ledger"])
	assert.Equal(t, []interface{}{"ETH", "USDC"}, body["assets"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s.Router(), http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(t, s.Router(), http.MethodGet, "/health/live", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// A full paid call: provider registers, agent pays through the signed ledger
// API, gateway delivers, agent attests receipt.
func TestPaidCall_EndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(quoteBody))
	}))
	defer upstream.Close()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	reg, _ := json.Marshal(map[string]interface{}{
		"id":       "quotes",
		"name":     "Quotes",
		"provider": providerAddr,
		"baseUrl":  upstream.URL,
		"endpoints": []map[string]string{
			{"path": "/spot", "price": "0.0000000000000001"},
		},
	})
	w := do(t, s.Router(), http.MethodPost, "/register", reg, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	agentKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	agent := escrow.NewPrincipal(auth.Address(agentKey))
	require.NoError(t, s.Accounts().Credit(context.Background(), agent, escrow.Native, big.NewInt(1_000)))

	c := client.New(remote.New(srv.URL, agentKey))
	res, err := c.Call(context.Background(), http.MethodGet, srv.URL+"/proxy/quotes/spot", nil)
	require.NoError(t, err)
	assert.Equal(t, quoteBody, string(res.Body))
	assert.True(t, res.Matched)
	assert.True(t, res.HeaderMatches)
	assert.Equal(t, escrow.StateCompleted, res.State)

	// 99 to the provider, 1 fee to the gateway, 900 left with the agent.
	assert.Equal(t, int64(900), balanceOf(t, s, agent))
	assert.Equal(t, int64(99), balanceOf(t, s, providerAddr))
	assert.Equal(t, int64(1), balanceOf(t, s, s.Principal()))

	ref := ledger.FormatID(res.EscrowID)

	w = do(t, s.Router(), http.MethodGet, "/escrows/"+ref, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "completed", body["escrow"].(map[string]interface{})["state"])
	assert.Equal(t, "local", body["ledgerRef"])

	w = do(t, s.Router(), http.MethodGet, "/escrows/"+ref+"/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, decode(t, w)["count"], float64(3))

	w = do(t, s.Router(), http.MethodGet, "/mediations/"+ref, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestEscrowReadThrough_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(t, s.Router(), http.MethodGet, "/escrows/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Router(), http.MethodGet, "/escrows/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "escrow_not_found", decode(t, w)["error"])
}

func TestSignedRoutesRequireSignature(t *testing.T) {
	s := newTestServer(t, nil)

	body := []byte(`{"provider":"` + providerAddr + `","endpoint":"/spot","timeoutSecs":60,"amount":"100"}`)
	w := do(t, s.Router(), http.MethodPost, "/ledger/escrows", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/ledger/faucet", []byte(`{"amount":"1"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCatalogIsRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPM = 1
		c.RateLimitBurst = 1
	})
	r := s.Router()

	w := do(t, r, http.MethodGet, "/catalog", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/catalog", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Other surfaces are not charged to the catalog bucket.
	w = do(t, r, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminPause(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.Router()

	w := do(t, r, http.MethodPost, "/admin/pause", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/admin/pause", nil, map[string]string{"X-Admin-Secret": adminSecret})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/ledger/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["paused"])

	w = do(t, r, http.MethodPost, "/admin/unpause", nil, map[string]string{"Authorization": "Bearer " + adminSecret})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/ledger/status", nil, nil)
	assert.Equal(t, false, decode(t, w)["paused"])
}

// Without a local ledger the server only proxies and reads through.
func TestRemoteMode_ReadThroughOnly(t *testing.T) {
	vault := escrow.NewVault()
	agent := escrow.Principal("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, vault.Deposit(agent, escrow.Native, big.NewInt(500)))
	svc := escrow.NewService(escrow.NewMemoryStore(), vault,
		escrow.NewEventLog(escrow.NewMemoryEventStore(), nil), "0xcccccccccccccccccccccccccccccccccccccccc")
	e, err := svc.CreateEscrow(context.Background(), agent, escrow.CreateRequest{
		Provider: providerAddr,
		Endpoint: "/spot",
		Timeout:  time.Minute,
		Amount:   big.NewInt(100),
		Asset:    escrow.Native,
	})
	require.NoError(t, err)

	s := newTestServer(t, func(cfg *config.Config) {
		cfg.LedgerMode = config.LedgerRemote
		cfg.RemoteLedgerURL = "http://ledger.invalid"
	}, WithLedger(ledger.NewLocal(svc, agent)))
	r := s.Router()
	assert.Nil(t, s.Accounts())

	w := do(t, r, http.MethodGet, "/escrows/"+ledger.FormatID(e.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "created", decode(t, w)["escrow"].(map[string]interface{})["state"])

	w = do(t, r, http.MethodGet, "/escrows/"+ledger.FormatID(e.ID)+"/events", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	for _, path := range []string{"/ledger/status", "/ws/events"} {
		w = do(t, r, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w = do(t, r, http.MethodPost, "/admin/pause", nil, map[string]string{"X-Admin-Secret": adminSecret})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	// The sweeper loop comes up in the background.
	deadline := time.Now().Add(2 * time.Second)
	for !s.sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, s.sweeper.Running())

	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://gw:hunter2@db:5432/escrowgate")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "db:5432/escrowgate")
	assert.Equal(t, "postgres://db/escrowgate", maskDSN("postgres://db/escrowgate"))
}
