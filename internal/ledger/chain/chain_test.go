package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	contractAddr = "0x1111111111111111111111111111111111111111"
	tokenAddr    = "0x2222222222222222222222222222222222222222"
	providerHex  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeClient struct {
	mu          sync.Mutex
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	onSend      func(tx *types.Transaction) *types.Receipt
	estimateErr error
	callResult  func(call ethereum.CallMsg) ([]byte, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 120_000, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	r := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: big.NewInt(1)}
	if f.onSend != nil {
		r = f.onSend(tx)
		r.TxHash = tx.Hash()
	}
	f.receipts[tx.Hash()] = r
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callResult == nil {
		return nil, errors.New("no call result")
	}
	return f.callResult(call)
}

func (f *fakeClient) Close() {}

func (f *fakeClient) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestLedger(t *testing.T, client *fakeClient) *Ledger {
	t.Helper()
	l, err := New(Config{
		RPCURL:     "http://unused",
		PrivateKey: testKey,
		ChainID:    84532,
		Contract:   contractAddr,
	}, WithClient(client), WithPollInterval(time.Millisecond), WithConfirmationTimeout(time.Second))
	require.NoError(t, err)
	return l
}

func parsedEscrowABI(t *testing.T) abi.ABI {
	t.Helper()
	a, err := abi.JSON(strings.NewReader(escrowABI))
	require.NoError(t, err)
	return a
}

func eventLog(t *testing.T, a abi.ABI, name string, id uint64, indexed []common.Hash, args ...interface{}) *types.Log {
	t.Helper()
	ev := a.Events[name]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	topics := append([]common.Hash{ev.ID, common.BigToHash(new(big.Int).SetUint64(id))}, indexed...)
	return &types.Log{Address: common.HexToAddress(contractAddr), Topics: topics, Data: data}
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{PrivateKey: testKey, ChainID: 1, Contract: contractAddr})
	assert.ErrorIs(t, err, ErrRPCConnection)

	_, err = New(Config{RPCURL: "x", PrivateKey: "abc", ChainID: 1, Contract: contractAddr})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = New(Config{RPCURL: "x", PrivateKey: testKey, Contract: contractAddr})
	assert.Error(t, err)

	_, err = New(Config{RPCURL: "x", PrivateKey: testKey, ChainID: 1, Contract: "nope"})
	assert.Error(t, err)
}

func TestLedger_PrincipalAndRef(t *testing.T) {
	l := newTestLedger(t, newFakeClient())

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, escrow.NewPrincipal(crypto.PubkeyToAddress(key.PublicKey).Hex()), l.Principal())
	assert.Equal(t, ledger.Ref{Ledger: contractAddr, Chain: "eip155:84532"}, l.Ref())
}

func TestLedger_CreateNativeEscrow(t *testing.T) {
	a := parsedEscrowABI(t)
	client := newFakeClient()
	client.onSend = func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs: []*types.Log{eventLog(t, a, "EscrowCreated", 17,
				[]common.Hash{common.BytesToHash([]byte{0xaa}), common.HexToHash(providerHex)},
				common.Address{}, big.NewInt(100))},
		}
	}
	l := newTestLedger(t, client)

	id, err := l.CreateEscrow(context.Background(), ledger.CreateParams{
		Provider: providerHex,
		Endpoint: "forecast",
		Timeout:  5 * time.Minute,
		Amount:   big.NewInt(100),
		Asset:    escrow.Native,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(17), id)

	txs := client.sentTxs()
	require.Len(t, txs, 1)
	assert.Equal(t, big.NewInt(100), txs[0].Value())
	assert.Equal(t, common.HexToAddress(contractAddr), *txs[0].To())

	method, err := a.MethodById(txs[0].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "createEscrow", method.Name)
	args, err := method.Inputs.Unpack(txs[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(providerHex), args[0])
	assert.Equal(t, "forecast", args[1])
	assert.Equal(t, uint64(300), args[2])
}

func TestLedger_CreateTokenEscrowApprovesFirst(t *testing.T) {
	a := parsedEscrowABI(t)
	client := newFakeClient()
	client.callResult = func(call ethereum.CallMsg) ([]byte, error) {
		// allowance() == 0
		return common.LeftPadBytes(nil, 32), nil
	}
	client.onSend = func(tx *types.Transaction) *types.Receipt {
		r := &types.Receipt{Status: types.ReceiptStatusSuccessful}
		if *tx.To() == common.HexToAddress(contractAddr) {
			r.Logs = []*types.Log{eventLog(t, a, "EscrowCreated", 3,
				[]common.Hash{common.BytesToHash([]byte{0xaa}), common.HexToHash(providerHex)},
				common.HexToAddress(tokenAddr), big.NewInt(2_500))}
		}
		return r
	}
	l := newTestLedger(t, client)

	id, err := l.CreateEscrow(context.Background(), ledger.CreateParams{
		Provider: providerHex,
		Timeout:  time.Minute,
		Amount:   big.NewInt(2_500),
		Asset:    escrow.Token(tokenAddr),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	txs := client.sentTxs()
	require.Len(t, txs, 2)
	assert.Equal(t, common.HexToAddress(tokenAddr), *txs[0].To(), "approve goes to the token")
	assert.Equal(t, common.HexToAddress(contractAddr), *txs[1].To())
	assert.Equal(t, 0, txs[1].Value().Sign())

	method, err := a.MethodById(txs[1].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "createEscrowToken", method.Name)
}

func TestLedger_ConfirmReceivedDecodesOutcome(t *testing.T) {
	a := parsedEscrowABI(t)
	h := attest.Digest([]byte("payload"))

	for _, matched := range []bool{true, false} {
		client := newFakeClient()
		client.onSend = func(tx *types.Transaction) *types.Receipt {
			return &types.Receipt{
				Status: types.ReceiptStatusSuccessful,
				Logs:   []*types.Log{eventLog(t, a, "ReceiptConfirmed", 9, nil, [32]byte(h), matched)},
			}
		}
		l := newTestLedger(t, client)

		got, err := l.ConfirmReceived(context.Background(), 9, h)
		require.NoError(t, err)
		assert.Equal(t, matched, got)
	}
}

func TestLedger_ConfirmReceivedFallsBackToOutcomeEvents(t *testing.T) {
	a := parsedEscrowABI(t)
	client := newFakeClient()
	client.onSend = func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{eventLog(t, a, "DisputeRaised", 9, nil)},
		}
	}
	l := newTestLedger(t, client)

	matched, err := l.ConfirmReceived(context.Background(), 9, attest.Digest([]byte("x")))
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestLedger_RevertsBecomeRejections(t *testing.T) {
	client := newFakeClient()
	client.estimateErr = errors.New("execution reverted: WrongState")
	l := newTestLedger(t, client)

	err := l.ConfirmDelivery(context.Background(), 1, attest.Digest([]byte("x")))
	assert.ErrorIs(t, err, escrow.ErrWrongState)
	assert.Empty(t, client.sentTxs(), "nothing is broadcast after a revert")

	client.estimateErr = errors.New("execution reverted: TimeoutNotReached")
	assert.ErrorIs(t, l.Refund(context.Background(), 1), escrow.ErrTimeoutNotReached)
}

func TestLedger_FailedReceiptIsCallError(t *testing.T) {
	client := newFakeClient()
	client.onSend = func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{Status: types.ReceiptStatusFailed}
	}
	l := newTestLedger(t, client)

	err := l.ClaimTimeout(context.Background(), 4)
	var ce *ledger.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "claimTimeout", ce.Op)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestLedger_GetEscrow(t *testing.T) {
	a := parsedEscrowABI(t)
	h := attest.Digest([]byte("payload"))
	agent := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	client := newFakeClient()
	client.callResult = func(call ethereum.CallMsg) ([]byte, error) {
		return a.Methods["getEscrow"].Outputs.Pack(
			agent,
			common.HexToAddress(providerHex),
			big.NewInt(100),
			common.Address{},
			"forecast",
			[32]byte(h),
			[32]byte{},
			uint8(1),
			uint64(1_700_000_000),
			uint64(1_700_000_060),
			uint64(300),
		)
	}
	l := newTestLedger(t, client)

	e, err := l.GetEscrow(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.ID)
	assert.Equal(t, escrow.NewPrincipal(agent.Hex()), e.Agent)
	assert.Equal(t, escrow.Principal(providerHex), e.Provider)
	assert.Equal(t, escrow.StateDelivered, e.State)
	assert.Equal(t, escrow.Native, e.Asset)
	assert.Equal(t, h, e.DeliveryHash)
	assert.True(t, e.ReceiptHash.IsZero())
	assert.Equal(t, 5*time.Minute, e.Timeout)
	require.NotNil(t, e.DeliveredAt)
	assert.Equal(t, int64(1_700_000_060), e.DeliveredAt.Unix())
	assert.Equal(t, "100", e.Locked.String())
}

func TestLedger_GetEscrowNotFound(t *testing.T) {
	a := parsedEscrowABI(t)
	client := newFakeClient()
	client.callResult = func(call ethereum.CallMsg) ([]byte, error) {
		return a.Methods["getEscrow"].Outputs.Pack(
			common.Address{}, common.Address{}, big.NewInt(0), common.Address{}, "",
			[32]byte{}, [32]byte{}, uint8(0), uint64(0), uint64(0), uint64(0),
		)
	}
	l := newTestLedger(t, client)

	_, err := l.GetEscrow(context.Background(), 99)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestClassifyRevert(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"execution reverted: EscrowNotFound", escrow.ErrEscrowNotFound},
		{"execution reverted: wrong_state", escrow.ErrWrongState},
		{"execution reverted: Unauthorized()", escrow.ErrUnauthorized},
		{"execution reverted: Paused", escrow.ErrPaused},
		{"execution reverted", nil},
		{"connection refused", nil},
		{"insufficient funds for gas * price + value", nil},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRevert(errors.New(tt.msg)))
		})
	}
}
