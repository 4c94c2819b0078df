// Package chain is a Ledger backed by an EVM escrow contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: timed out waiting for receipt")
	ErrMissingEvent      = errors.New("chain: expected event not found in receipt")
)

// TxError wraps a failed write with its transaction hash, when one exists.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const (
	// DefaultGasLimit is used when estimation fails without a revert reason.
	DefaultGasLimit = uint64(300_000)

	// DefaultConfirmationTimeout bounds the wait for a receipt.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for connecting to the escrow contract.
type Config struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64
	Contract   string
}

// Option configures the ledger.
type Option func(*Ledger)

// WithClient sets a custom Ethereum client.
func WithClient(client EthClient) Option {
	return func(l *Ledger) {
		l.client = client
	}
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.pollInterval = d
	}
}

// WithConfirmationTimeout overrides how long writes wait for a receipt.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.confirmTimeout = d
	}
}

// Ledger signs and sends escrow contract calls as one key.
type Ledger struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	escrowABI  abi.ABI
	erc20ABI   abi.ABI

	pollInterval   time.Duration
	confirmTimeout time.Duration
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates a chain ledger. Without WithClient it dials cfg.RPCURL.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	escrowABIParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	erc20ABIParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	l := &Ledger{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		escrowABI:      escrowABIParsed,
		erc20ABI:       erc20ABIParsed,
		pollInterval:   ConfirmationPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		l.client = client
	}
	return l, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("escrow contract address required")
	}
	return nil
}

func (l *Ledger) Principal() escrow.Principal {
	return escrow.NewPrincipal(l.address.Hex())
}

func (l *Ledger) Ref() ledger.Ref {
	return ledger.Ref{
		Ledger: strings.ToLower(l.contract.Hex()),
		Chain:  fmt.Sprintf("eip155:%s", l.chainID.String()),
	}
}

// Close closes the RPC connection.
func (l *Ledger) Close() error {
	if l.client != nil {
		l.client.Close()
	}
	return nil
}

// CreateEscrow opens an escrow. Native escrows send the amount as value;
// token escrows raise the contract's allowance first.
func (l *Ledger) CreateEscrow(ctx context.Context, p ledger.CreateParams) (uint64, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return 0, escrow.ErrInvalidAmount
	}
	provider := common.HexToAddress(string(p.Provider))
	timeout := uint64(p.Timeout / time.Second)

	var (
		data  []byte
		value = big.NewInt(0)
		err   error
	)
	if p.Asset.Kind == escrow.AssetToken {
		token := common.HexToAddress(p.Asset.Token)
		if err := l.ensureAllowance(ctx, token, p.Amount); err != nil {
			return 0, err
		}
		data, err = l.escrowABI.Pack("createEscrowToken", provider, token, p.Amount, p.Endpoint, timeout)
	} else {
		data, err = l.escrowABI.Pack("createEscrow", provider, p.Endpoint, timeout)
		value = p.Amount
	}
	if err != nil {
		return 0, &ledger.CallError{Op: "createEscrow", Err: err}
	}

	receipt, err := l.transact(ctx, "createEscrow", l.contract, value, data)
	if err != nil {
		return 0, err
	}
	ev := l.escrowABI.Events["EscrowCreated"]
	for _, lg := range receipt.Logs {
		if lg.Address == l.contract && len(lg.Topics) >= 2 && lg.Topics[0] == ev.ID {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(), nil
		}
	}
	return 0, &ledger.CallError{Op: "createEscrow", Err: &TxError{Op: "createEscrow", TxHash: receipt.TxHash.Hex(), Err: ErrMissingEvent}}
}

func (l *Ledger) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	data, err := l.erc20ABI.Pack("allowance", l.address, l.contract)
	if err != nil {
		return &ledger.CallError{Op: "allowance", Err: err}
	}
	out, err := l.call(ctx, "allowance", token, data)
	if err == nil && new(big.Int).SetBytes(out).Cmp(amount) >= 0 {
		return nil
	}

	data, err = l.erc20ABI.Pack("approve", l.contract, amount)
	if err != nil {
		return &ledger.CallError{Op: "approve", Err: err}
	}
	_, err = l.transact(ctx, "approve", token, big.NewInt(0), data)
	return err
}

func (l *Ledger) ConfirmDelivery(ctx context.Context, id uint64, hash attest.Hash) error {
	data, err := l.escrowABI.Pack("confirmDelivery", new(big.Int).SetUint64(id), [32]byte(hash))
	if err != nil {
		return &ledger.CallError{Op: "confirmDelivery", Err: err}
	}
	_, err = l.transact(ctx, "confirmDelivery", l.contract, big.NewInt(0), data)
	return err
}

// ConfirmReceived submits the agent's receipt hash and reports whether it
// matched the delivery hash, as emitted by the contract.
func (l *Ledger) ConfirmReceived(ctx context.Context, id uint64, hash attest.Hash) (bool, error) {
	data, err := l.escrowABI.Pack("confirmReceived", new(big.Int).SetUint64(id), [32]byte(hash))
	if err != nil {
		return false, &ledger.CallError{Op: "confirmReceived", Err: err}
	}
	receipt, err := l.transact(ctx, "confirmReceived", l.contract, big.NewInt(0), data)
	if err != nil {
		return false, err
	}

	confirmed := l.escrowABI.Events["ReceiptConfirmed"]
	released := l.escrowABI.Events["FundsReleased"]
	disputed := l.escrowABI.Events["DisputeRaised"]
	for _, lg := range receipt.Logs {
		if lg.Address != l.contract || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case confirmed.ID:
			vals, err := l.escrowABI.Unpack("ReceiptConfirmed", lg.Data)
			if err == nil && len(vals) == 2 {
				if matched, ok := vals[1].(bool); ok {
					return matched, nil
				}
			}
		case released.ID:
			return true, nil
		case disputed.ID:
			return false, nil
		}
	}
	return false, &ledger.CallError{Op: "confirmReceived", Err: &TxError{Op: "confirmReceived", TxHash: receipt.TxHash.Hex(), Err: ErrMissingEvent}}
}

func (l *Ledger) ClaimTimeout(ctx context.Context, id uint64) error {
	data, err := l.escrowABI.Pack("claimTimeout", new(big.Int).SetUint64(id))
	if err != nil {
		return &ledger.CallError{Op: "claimTimeout", Err: err}
	}
	_, err = l.transact(ctx, "claimTimeout", l.contract, big.NewInt(0), data)
	return err
}

func (l *Ledger) Refund(ctx context.Context, id uint64) error {
	data, err := l.escrowABI.Pack("refund", new(big.Int).SetUint64(id))
	if err != nil {
		return &ledger.CallError{Op: "refund", Err: err}
	}
	_, err = l.transact(ctx, "refund", l.contract, big.NewInt(0), data)
	return err
}

var chainStates = []escrow.State{
	escrow.StateCreated,
	escrow.StateDelivered,
	escrow.StateCompleted,
	escrow.StateDisputed,
	escrow.StateRefunded,
	escrow.StateClaimed,
}

// GetEscrow reads an escrow through eth_call. Transient RPC failures are
// retried.
func (l *Ledger) GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	data, err := l.escrowABI.Pack("getEscrow", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, &ledger.CallError{Op: "getEscrow", Err: err}
	}

	var out []byte
	read := retry.Policy{Op: retry.OpLedgerRead, Attempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
	err = read.Do(ctx, func() error {
		var err error
		out, err = l.call(ctx, "getEscrow", l.contract, data)
		if err != nil && escrow.IsRejection(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	vals, err := l.escrowABI.Unpack("getEscrow", out)
	if err != nil || len(vals) != 11 {
		return nil, &ledger.CallError{Op: "getEscrow", Err: fmt.Errorf("decode: %v", err)}
	}
	agent, _ := vals[0].(common.Address)
	if agent == (common.Address{}) {
		return nil, escrow.ErrEscrowNotFound
	}
	provider, _ := vals[1].(common.Address)
	amount, _ := vals[2].(*big.Int)
	token, _ := vals[3].(common.Address)
	endpoint, _ := vals[4].(string)
	deliveryHash, _ := vals[5].([32]byte)
	receiptHash, _ := vals[6].([32]byte)
	stateIdx, _ := vals[7].(uint8)
	createdAt, _ := vals[8].(uint64)
	deliveredAt, _ := vals[9].(uint64)
	timeout, _ := vals[10].(uint64)

	if int(stateIdx) >= len(chainStates) || amount == nil {
		return nil, &ledger.CallError{Op: "getEscrow", Err: fmt.Errorf("unknown state %d", stateIdx)}
	}

	e := &escrow.Escrow{
		ID:           id,
		Agent:        escrow.NewPrincipal(agent.Hex()),
		Provider:     escrow.NewPrincipal(provider.Hex()),
		Amount:       amount,
		Asset:        escrow.Native,
		Endpoint:     endpoint,
		DeliveryHash: attest.Hash(deliveryHash),
		ReceiptHash:  attest.Hash(receiptHash),
		State:        chainStates[stateIdx],
		CreatedAt:    time.Unix(int64(createdAt), 0).UTC(),
		Timeout:      time.Duration(timeout) * time.Second,
		Locked:       big.NewInt(0),
	}
	if token != (common.Address{}) {
		e.Asset = escrow.Token(token.Hex())
	}
	if deliveredAt != 0 {
		t := time.Unix(int64(deliveredAt), 0).UTC()
		e.DeliveredAt = &t
	}
	switch e.State {
	case escrow.StateCreated, escrow.StateDelivered, escrow.StateDisputed:
		e.Locked = new(big.Int).Set(amount)
	}
	e.UpdatedAt = e.CreatedAt
	if e.DeliveredAt != nil {
		e.UpdatedAt = *e.DeliveredAt
	}
	return e, nil
}

func (l *Ledger) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.address, To: &to, Data: data}, nil)
	if err != nil {
		if sentinel := classifyRevert(err); sentinel != nil {
			return nil, sentinel
		}
		return nil, &ledger.CallError{Op: op, Err: err}
	}
	return out, nil
}

// transact signs, sends and waits for one transaction. Gas estimation runs
// the call first, so contract rejections surface as escrow sentinels before
// anything is broadcast.
func (l *Ledger) transact(ctx context.Context, op string, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	nonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "nonce", Err: err}}
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "gas_price", Err: err}}
	}
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		if sentinel := classifyRevert(err); sentinel != nil {
			return nil, sentinel
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "sign", Err: err}}
	}
	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}}
	}

	receipt, err := l.waitReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "confirm", TxHash: signedTx.Hash().Hex(), Err: err}}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &ledger.CallError{Op: op, Err: &TxError{Op: "confirm", TxHash: signedTx.Hash().Hex(), Err: ErrTransactionFailed}}
	}
	return receipt, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := l.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			return receipt, nil
		}
	}
}

// revertReasons maps contract revert strings to escrow rejections.
var revertReasons = []struct {
	reason string
	err    error
}{
	{"escrownotfound", escrow.ErrEscrowNotFound},
	{"wrongstate", escrow.ErrWrongState},
	{"unauthorized", escrow.ErrUnauthorized},
	{"timeoutnotreached", escrow.ErrTimeoutNotReached},
	{"paused", escrow.ErrPaused},
	{"invalidamount", escrow.ErrInvalidAmount},
	{"invalidprovider", escrow.ErrInvalidProvider},
	{"invalidtimeout", escrow.ErrInvalidTimeout},
	{"invalidhash", escrow.ErrInvalidHash},
	{"assetnotallowed", escrow.ErrAssetNotAllowed},
	{"insufficient", escrow.ErrInsufficientFunds},
}

// classifyRevert returns the escrow sentinel for an execution-reverted RPC
// error, or nil when err is not a recognized revert.
func classifyRevert(err error) error {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "revert") {
		return nil
	}
	compact := strings.NewReplacer("_", "", " ", "", "-", "").Replace(msg)
	for _, r := range revertReasons {
		if strings.Contains(compact, r.reason) {
			return r.err
		}
	}
	return nil
}
