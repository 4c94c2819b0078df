package escrow

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_LockAndRelease(t *testing.T) {
	v := NewVault()
	ctx := context.Background()
	require.NoError(t, v.Deposit(agentAddr, Native, big.NewInt(100)))

	require.NoError(t, v.Lock(ctx, agentAddr, Native, big.NewInt(60), 1))
	assert.Equal(t, int64(40), v.Balance(agentAddr, Native).Int64())
	assert.Equal(t, int64(60), v.Held(1).Int64())

	err := v.Lock(ctx, agentAddr, Native, big.NewInt(41), 2)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	err = v.Lock(ctx, agentAddr, Native, big.NewInt(1), 1)
	assert.ErrorIs(t, err, ErrCustodyMismatch, "one custody slot per escrow")

	require.NoError(t, v.Release(ctx, 1,
		Payout{To: providerAddr, Amount: big.NewInt(59)},
		Payout{To: operatorAddr, Amount: big.NewInt(1)},
	))
	assert.Equal(t, int64(59), v.Balance(providerAddr, Native).Int64())
	assert.Equal(t, int64(1), v.Balance(operatorAddr, Native).Int64())
	assert.Equal(t, int64(0), v.Held(1).Int64())

	err = v.Release(ctx, 1, Payout{To: providerAddr, Amount: big.NewInt(60)})
	assert.ErrorIs(t, err, ErrCustodyMismatch, "custody releases exactly once")
}

func TestVault_ReleaseMustMatchHeld(t *testing.T) {
	v := NewVault()
	ctx := context.Background()
	require.NoError(t, v.Deposit(agentAddr, Native, big.NewInt(100)))
	require.NoError(t, v.Lock(ctx, agentAddr, Native, big.NewInt(100), 7))

	err := v.Release(ctx, 7, Payout{To: providerAddr, Amount: big.NewInt(99)})
	assert.ErrorIs(t, err, ErrCustodyMismatch)
	err = v.Release(ctx, 7, Payout{To: providerAddr, Amount: big.NewInt(101)})
	assert.ErrorIs(t, err, ErrCustodyMismatch)

	assert.Equal(t, int64(100), v.Held(7).Int64(), "failed releases move nothing")
	assert.Equal(t, int64(0), v.Balance(providerAddr, Native).Int64())
}

func TestVault_AssetsAreSeparate(t *testing.T) {
	v := NewVault()
	usdc := Token("0x036cbd53842c5426634e7929541ec2318f3dcf7e")
	require.NoError(t, v.Deposit(agentAddr, usdc, big.NewInt(5)))

	err := v.Lock(context.Background(), agentAddr, Native, big.NewInt(1), 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(5), v.Supply(usdc).Int64())
	assert.Equal(t, int64(0), v.Supply(Native).Int64())
}

func TestVault_RejectsNonPositive(t *testing.T) {
	v := NewVault()
	assert.ErrorIs(t, v.Deposit(agentAddr, Native, big.NewInt(0)), ErrInvalidAmount)
	assert.ErrorIs(t, v.Lock(context.Background(), agentAddr, Native, big.NewInt(-1), 1), ErrInvalidAmount)
}
