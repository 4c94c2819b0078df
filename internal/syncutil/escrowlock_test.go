package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowLocks_SerializesOneEscrow(t *testing.T) {
	l := NewEscrowLocks(0)

	var (
		wg      sync.WaitGroup
		balance int
	)
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), 42)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			v := balance
			time.Sleep(time.Microsecond)
			balance = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, n, balance, "a lost update means two transitions overlapped")
}

func TestEscrowLocks_CancelledWhileWaiting(t *testing.T) {
	l := NewEscrowLocks(0)
	unlock, err := l.Lock(context.Background(), 7)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEscrowLocks_AdjacentEscrowsDoNotContend(t *testing.T) {
	l := NewEscrowLocks(4)
	for id := uint64(1); id <= 4; id++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		unlock, err := l.Lock(ctx, id)
		cancel()
		require.NoError(t, err, "escrow %d", id)
		defer unlock()
	}

	// 5 shares a stripe with 1.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEscrowLocks_UnlockHandsOver(t *testing.T) {
	l := NewEscrowLocks(0)
	unlock, err := l.Lock(context.Background(), 9)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), 9)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second transition ran before the first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second transition never acquired the lock")
	}
}
