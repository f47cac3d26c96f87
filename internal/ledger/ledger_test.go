package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func grant(t *testing.T, l *Ledger, tenant, free, paid string) {
	t.Helper()
	_, err := l.Grant(context.Background(), tenant, credits.MustParse(free), credits.MustParse(paid))
	require.NoError(t, err)
}

func TestReserveCommitReleasesRemainder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "10", "0")

	r, err := l.Reserve(ctx, "acme", credits.MustParse("4"))
	require.NoError(t, err)

	b, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("6"), b.Available())

	tx, err := l.Commit(ctx, r, credits.MustParse("1.5"), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("1.5"), tx.Amount)
	assert.Equal(t, store.PoolFree, tx.Pool)
	assert.Equal(t, "exec-1", tx.ExecutionID)

	b, err = l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("8.5"), b.Free)
	assert.Equal(t, credits.Zero, b.Reserved)
	assert.Equal(t, credits.MustParse("8.5"), b.Available())
}

func TestReserveInsufficient(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "1", "0")

	_, err := l.Reserve(ctx, "acme", credits.MustParse("1.000001"))
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = l.Reserve(ctx, "nobody", credits.One)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = l.Reserve(ctx, "acme", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCommitDrawsFreeBeforePaid(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "1", "5")

	r, err := l.Reserve(ctx, "acme", credits.MustParse("3"))
	require.NoError(t, err)
	tx, err := l.Commit(ctx, r, credits.MustParse("2.5"), "exec")
	require.NoError(t, err)

	assert.Equal(t, credits.MustParse("1"), tx.FreeDebited)
	assert.Equal(t, credits.MustParse("1.5"), tx.PaidDebited)
	assert.Equal(t, store.PoolMixed, tx.Pool)
	assert.Equal(t, credits.Zero, tx.FreeAfter)
	assert.Equal(t, credits.MustParse("3.5"), tx.PaidAfter)
}

func TestCommitCapsAtReservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "10", "0")

	r, err := l.Reserve(ctx, "acme", credits.MustParse("2"))
	require.NoError(t, err)
	tx, err := l.Commit(ctx, r, credits.MustParse("7"), "exec")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("2"), tx.Amount)

	b, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("8"), b.Free)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "5", "0")

	r, err := l.Reserve(ctx, "acme", credits.MustParse("5"))
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, r))
	require.NoError(t, l.Release(ctx, r))

	b, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("5"), b.Available())

	_, err = l.Commit(ctx, r, credits.One, "exec")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "5", "0")

	r, err := l.Reserve(ctx, "acme", credits.MustParse("2"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, r, credits.One, "exec")
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, r))
	b, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("4"), b.Available())

	_, err = l.Commit(ctx, r, credits.One, "exec")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseUnknownReservation(t *testing.T) {
	l := newTestLedger(t)
	err := l.Release(context.Background(), Reservation{ID: "missing", TenantID: "acme"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "3", "2")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "acme", credits.One); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInsufficientCredits)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	b, err := l.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.Zero, b.Available())
	assert.Zero(t, l.locks.Len())
}

func TestBalanceUnknownTenant(t *testing.T) {
	l := newTestLedger(t)
	b, err := l.Balance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", b.TenantID)
	assert.Equal(t, credits.Zero, b.Available())
}

func TestTransactions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "acme", "5", "0")

	for i := 0; i < 3; i++ {
		r, err := l.Reserve(ctx, "acme", credits.One)
		require.NoError(t, err)
		_, err = l.Commit(ctx, r, credits.MustParse("0.5"), "exec")
		require.NoError(t, err)
	}

	txs, err := l.Transactions(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}
