// Package ledger reserves, commits and releases tenant credits around swarm
// executions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/store"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidState        = errors.New("invalid reservation state")
	ErrInvalidAmount       = errors.New("invalid credit amount")
)

// Reservation is a hold on part of a tenant's balance.
type Reservation struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Amount    credits.Amount `json:"amount"`
	CreatedAt time.Time      `json:"created_at"`
}

type Ledger struct {
	store *store.Store
	locks *keyedLocks
}

func New(s *store.Store) *Ledger {
	return &Ledger{store: s, locks: newKeyedLocks()}
}

// Reserve holds amount against the tenant's available credits.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, amount credits.Amount) (Reservation, error) {
	if amount < 0 {
		return Reservation{}, ErrInvalidAmount
	}
	unlock := l.locks.Lock(tenantID)
	defer unlock()

	r, err := l.store.ReserveCredits(ctx, tenantID, uuid.New().String(), amount)
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		return Reservation{}, fmt.Errorf("%w: tenant %s needs %s", ErrInsufficientCredits, tenantID, amount)
	case err != nil:
		return Reservation{}, fmt.Errorf("reserve credits: %w", err)
	}

	slog.Debug("credits reserved", "tenant", tenantID, "reservation", r.ID, "amount", amount.String())
	return Reservation{ID: r.ID, TenantID: r.TenantID, Amount: r.Amount, CreatedAt: r.CreatedAt}, nil
}

// Commit debits the actual cost, capped at the reserved amount, and returns
// the unused remainder to the tenant. The free pool is drawn before paid.
func (l *Ledger) Commit(ctx context.Context, r Reservation, actual credits.Amount, executionID string) (*store.CreditTransaction, error) {
	if actual < 0 {
		return nil, ErrInvalidAmount
	}
	unlock := l.locks.Lock(r.TenantID)
	defer unlock()

	if actual > r.Amount {
		slog.Warn("actual cost exceeds reservation, capping",
			"tenant", r.TenantID, "reservation", r.ID, "actual", actual.String(), "reserved", r.Amount.String())
	}

	t, err := l.store.CommitReservation(ctx, r.ID, uuid.New().String(), executionID, actual)
	switch {
	case errors.Is(err, store.ErrReservationReleased),
		errors.Is(err, store.ErrReservationCommitted),
		errors.Is(err, store.ErrReservationNotFound):
		return nil, fmt.Errorf("%w: commit %s: %w", ErrInvalidState, r.ID, err)
	case errors.Is(err, store.ErrInsufficientCredits):
		return nil, fmt.Errorf("%w: commit %s", ErrInsufficientCredits, r.ID)
	case err != nil:
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	slog.Info("credits committed", "tenant", r.TenantID, "reservation", r.ID,
		"execution", executionID, "amount", t.Amount.String(), "pool", t.Pool)
	return t, nil
}

// Release returns a held reservation. Releasing twice, or after a commit,
// does nothing.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	unlock := l.locks.Lock(r.TenantID)
	defer unlock()

	released, err := l.store.ReleaseReservation(ctx, r.ID)
	switch {
	case errors.Is(err, store.ErrReservationNotFound):
		return fmt.Errorf("%w: release %s: %w", ErrInvalidState, r.ID, err)
	case err != nil:
		return fmt.Errorf("release reservation: %w", err)
	}
	if released {
		slog.Debug("credits released", "tenant", r.TenantID, "reservation", r.ID, "amount", r.Amount.String())
	}
	return nil
}

// Balance returns the tenant's balance; unknown tenants have a zero balance.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (store.CreditBalance, error) {
	b, err := l.store.GetBalance(ctx, tenantID)
	if err != nil {
		return store.CreditBalance{}, fmt.Errorf("get balance: %w", err)
	}
	if b == nil {
		return store.CreditBalance{TenantID: tenantID}, nil
	}
	return *b, nil
}

// Grant tops up the tenant's free and paid pools.
func (l *Ledger) Grant(ctx context.Context, tenantID string, free, paid credits.Amount) (store.CreditBalance, error) {
	if free < 0 || paid < 0 {
		return store.CreditBalance{}, ErrInvalidAmount
	}
	unlock := l.locks.Lock(tenantID)
	defer unlock()

	b, err := l.store.GrantCredits(ctx, tenantID, free, paid)
	if err != nil {
		return store.CreditBalance{}, fmt.Errorf("grant credits: %w", err)
	}
	slog.Info("credits granted", "tenant", tenantID, "free", free.String(), "paid", paid.String())
	return *b, nil
}

// Transactions lists the tenant's most recent debits.
func (l *Ledger) Transactions(ctx context.Context, tenantID string, limit int) ([]store.CreditTransaction, error) {
	txs, err := l.store.ListTransactions(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}
