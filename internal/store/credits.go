package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/swarmd/internal/credits"
)

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationReleased  = errors.New("reservation already released")
	ErrReservationCommitted = errors.New("reservation already committed")
	ErrInvalidAmount        = errors.New("invalid credit amount")
)

// Reservation statuses.
const (
	ReservationHeld      = "held"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// Transaction pools.
const (
	PoolFree  = "free"
	PoolPaid  = "paid"
	PoolMixed = "mixed"
)

type CreditBalance struct {
	TenantID  string         `json:"tenant_id"`
	Free      credits.Amount `json:"free_credits"`
	Paid      credits.Amount `json:"paid_credits"`
	Reserved  credits.Amount `json:"reserved"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Available is the balance that can still be reserved.
func (b CreditBalance) Available() credits.Amount {
	return b.Free + b.Paid - b.Reserved
}

type CreditReservation struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Amount    credits.Amount `json:"amount"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type CreditTransaction struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ReservationID string         `json:"reservation_id"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	Amount        credits.Amount `json:"amount"`
	FreeDebited   credits.Amount `json:"free_debited"`
	PaidDebited   credits.Amount `json:"paid_debited"`
	Pool          string         `json:"pool"`
	FreeAfter     credits.Amount `json:"free_after"`
	PaidAfter     credits.Amount `json:"paid_after"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (s *Store) GetBalance(ctx context.Context, tenantID string) (*CreditBalance, error) {
	b := &CreditBalance{}
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, free_credits, paid_credits, reserved, updated_at
		FROM credit_balances WHERE tenant_id = ?`, tenantID).
		Scan(&b.TenantID, &b.Free, &b.Paid, &b.Reserved, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	b.UpdatedAt = fromMillis(updated)
	return b, nil
}

// GrantCredits adds free and paid credits to a tenant, creating the balance
// row on first use.
func (s *Store) GrantCredits(ctx context.Context, tenantID string, free, paid credits.Amount) (*CreditBalance, error) {
	if free < 0 || paid < 0 {
		return nil, ErrInvalidAmount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, free_credits, paid_credits, reserved, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			free_credits = free_credits + excluded.free_credits,
			paid_credits = paid_credits + excluded.paid_credits,
			updated_at = excluded.updated_at`,
		tenantID, free, paid, now())
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	return s.GetBalance(ctx, tenantID)
}

// ReserveCredits holds amount against the tenant's available balance. The
// hold is a single conditional update, so two reservations can never both
// succeed against the same credits.
func (s *Store) ReserveCredits(ctx context.Context, tenantID, reservationID string, amount credits.Amount) (*CreditReservation, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET reserved = reserved + ?, updated_at = ?
		WHERE tenant_id = ? AND free_credits + paid_credits - reserved >= ?`,
		amount, ts, tenantID, amount)
	if err != nil {
		return nil, fmt.Errorf("hold credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("hold credits: %w", err)
	}
	if n == 0 {
		return nil, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, tenant_id, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reservationID, tenantID, amount, ReservationHeld, ts, ts); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &CreditReservation{
		ID:        reservationID,
		TenantID:  tenantID,
		Amount:    amount,
		Status:    ReservationHeld,
		CreatedAt: fromMillis(ts),
		UpdatedAt: fromMillis(ts),
	}, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*CreditReservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, amount, status, created_at, updated_at
		FROM credit_reservations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func scanReservation(row scanner) (*CreditReservation, error) {
	r := &CreditReservation{}
	var created, updated int64
	if err := row.Scan(&r.ID, &r.TenantID, &r.Amount, &r.Status, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// CommitReservation debits actual (capped at the reserved amount) from the
// free pool first and the paid pool second, returns the unused remainder of
// the hold, and appends the transaction record.
func (s *Store) CommitReservation(ctx context.Context, reservationID, transactionID, executionID string, actual credits.Amount) (*CreditTransaction, error) {
	if actual < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	r, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, amount, status, created_at, updated_at
		FROM credit_reservations WHERE id = ?`, reservationID))
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	switch r.Status {
	case ReservationReleased:
		return nil, ErrReservationReleased
	case ReservationCommitted:
		return nil, ErrReservationCommitted
	}

	var free, paid credits.Amount
	if err := tx.QueryRowContext(ctx, `
		SELECT free_credits, paid_credits FROM credit_balances WHERE tenant_id = ?`,
		r.TenantID).Scan(&free, &paid); err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	amount := credits.Min(actual, r.Amount)
	fromFree := credits.Min(free, amount)
	fromPaid := amount - fromFree
	if fromPaid > paid {
		return nil, ErrInsufficientCredits
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET
			free_credits = free_credits - ?,
			paid_credits = paid_credits - ?,
			reserved = reserved - ?,
			updated_at = ?
		WHERE tenant_id = ?`,
		fromFree, fromPaid, r.Amount, ts, r.TenantID); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ?`,
		ReservationCommitted, ts, r.ID); err != nil {
		return nil, fmt.Errorf("close reservation: %w", err)
	}

	t := &CreditTransaction{
		ID:            transactionID,
		TenantID:      r.TenantID,
		ReservationID: r.ID,
		ExecutionID:   executionID,
		Amount:        amount,
		FreeDebited:   fromFree,
		PaidDebited:   fromPaid,
		Pool:          poolOf(fromFree, fromPaid),
		FreeAfter:     free - fromFree,
		PaidAfter:     paid - fromPaid,
		CreatedAt:     fromMillis(ts),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, reservation_id, execution_id, amount,
			free_debited, paid_debited, pool, free_after, paid_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.ReservationID, nullString(t.ExecutionID), t.Amount,
		t.FreeDebited, t.PaidDebited, t.Pool, t.FreeAfter, t.PaidAfter, ts); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return t, nil
}

func poolOf(fromFree, fromPaid credits.Amount) string {
	switch {
	case fromPaid == 0:
		return PoolFree
	case fromFree == 0:
		return PoolPaid
	default:
		return PoolMixed
	}
}

// ReleaseReservation returns a held reservation to the available balance.
// It reports false when the reservation was already closed, which is not
// an error.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	r, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, amount, status, created_at, updated_at
		FROM credit_reservations WHERE id = ?`, reservationID))
	if err == sql.ErrNoRows {
		return false, ErrReservationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load reservation: %w", err)
	}
	if r.Status != ReservationHeld {
		return false, nil
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET reserved = reserved - ?, updated_at = ? WHERE tenant_id = ?`,
		r.Amount, ts, r.TenantID); err != nil {
		return false, fmt.Errorf("return hold: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ?`,
		ReservationReleased, ts, r.ID); err != nil {
		return false, fmt.Errorf("close reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit release: %w", err)
	}
	return true, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, reservation_id, execution_id, amount, free_debited, paid_debited,
		       pool, free_after, paid_after, created_at
		FROM credit_transactions WHERE tenant_id = ?
		ORDER BY created_at DESC, id LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var execID sql.NullString
		var created int64
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ReservationID, &execID, &t.Amount,
			&t.FreeDebited, &t.PaidDebited, &t.Pool, &t.FreeAfter, &t.PaidAfter, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.ExecutionID = execID.String
		t.CreatedAt = fromMillis(created)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
