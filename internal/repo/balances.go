package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureBalance creates the balance row for a client if missing.
func (r *PostgresRepository) EnsureBalance(ctx context.Context, clientID string) error {
	const q = `
INSERT INTO client_balances (client_id)
VALUES ($1)
ON CONFLICT (client_id) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, clientID); err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

// GetBalance loads the balance row for a client.
func (r *PostgresRepository) GetBalance(ctx context.Context, clientID string) (*ClientBalance, error) {
	const q = `
SELECT client_id, balance_cents, debt_cents, debt_started_at, is_blocked, blocked_at, updated_at
FROM client_balances
WHERE client_id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, clientID)
	var b ClientBalance
	if err := row.Scan(&b.ClientID, &b.BalanceCents, &b.DebtCents, &b.DebtStartedAt, &b.IsBlocked, &b.BlockedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get balance %s: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// SettleOrderFee takes the platform cut for one paid order. The debit is a
// single conditional update so concurrent sales for the same client cannot
// read a stale balance; when the balance does not cover the fee the amount
// accrues as debt instead. Exactly one ledger row and one platform_fees row
// are written, all inside one transaction.
func (r *PostgresRepository) SettleOrderFee(ctx context.Context, clientID, orderID string, amountCents int64) (*FeeSettlement, error) {
	settlement := &FeeSettlement{OrderID: orderID, AmountCents: amountCents}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const debit = `
UPDATE client_balances
SET balance_cents = balance_cents - $2, updated_at = NOW()
WHERE client_id = $1 AND balance_cents >= $2;
`
		ct, err := tx.Exec(ctx, debit, clientID, amountCents)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if ct.RowsAffected() > 0 {
			settlement.Source = FeeFromBalance
		} else {
			const accrue = `
UPDATE client_balances
SET debt_cents = debt_cents + $2,
    debt_started_at = COALESCE(debt_started_at, NOW()),
    updated_at = NOW()
WHERE client_id = $1;
`
			ct, err := tx.Exec(ctx, accrue, clientID, amountCents)
			if err != nil {
				return fmt.Errorf("accrue debt: %w", err)
			}
			if ct.RowsAffected() == 0 {
				return fmt.Errorf("accrue debt %s: %w", clientID, ErrNotFound)
			}
			settlement.Source = FeeFromDebt
		}

		const insertTx = `
INSERT INTO balance_transactions (client_id, type, amount_cents, description, reference_id, payment_method)
VALUES ($1, 'fee_deduction', $2, $3, $4, 'pix');
`
		desc := fmt.Sprintf("Taxa da plataforma sobre a venda %s", orderID)
		if _, err := tx.Exec(ctx, insertTx, clientID, -amountCents, desc, orderID); err != nil {
			return fmt.Errorf("insert fee transaction: %w", err)
		}

		// The unique index on order_id is a second guard behind the paid
		// transition claim.
		const insertFee = `
INSERT INTO platform_fees (client_id, order_id, amount_cents, source)
VALUES ($1, $2, $3, $4);
`
		if _, err := tx.Exec(ctx, insertFee, clientID, orderID, amountCents, settlement.Source); err != nil {
			return fmt.Errorf("insert platform fee: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// CreditBalance adds funds to a client balance. Outstanding debt is paid off
// first; only the remainder tops up the balance. Clearing the debt also
// clears debt_started_at and the block state in the same update.
func (r *PostgresRepository) CreditBalance(ctx context.Context, clientID string, amountCents int64, method string, referenceID *string) (*CreditResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	result := &CreditResult{}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const lock = `
SELECT debt_cents FROM client_balances WHERE client_id = $1 FOR UPDATE;
`
		var debt int64
		if err := tx.QueryRow(ctx, lock, clientID).Scan(&debt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("credit balance %s: %w", clientID, ErrNotFound)
			}
			return fmt.Errorf("lock balance: %w", err)
		}

		debtPaid := min(debt, amountCents)
		remainder := amountCents - debtPaid
		result.DebtPaidCents = debtPaid
		result.BalanceAddedCents = remainder
		result.DebtCleared = debt > 0 && debtPaid == debt

		if result.DebtCleared {
			const clear = `
UPDATE client_balances
SET balance_cents = balance_cents + $2,
    debt_cents = 0,
    debt_started_at = NULL,
    is_blocked = FALSE,
    blocked_at = NULL,
    updated_at = NOW()
WHERE client_id = $1;
`
			if _, err := tx.Exec(ctx, clear, clientID, remainder); err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}
		} else {
			const apply = `
UPDATE client_balances
SET balance_cents = balance_cents + $2,
    debt_cents = debt_cents - $3,
    updated_at = NOW()
WHERE client_id = $1;
`
			if _, err := tx.Exec(ctx, apply, clientID, remainder, debtPaid); err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}
		}

		const insertTx = `
INSERT INTO balance_transactions (client_id, type, amount_cents, description, reference_id, payment_method)
VALUES ($1, 'credit', $2, $3, $4, $5);
`
		if _, err := tx.Exec(ctx, insertTx, clientID, amountCents, creditDescription(debtPaid, remainder), referenceID, method); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListBalanceTransactions returns the latest ledger entries for a client.
func (r *PostgresRepository) ListBalanceTransactions(ctx context.Context, clientID string, limit int) ([]BalanceTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, client_id, type, amount_cents, description, reference_id, payment_method, created_at
FROM balance_transactions
WHERE client_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list balance transactions: %w", err)
	}
	defer rows.Close()

	var txs []BalanceTransaction
	for rows.Next() {
		var t BalanceTransaction
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Type, &t.AmountCents, &t.Description, &t.ReferenceID, &t.PaymentMethod, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan balance transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance transactions: %w", err)
	}
	return txs, nil
}

func creditDescription(debtPaid, remainder int64) string {
	switch {
	case debtPaid > 0 && remainder > 0:
		return fmt.Sprintf("Crédito: %d centavos abateram dívida, %d centavos para o saldo", debtPaid, remainder)
	case debtPaid > 0:
		return fmt.Sprintf("Crédito: %d centavos abateram dívida", debtPaid)
	default:
		return fmt.Sprintf("Crédito de %d centavos no saldo", remainder)
	}
}
