package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelkiln/server/internal/domain"
)

// LedgerRepositoryPG implements domain.LedgerRepository on PostgreSQL. The
// debit guard runs inside the UPDATE itself so two concurrent debits for the
// same user serialize on the row and at most one can pass when funds only
// cover one.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

func (r *LedgerRepositoryPG) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepositoryPG) DebitIfSufficient(ctx context.Context, userID string, amount int, description string) (int, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
UPDATE credit_accounts
SET balance = balance - $2, updated_at = NOW()
WHERE user_id = $1 AND balance >= $2
RETURNING balance;
`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Guard failed or account missing; distinguish for the caller.
		var exists bool
		if checkErr := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`, userID,
		).Scan(&exists); checkErr != nil {
			return 0, false, fmt.Errorf("check account: %w", checkErr)
		}
		if !exists {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, kind, description, balance_after)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5);
`, userID, -amount, domain.TransactionDeduction, description, balance); err != nil {
		return 0, false, fmt.Errorf("append deduction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit debit: %w", err)
	}
	return balance, true, nil
}

func (r *LedgerRepositoryPG) Credit(ctx context.Context, userID string, amount int, kind domain.TransactionKind, description string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
INSERT INTO credit_accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + $2, updated_at = NOW()
RETURNING balance;
`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, kind, description, balance_after)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5);
`, userID, amount, kind, description, balance); err != nil {
		return 0, fmt.Errorf("append credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepositoryPG) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, amount, kind, description, balance_after, created_at
FROM credit_transactions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Description, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
