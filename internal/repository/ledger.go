package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/habitflow/credits-server-go/internal/model"
)

// LedgerRepository mutates balances. Every mutation is one statement that
// updates the account row under a guard and appends the matching transaction,
// so balance_after always reflects the update that produced it.
type LedgerRepository interface {
	// Spend returns nil when the account is missing or the balance is short.
	Spend(ctx context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error)
	// Earn returns nil when the account is missing.
	Earn(ctx context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error)
	// GrantDaily returns nil when today's grant was already taken or the
	// account is missing.
	GrantDaily(ctx context.Context, accountID string, amount int64, today time.Time, reason string) (*model.CreditTransaction, error)
	FindByID(ctx context.Context, id string) (*model.CreditTransaction, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*model.CreditTransaction, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error)
	Totals(ctx context.Context, accountID string) (*model.LedgerTotals, error)
}

type ledgerRepo struct {
	db sqlxDB
}

func NewLedgerRepository(db *sqlx.DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) Spend(ctx context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.GetContext(ctx, &txn, `
		WITH debited AS (
			UPDATE accounts SET
				balance = balance - $2,
				total_spent = total_spent + $2,
				updated_at = NOW()
			WHERE id = $1 AND balance >= $2
			RETURNING id, balance
		)
		INSERT INTO credit_transactions (account_id, amount, kind, reason, balance_after, actor_id, idempotency_key)
		SELECT id, $2, 'spend', $3, balance, $4, $5 FROM debited
		RETURNING *
	`, params.AccountID, params.Amount, params.Reason, params.ActorID, params.IdempotencyKey)
	return HandleNotFound(&txn, err)
}

func (r *ledgerRepo) Earn(ctx context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.GetContext(ctx, &txn, `
		WITH credited AS (
			UPDATE accounts SET
				balance = balance + $2,
				total_earned = total_earned + $2,
				updated_at = NOW()
			WHERE id = $1
			RETURNING id, balance
		)
		INSERT INTO credit_transactions (account_id, amount, kind, reason, balance_after, actor_id, idempotency_key)
		SELECT id, $2, 'earn', $3, balance, $4, $5 FROM credited
		RETURNING *
	`, params.AccountID, params.Amount, params.Reason, params.ActorID, params.IdempotencyKey)
	return HandleNotFound(&txn, err)
}

func (r *ledgerRepo) GrantDaily(ctx context.Context, accountID string, amount int64, today time.Time, reason string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.GetContext(ctx, &txn, `
		WITH granted AS (
			UPDATE accounts SET
				balance = balance + $2,
				total_earned = total_earned + $2,
				last_daily_grant_date = $3::date,
				updated_at = NOW()
			WHERE id = $1
				AND (last_daily_grant_date IS NULL OR last_daily_grant_date < $3::date)
			RETURNING id, balance
		)
		INSERT INTO credit_transactions (account_id, amount, kind, reason, balance_after)
		SELECT id, $2, 'earn', $4, balance FROM granted
		RETURNING *
	`, accountID, amount, today.Format(time.DateOnly), reason)
	return HandleNotFound(&txn, err)
}

func (r *ledgerRepo) FindByID(ctx context.Context, id string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.GetContext(ctx, &txn, `
		SELECT * FROM credit_transactions WHERE id = $1
	`, id)
	return HandleNotFound(&txn, err)
}

func (r *ledgerRepo) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.GetContext(ctx, &txn, `
		SELECT * FROM credit_transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key)
	return HandleNotFound(&txn, err)
}

func (r *ledgerRepo) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error) {
	var txns []model.CreditTransaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT * FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *ledgerRepo) Totals(ctx context.Context, accountID string) (*model.LedgerTotals, error) {
	var totals model.LedgerTotals
	err := r.db.GetContext(ctx, &totals, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind = 'earn'), 0) AS earned,
			COALESCE(SUM(amount) FILTER (WHERE kind = 'spend'), 0) AS spent
		FROM credit_transactions
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, err
	}
	return &totals, nil
}
