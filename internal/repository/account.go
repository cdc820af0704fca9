package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/habitflow/credits-server-go/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	FindAll(ctx context.Context, limit, offset int) ([]model.Account, error)
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error)
	// UpdateStatus and UpdateSubscription return nil when the account does not exist.
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus, reason *string) (*model.StatusChange, error)
	UpdateSubscription(ctx context.Context, id string, tier model.SubscriptionTier, status model.SubscriptionStatus) (*model.SubscriptionChange, error)
	PromoteAdmin(ctx context.Context, email string, passwordHash *string) (bool, error)
}

type accountRepo struct {
	db sqlxDB
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts
		WHERE api_token_hash = $1 AND status = 'active'
	`, tokenHash)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE lower(email) = lower($1)
	`, email)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindAll(ctx context.Context, limit, offset int) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM accounts`)
	return count, err
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		INSERT INTO accounts (email, api_token_hash, subscription_tier, subscription_status)
		VALUES ($1, $2, $3, CASE WHEN $3 = 'free' THEN 'none' ELSE 'active' END)
		RETURNING *
	`, params.Email, params.APITokenHash, params.Tier)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateStatus locks the row, captures the previous status and writes the new
// one in a single statement so the snapshot cannot drift from the mutation.
func (r *accountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus, reason *string) (*model.StatusChange, error) {
	var change model.StatusChange
	err := r.db.GetContext(ctx, &change, `
		WITH prev AS (
			SELECT id, status, status_reason FROM accounts WHERE id = $1 FOR UPDATE
		)
		UPDATE accounts a SET
			status = $2,
			status_reason = $3,
			updated_at = NOW()
		FROM prev
		WHERE a.id = prev.id
		RETURNING
			a.id AS account_id,
			a.email,
			prev.status AS before_status,
			prev.status_reason AS before_reason,
			a.status AS after_status,
			a.status_reason AS after_reason
	`, id, status, reason)
	return HandleNotFound(&change, err)
}

func (r *accountRepo) UpdateSubscription(ctx context.Context, id string, tier model.SubscriptionTier, status model.SubscriptionStatus) (*model.SubscriptionChange, error) {
	var change model.SubscriptionChange
	err := r.db.GetContext(ctx, &change, `
		WITH prev AS (
			SELECT id, subscription_tier, subscription_status FROM accounts WHERE id = $1 FOR UPDATE
		)
		UPDATE accounts a SET
			subscription_tier = $2,
			subscription_status = $3,
			updated_at = NOW()
		FROM prev
		WHERE a.id = prev.id
		RETURNING
			a.id AS account_id,
			a.email,
			prev.subscription_tier AS before_tier,
			prev.subscription_status AS before_status,
			a.subscription_tier AS after_tier,
			a.subscription_status AS after_status
	`, id, tier, status)
	return HandleNotFound(&change, err)
}

// PromoteAdmin flags the account with the given email as an administrator and,
// when passwordHash is set, replaces its login credential. It reports whether a
// row changed.
func (r *accountRepo) PromoteAdmin(ctx context.Context, email string, passwordHash *string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			is_admin = TRUE,
			password_hash = COALESCE($2, password_hash),
			updated_at = NOW()
		WHERE lower(email) = lower($1)
	`, email, passwordHash)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
