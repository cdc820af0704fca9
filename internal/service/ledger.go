package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/habitflow/credits-server-go/internal/config"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/events"
	"github.com/habitflow/credits-server-go/internal/metrics"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/repository"
)

const (
	defaultRetryBackoff = 10 * time.Millisecond
	dailyGrantReason    = "daily credit"
	refundKeyPrefix     = "refund:"
	purchaseKeyPrefix   = "purchase:"
)

type LedgerConfig struct {
	DailyGrantAmount int64
	GrantLocation    *time.Location
	MaxAttempts      int
}

// CreditLedger is the only writer of account balances. Correctness rests on
// the conditional statements in LedgerRepository, not on process state, so
// any number of instances may serve the same accounts.
type CreditLedger struct {
	repo      repository.LedgerRepository
	accounts  repository.AccountRepository
	publisher events.Publisher
	cfg       LedgerConfig
	backoff   time.Duration
	now       func() time.Time
}

func NewCreditLedger(
	repo repository.LedgerRepository,
	accounts repository.AccountRepository,
	publisher events.Publisher,
	cfg LedgerConfig,
) *CreditLedger {
	if cfg.GrantLocation == nil {
		cfg.GrantLocation = time.UTC
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &CreditLedger{
		repo:      repo,
		accounts:  accounts,
		publisher: publisher,
		cfg:       cfg,
		backoff:   defaultRetryBackoff,
		now:       time.Now,
	}
}

// Today returns the current grant date as midnight UTC of the calendar day
// observed in the configured grant timezone.
func (l *CreditLedger) Today() time.Time {
	y, m, d := l.now().In(l.cfg.GrantLocation).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GrantDailyCredit awards the daily stipend at most once per calendar day.
// A repeat call on the same day is a normal result with Granted false.
func (l *CreditLedger) GrantDailyCredit(ctx context.Context, accountID string) (*model.DailyGrantResult, error) {
	today := l.Today()

	var txn *model.CreditTransaction
	err := l.withRetry(ctx, func(ctx context.Context) error {
		var err error
		txn, err = l.repo.GrantDaily(ctx, accountID, l.cfg.DailyGrantAmount, today, dailyGrantReason)
		return err
	})
	if err != nil {
		metrics.RecordLedgerMutation("daily_grant", "error")
		return nil, err
	}

	if txn == nil {
		account, err := l.findAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		metrics.RecordLedgerMutation("daily_grant", "already_granted")
		return &model.DailyGrantResult{
			Granted:    false,
			Amount:     0,
			NewBalance: account.Balance,
			Message:    "Daily credit already claimed today",
		}, nil
	}

	l.committed("daily_grant", txn)
	return &model.DailyGrantResult{
		Granted:    true,
		Amount:     txn.Amount,
		NewBalance: txn.BalanceAfter,
		Message:    "Daily credit granted",
	}, nil
}

// Spend debits a feature use. It never goes below zero and never clamps:
// a short balance fails with INSUFFICIENT_BALANCE.
func (l *CreditLedger) Spend(ctx context.Context, params model.LedgerEntryParams) (*model.LedgerResult, error) {
	if err := checkClientKey(params.IdempotencyKey); err != nil {
		return nil, err
	}
	return l.apply(ctx, "spend", model.TransactionSpend, params, l.repo.Spend)
}

// Grant credits an account unconditionally. Used for admin grants and
// bonuses; the caller writes the audit entry when ActorID is set.
func (l *CreditLedger) Grant(ctx context.Context, params model.LedgerEntryParams) (*model.LedgerResult, error) {
	if err := checkClientKey(params.IdempotencyKey); err != nil {
		return nil, err
	}
	return l.apply(ctx, "grant", model.TransactionEarn, params, l.repo.Earn)
}

// Deduct is an administrative debit. It honours the same balance floor as Spend.
func (l *CreditLedger) Deduct(ctx context.Context, params model.LedgerEntryParams) (*model.LedgerResult, error) {
	if err := checkClientKey(params.IdempotencyKey); err != nil {
		return nil, err
	}
	return l.apply(ctx, "deduct", model.TransactionSpend, params, l.repo.Spend)
}

// Refund re-credits a prior spend of the same account. Repeating the call
// returns the first refund with Replayed set.
func (l *CreditLedger) Refund(ctx context.Context, accountID, spendTransactionID string) (*model.LedgerResult, error) {
	original, err := l.repo.FindByID(ctx, spendTransactionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if original == nil || original.AccountID != accountID {
		return nil, apperrors.NotFound("Transaction")
	}
	if original.Kind != model.TransactionSpend {
		return nil, apperrors.ValidationError("Only spend transactions can be refunded")
	}

	key := refundKeyPrefix + original.ID
	return l.apply(ctx, "refund", model.TransactionEarn, model.LedgerEntryParams{
		AccountID:      accountID,
		Amount:         original.Amount,
		Reason:         "refund: " + original.Reason,
		IdempotencyKey: &key,
	}, l.repo.Earn)
}

// Purchase credits a completed order. The order id is the idempotency key, so
// a redelivered callback replays instead of crediting twice.
func (l *CreditLedger) Purchase(ctx context.Context, accountID string, amount int64, reason, orderID string) (*model.LedgerResult, error) {
	if orderID == "" {
		return nil, apperrors.MissingRequired("orderId")
	}
	key := purchaseKeyPrefix + orderID
	return l.apply(ctx, "purchase", model.TransactionEarn, model.LedgerEntryParams{
		AccountID:      accountID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: &key,
	}, l.repo.Earn)
}

// Replay returns the mutation already recorded under key, or nil.
func (l *CreditLedger) Replay(ctx context.Context, accountID, key string) (*model.LedgerResult, error) {
	txn, err := l.repo.FindByIdempotencyKey(ctx, accountID, key)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if txn == nil {
		return nil, nil
	}
	return &model.LedgerResult{Transaction: txn, NewBalance: txn.BalanceAfter, Replayed: true}, nil
}

// Balance returns the account row, which carries the balance and lifetime totals.
func (l *CreditLedger) Balance(ctx context.Context, accountID string) (*model.Account, error) {
	return l.findAccount(ctx, accountID)
}

func (l *CreditLedger) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error) {
	if _, err := l.findAccount(ctx, accountID); err != nil {
		return nil, err
	}
	txns, err := l.repo.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if txns == nil {
		txns = []model.CreditTransaction{}
	}
	return txns, nil
}

// Reconcile compares the account totals with the sum of its transactions.
func (l *CreditLedger) Reconcile(ctx context.Context, accountID string) (*model.Reconciliation, error) {
	account, err := l.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	totals, err := l.repo.Totals(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	rec := &model.Reconciliation{
		AccountID:    account.ID,
		Balance:      account.Balance,
		TotalEarned:  account.TotalEarned,
		TotalSpent:   account.TotalSpent,
		LedgerEarned: totals.Earned,
		LedgerSpent:  totals.Spent,
	}
	rec.Consistent = rec.LedgerEarned == rec.TotalEarned &&
		rec.LedgerSpent == rec.TotalSpent &&
		rec.LedgerEarned-rec.LedgerSpent == rec.Balance
	if !rec.Consistent {
		log.Error().
			Str("account_id", accountID).
			Int64("balance", rec.Balance).
			Int64("ledger_earned", rec.LedgerEarned).
			Int64("ledger_spent", rec.LedgerSpent).
			Msg("ledger does not reconcile with account totals")
	}
	return rec, nil
}

// checkClientKey rejects caller keys in the namespaces the ledger keeps for
// its own derived entries.
func checkClientKey(key *string) error {
	if key == nil {
		return nil
	}
	for _, prefix := range []string{refundKeyPrefix, purchaseKeyPrefix} {
		if strings.HasPrefix(*key, prefix) {
			return apperrors.InvalidInput("idempotencyKey", "the "+prefix+" prefix is reserved")
		}
	}
	return nil
}

func sameRequest(txn *model.CreditTransaction, kind model.TransactionKind, amount int64, reason string) bool {
	return txn.Kind == kind && txn.Amount == amount && txn.Reason == reason
}

func errKeyReused() error {
	return apperrors.New(apperrors.ErrCodeConflict, "Idempotency key was already used for a different request")
}

type ledgerMutation func(ctx context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error)

func (l *CreditLedger) apply(
	ctx context.Context,
	op string,
	kind model.TransactionKind,
	params model.LedgerEntryParams,
	mutate ledgerMutation,
) (*model.LedgerResult, error) {
	if params.Amount <= 0 {
		return nil, apperrors.ValidationError("amount must be a positive integer")
	}
	if params.IdempotencyKey != nil && *params.IdempotencyKey == "" {
		params.IdempotencyKey = nil
	}

	if params.IdempotencyKey != nil {
		if result, err := l.replay(ctx, op, kind, params); result != nil || err != nil {
			return result, err
		}
	}

	var txn *model.CreditTransaction
	err := l.withRetry(ctx, func(ctx context.Context) error {
		var err error
		txn, err = mutate(ctx, params)
		return err
	})
	if err != nil {
		// A concurrent request with the same key won the insert.
		if params.IdempotencyKey != nil && repository.IsUniqueViolation(err) {
			if result, replayErr := l.replay(ctx, op, kind, params); result != nil || replayErr != nil {
				return result, replayErr
			}
		}
		metrics.RecordLedgerMutation(op, "error")
		if !apperrors.IsAppError(err) {
			err = apperrors.Database(err)
		}
		return nil, err
	}

	if txn == nil {
		account, err := l.findAccount(ctx, params.AccountID)
		if err != nil {
			return nil, err
		}
		metrics.RecordLedgerMutation(op, "insufficient_balance")
		return nil, apperrors.InsufficientBalance(account.Balance, params.Amount)
	}

	l.committed(op, txn)
	return &model.LedgerResult{Transaction: txn, NewBalance: txn.BalanceAfter}, nil
}

func (l *CreditLedger) replay(
	ctx context.Context,
	op string,
	kind model.TransactionKind,
	params model.LedgerEntryParams,
) (*model.LedgerResult, error) {
	result, err := l.Replay(ctx, params.AccountID, *params.IdempotencyKey)
	if err != nil || result == nil {
		return nil, err
	}
	if !sameRequest(result.Transaction, kind, params.Amount, params.Reason) {
		return nil, errKeyReused()
	}
	metrics.RecordLedgerMutation(op, "replayed")
	return result, nil
}

func (l *CreditLedger) committed(op string, txn *model.CreditTransaction) {
	metrics.RecordLedgerMutation(op, "ok")
	metrics.RecordCredits(string(txn.Kind), txn.Amount)

	log.Debug().
		Str("account_id", txn.AccountID).
		Str("transaction_id", txn.ID).
		Str("op", op).
		Int64("amount", txn.Amount).
		Int64("balance_after", txn.BalanceAfter).
		Msg("ledger mutation committed")

	events.PublishAsync(l.publisher, config.SubjectLedgerTransactions, txn)
}

func (l *CreditLedger) findAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := l.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}
	return account, nil
}

// withRetry re-runs fn on serialization failures and deadlocks. Exhausted
// retries surface as CONCURRENCY_CONFLICT; other failures as DATABASE_ERROR.
func (l *CreditLedger) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewConstant(l.backoff)
	b = retry.WithJitter(l.backoff/2, b)
	b = retry.WithMaxRetries(uint64(l.cfg.MaxAttempts-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && repository.IsRetryable(err) {
			metrics.RecordLedgerRetry()
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case repository.IsRetryable(err):
		log.Warn().Err(err).Int("attempts", l.cfg.MaxAttempts).Msg("ledger conflict persisted after retries")
		return apperrors.ConcurrencyConflict(err)
	case apperrors.IsAppError(err), repository.IsUniqueViolation(err):
		return err
	default:
		return apperrors.Database(err)
	}
}
