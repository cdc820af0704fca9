package model

import (
	"time"
)

type CreditTransaction struct {
	ID             string          `db:"id" json:"id"`
	AccountID      string          `db:"account_id" json:"accountId"`
	Amount         int64           `db:"amount" json:"amount"`
	Kind           TransactionKind `db:"kind" json:"kind"`
	Reason         string          `db:"reason" json:"reason"`
	BalanceAfter   int64           `db:"balance_after" json:"balanceAfter"`
	ActorID        *string         `db:"actor_id" json:"actorId,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// LedgerEntryParams describes one ledger mutation. ActorID is set when an
// admin initiated it.
type LedgerEntryParams struct {
	AccountID      string
	Amount         int64
	Reason         string
	ActorID        *string
	IdempotencyKey *string
}

type LedgerResult struct {
	Transaction *CreditTransaction `json:"transaction"`
	NewBalance  int64              `json:"newBalance"`
	// Replayed is true when the idempotency key matched an earlier mutation
	// and nothing was changed.
	Replayed bool `json:"replayed,omitempty"`
}

type DailyGrantResult struct {
	Granted    bool   `json:"granted"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"newBalance"`
	Message    string `json:"message"`
}

type LedgerTotals struct {
	Earned int64 `db:"earned" json:"earned"`
	Spent  int64 `db:"spent" json:"spent"`
}

type Reconciliation struct {
	AccountID    string `json:"accountId"`
	Balance      int64  `json:"balance"`
	TotalEarned  int64  `json:"totalEarned"`
	TotalSpent   int64  `json:"totalSpent"`
	LedgerEarned int64  `json:"ledgerEarned"`
	LedgerSpent  int64  `json:"ledgerSpent"`
	Consistent   bool   `json:"consistent"`
}
