package service

import (
	"context"

	"github.com/habitflow/credits-server-go/internal/audit"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/model"
)

// FeatureService runs the gate, the rate limiter and the ledger in order for
// one feature use.
type FeatureService struct {
	gate    *EntitlementGate
	limiter *RateLimiter
	ledger  *CreditLedger
}

func NewFeatureService(gate *EntitlementGate, limiter *RateLimiter, ledger *CreditLedger) *FeatureService {
	return &FeatureService{gate: gate, limiter: limiter, ledger: ledger}
}

// Charge admits and pays for one use of featureKey. A denied gate or limiter
// never touches the ledger. When the caller's feature work later fails it
// should call Refund with the returned transaction.
func (s *FeatureService) Charge(ctx context.Context, accountID, featureKey, idempotencyKey string) (*model.FeatureCharge, error) {
	if idempotencyKey != "" {
		if err := checkClientKey(&idempotencyKey); err != nil {
			return nil, err
		}
		prior, err := s.replay(ctx, accountID, featureKey, idempotencyKey)
		if prior != nil || err != nil {
			return prior, err
		}
	}

	ent, err := s.gate.CanUse(ctx, accountID, featureKey)
	if err != nil {
		return nil, err
	}
	if !ent.Allowed {
		return nil, DenialError(ent)
	}

	decision, err := s.limiter.CheckAndConsume(ctx, accountID, ent.Tier)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventRateLimitExceed,
			AccountID: accountID,
			Details: map[string]interface{}{
				"feature":  featureKey,
				"limit":    decision.MaxRequests,
				"reset_at": decision.ResetAt,
			},
		})
		return nil, apperrors.RateLimitedUntil(decision.ResetAt)
	}

	charge := &model.FeatureCharge{
		Entitlement: ent,
		RateLimit:   decision,
		NewBalance:  ent.Balance,
	}
	if ent.Cost == 0 {
		return charge, nil
	}

	params := model.LedgerEntryParams{
		AccountID: accountID,
		Amount:    ent.Cost,
		Reason:    featureKey,
	}
	if idempotencyKey != "" {
		params.IdempotencyKey = &idempotencyKey
	}
	result, err := s.ledger.Spend(ctx, params)
	if err != nil {
		return nil, err
	}

	charge.Transaction = result.Transaction
	charge.NewBalance = result.NewBalance
	return charge, nil
}

// replay answers a retried charge. The key must belong to a spend of this
// feature at its current cost; anything else is a conflict, not a free use.
func (s *FeatureService) replay(ctx context.Context, accountID, featureKey, idempotencyKey string) (*model.FeatureCharge, error) {
	prior, err := s.ledger.Replay(ctx, accountID, idempotencyKey)
	if err != nil || prior == nil {
		return nil, err
	}
	cost, err := s.gate.Cost(featureKey)
	if err != nil {
		return nil, err
	}
	if !sameRequest(prior.Transaction, model.TransactionSpend, cost, featureKey) {
		return nil, errKeyReused()
	}
	return &model.FeatureCharge{Transaction: prior.Transaction, NewBalance: prior.NewBalance}, nil
}

func (s *FeatureService) Refund(ctx context.Context, accountID, transactionID string) (*model.LedgerResult, error) {
	return s.ledger.Refund(ctx, accountID, transactionID)
}
