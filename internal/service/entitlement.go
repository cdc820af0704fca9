package service

import (
	"context"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/metrics"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/repository"
)

// FeatureCatalog maps feature keys to their credit cost and, optionally, the
// lowest tier allowed to use them.
type FeatureCatalog struct {
	Costs    map[string]int64
	MinTiers map[string]model.SubscriptionTier
}

func NewFeatureCatalog(costs map[string]int64, minTiers map[string]string) FeatureCatalog {
	tiers := make(map[string]model.SubscriptionTier, len(minTiers))
	for feature, tier := range minTiers {
		tiers[feature] = model.SubscriptionTier(tier)
	}
	return FeatureCatalog{Costs: costs, MinTiers: tiers}
}

// EntitlementGate answers whether an account may use a feature. It only reads.
type EntitlementGate struct {
	accounts repository.AccountRepository
	catalog  FeatureCatalog
}

func NewEntitlementGate(accounts repository.AccountRepository, catalog FeatureCatalog) *EntitlementGate {
	return &EntitlementGate{accounts: accounts, catalog: catalog}
}

// Cost returns the catalog price of featureKey.
func (g *EntitlementGate) Cost(featureKey string) (int64, error) {
	cost, ok := g.catalog.Costs[featureKey]
	if !ok {
		return 0, apperrors.ValidationError("Unknown feature: " + featureKey)
	}
	return cost, nil
}

// CanUse runs the tier check and the balance check independently and reports
// both. An extra tierRequirement raises the catalog minimum, never lowers it.
func (g *EntitlementGate) CanUse(ctx context.Context, accountID, featureKey string, tierRequirement ...model.SubscriptionTier) (*model.Entitlement, error) {
	cost, err := g.Cost(featureKey)
	if err != nil {
		return nil, err
	}

	required := g.catalog.MinTiers[featureKey]
	for _, tier := range tierRequirement {
		if !tier.Valid() {
			return nil, apperrors.InvalidInput("tierRequirement", "unknown tier")
		}
		if required == "" || !required.Satisfies(tier) {
			required = tier
		}
	}

	account, err := g.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if account == nil {
		return nil, apperrors.NotFound("Account")
	}

	tier := account.EffectiveTier()
	ent := &model.Entitlement{
		Feature:      featureKey,
		Cost:         cost,
		Balance:      account.Balance,
		Tier:         tier,
		RequiredTier: required,
		TierOK:       required == "" || tier.Satisfies(required),
		BalanceOK:    account.Balance >= cost,
	}

	switch {
	case account.Status != model.AccountStatusActive:
		ent.Reason = model.DenyAccountInactive
	case !ent.TierOK:
		ent.Reason = model.DenyTierRequired
	case !ent.BalanceOK:
		ent.Reason = model.DenyInsufficientBalance
	default:
		ent.Allowed = true
	}

	metrics.RecordEntitlementCheck(featureKey, ent.Reason)
	return ent, nil
}

// DenialError converts a denied entitlement into the matching typed error.
func DenialError(ent *model.Entitlement) error {
	switch ent.Reason {
	case "":
		return nil
	case model.DenyAccountInactive:
		return apperrors.Forbidden("Account is not active")
	case model.DenyTierRequired:
		return apperrors.TierRequired(string(ent.RequiredTier))
	default:
		return apperrors.InsufficientBalance(ent.Balance, ent.Cost)
	}
}
