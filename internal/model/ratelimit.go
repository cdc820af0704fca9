package model

import "time"

type RateLimitDecision struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int       `json:"remaining"`
	MaxRequests int       `json:"maxRequests"`
	ResetAt     time.Time `json:"resetAt"`
}

// Entitlement is the outcome of both gate checks. Reason names the first
// failing check in the order account status, tier, balance.
type Entitlement struct {
	Allowed      bool             `json:"allowed"`
	Feature      string           `json:"feature"`
	Cost         int64            `json:"cost"`
	Balance      int64            `json:"balance"`
	Tier         SubscriptionTier `json:"tier"`
	RequiredTier SubscriptionTier `json:"requiredTier,omitempty"`
	TierOK       bool             `json:"tierOk"`
	BalanceOK    bool             `json:"balanceOk"`
	Reason       string           `json:"reason,omitempty"`
}

const (
	DenyAccountInactive     = "ACCOUNT_INACTIVE"
	DenyTierRequired        = "TIER_REQUIRED"
	DenyInsufficientBalance = "INSUFFICIENT_BALANCE"
)

type FeatureCharge struct {
	Entitlement *Entitlement       `json:"entitlement"`
	RateLimit   *RateLimitDecision `json:"rateLimit"`
	Transaction *CreditTransaction `json:"transaction,omitempty"`
	NewBalance  int64              `json:"newBalance"`
}
