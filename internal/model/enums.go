package model

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusDisabled  AccountStatus = "disabled"
	AccountStatusSuspended AccountStatus = "suspended"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusDisabled, AccountStatusSuspended:
		return true
	}
	return false
}

type SubscriptionTier string

const (
	TierFree     SubscriptionTier = "free"
	TierPro      SubscriptionTier = "pro"
	TierPremium  SubscriptionTier = "premium"
	TierLifetime SubscriptionTier = "lifetime"
)

var tierRank = map[SubscriptionTier]int{
	TierFree:     0,
	TierPro:      1,
	TierPremium:  2,
	TierLifetime: 3,
}

func (t SubscriptionTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Satisfies reports whether t is at least as high as the required tier.
func (t SubscriptionTier) Satisfies(required SubscriptionTier) bool {
	have, ok := tierRank[t]
	if !ok {
		return false
	}
	need, ok := tierRank[required]
	if !ok {
		return false
	}
	return have >= need
}

type SubscriptionStatus string

const (
	SubscriptionStatusNone      SubscriptionStatus = "none"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusExpired:
		return true
	}
	return false
}

type TransactionKind string

const (
	TransactionEarn  TransactionKind = "earn"
	TransactionSpend TransactionKind = "spend"
)

type AuditAction string

const (
	AuditActionSetStatus          AuditAction = "set_status"
	AuditActionUpdateSubscription AuditAction = "update_subscription"
	AuditActionGrantCredits       AuditAction = "grant_credits"
	AuditActionDeductCredits      AuditAction = "deduct_credits"
	AuditActionCreateAccount      AuditAction = "create_account"
)
