package model

import (
	"time"
)

type Account struct {
	ID                 string             `db:"id" json:"id"`
	Email              string             `db:"email" json:"email"`
	APITokenHash       *string            `db:"api_token_hash" json:"-"`
	PasswordHash       *string            `db:"password_hash" json:"-"`
	IsAdmin            bool               `db:"is_admin" json:"isAdmin"`
	Balance            int64              `db:"balance" json:"balance"`
	TotalEarned        int64              `db:"total_earned" json:"totalEarned"`
	TotalSpent         int64              `db:"total_spent" json:"totalSpent"`
	LastDailyGrantDate *time.Time         `db:"last_daily_grant_date" json:"lastDailyGrantDate,omitempty"`
	Status             AccountStatus      `db:"status" json:"status"`
	StatusReason       *string            `db:"status_reason" json:"statusReason,omitempty"`
	SubscriptionTier   SubscriptionTier   `db:"subscription_tier" json:"subscriptionTier"`
	SubscriptionStatus SubscriptionStatus `db:"subscription_status" json:"subscriptionStatus"`
	CreatedAt          time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updatedAt"`
}

// EffectiveTier is the tier that gates features right now. Lifetime never
// lapses; every other paid tier needs an active subscription.
func (a *Account) EffectiveTier() SubscriptionTier {
	if a.SubscriptionTier == TierLifetime {
		return TierLifetime
	}
	if a.SubscriptionStatus == SubscriptionStatusActive && a.SubscriptionTier.Valid() {
		return a.SubscriptionTier
	}
	return TierFree
}

type CreateAccountParams struct {
	Email        string
	APITokenHash string
	Tier         SubscriptionTier
}

// StatusChange is the before/after snapshot of one status mutation.
type StatusChange struct {
	AccountID    string        `db:"account_id"`
	Email        string        `db:"email"`
	BeforeStatus AccountStatus `db:"before_status"`
	BeforeReason *string       `db:"before_reason"`
	AfterStatus  AccountStatus `db:"after_status"`
	AfterReason  *string       `db:"after_reason"`
}

// SubscriptionChange is the before/after snapshot of one subscription override.
type SubscriptionChange struct {
	AccountID    string             `db:"account_id"`
	Email        string             `db:"email"`
	BeforeTier   SubscriptionTier   `db:"before_tier"`
	BeforeStatus SubscriptionStatus `db:"before_status"`
	AfterTier    SubscriptionTier   `db:"after_tier"`
	AfterStatus  SubscriptionStatus `db:"after_status"`
}
