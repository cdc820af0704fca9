package model

import (
	"time"
)

type AdminSession struct {
	ID                  string     `db:"id" json:"id"`
	AccountID           string     `db:"account_id" json:"accountId"`
	TokenHash           string     `db:"token_hash" json:"-"`
	VerifiedAt          time.Time  `db:"verified_at" json:"verifiedAt"`
	FailedVerifications int        `db:"failed_verifications" json:"failedVerifications"`
	LockedUntil         *time.Time `db:"locked_until" json:"lockedUntil,omitempty"`
	ExpiresAt           time.Time  `db:"expires_at" json:"expiresAt"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
}

func (s *AdminSession) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

type CreateAdminSessionParams struct {
	AccountID string
	TokenHash string
	ExpiresAt time.Time
}

type ModerationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
