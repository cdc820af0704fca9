package middleware

import (
	"time"

	"github.com/habitflow/credits-server-go/internal/service"
)

const (
	loginMaxAttempts    = 5
	loginWindowDuration = time.Minute
)

// NewLoginRateLimiter throttles admin login attempts per client address. It
// sits in front of the per-account lockout, which only engages once a
// session exists.
func NewLoginRateLimiter(store service.WindowStore) *IPRateLimitMiddleware {
	return NewIPRateLimitMiddleware(store, loginMaxAttempts, loginWindowDuration, "admin-login")
}
