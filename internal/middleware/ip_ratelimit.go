package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/audit"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/httputil"
	"github.com/habitflow/credits-server-go/internal/service"
)

// IPRateLimitMiddleware throttles by client address using the same sliding
// window store as the per-user feature limiter. It fails open: an outage of
// the window store must not take the whole API down with it.
type IPRateLimitMiddleware struct {
	store  service.WindowStore
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewIPRateLimitMiddleware(store service.WindowStore, limit int, window time.Duration, prefix string) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{
		store:  store,
		limit:  limit,
		window: window,
		prefix: prefix,
		now:    time.Now,
	}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientHost(r)
		key := fmt.Sprintf("ratelimit:ip:%s:%s", m.prefix, ip)
		now := m.now()

		state, err := m.store.Consume(r.Context(), key, now, m.window, m.limit)
		if err != nil {
			log.Warn().Err(err).Str("prefix", m.prefix).Msg("ip rate limit: store unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		if !state.Allowed {
			resetAt := now.Add(m.window)
			if !state.Oldest.IsZero() {
				resetAt = state.Oldest.Add(m.window)
			}
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]any{"scope": m.prefix, "limit": m.limit},
			})
			httputil.WriteError(w, apperrors.RateLimitedUntil(resetAt))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientHost is the first hop of the forwarding chain, without a port.
func clientHost(r *http.Request) string {
	ip := audit.ClientIP(r)
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
