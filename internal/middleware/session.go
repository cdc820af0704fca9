package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/audit"
	"github.com/habitflow/credits-server-go/internal/config"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/httputil"
	"github.com/habitflow/credits-server-go/internal/model"
)

const (
	AdminSessionCookie = "admin_session"
	AdminCookiePath    = "/admin"
)

const AdminSessionContextKey contextKey = "adminSession"

func GetAdminSession(ctx context.Context) *model.AdminSession {
	if session, ok := ctx.Value(AdminSessionContextKey).(*model.AdminSession); ok {
		return session
	}
	return nil
}

// SessionValidator is the part of the admin auth service the middleware needs.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*model.AdminSession, error)
	CheckFresh(ctx context.Context, session *model.AdminSession) error
}

type AdminSessionMiddleware struct {
	sessions SessionValidator
}

func NewAdminSessionMiddleware(sessions SessionValidator) *AdminSessionMiddleware {
	return &AdminSessionMiddleware{sessions: sessions}
}

// Handler requires a live admin session cookie. It does not check freshness.
func (m *AdminSessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(AdminSessionCookie)
		if err != nil || cookie.Value == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		session, err := m.sessions.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			log.Error().Err(err).Msg("admin session middleware: validation failed")
			httputil.WriteError(w, err)
			return
		}

		if session == nil {
			httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		ctx := context.WithValue(r.Context(), AdminSessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFresh rejects sessions that are locked out or whose last password
// verification is older than the re-verification window.
func (m *AdminSessionMiddleware) RequireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := GetAdminSession(r.Context())
		if session == nil {
			httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
			return
		}

		if err := m.sessions.CheckFresh(r.Context(), session); err != nil {
			if apperrors.Is(err, apperrors.ErrCodeLockedOut) {
				audit.LogFromRequest(r, audit.Event{
					Type:      audit.EventLockedOut,
					AccountID: session.AccountID,
				})
			}
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func SetSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminSessionCookie,
		Value:    token,
		Path:     AdminCookiePath,
		MaxAge:   int(config.AdminSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   AdminSessionCookie,
		Value:  "",
		Path:   AdminCookiePath,
		MaxAge: -1,
	})
}
