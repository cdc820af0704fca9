package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/audit"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/repository"
	"github.com/habitflow/credits-server-go/internal/util"
)

type AdminAuthConfig struct {
	SessionSecret    string
	SessionTTL       time.Duration
	ReverifyWindow   time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
}

// AdminAuthService owns admin sessions and their re-verification state. It
// authenticates people; ModerationService still checks the admin flag on
// every call.
type AdminAuthService struct {
	sessions repository.AdminSessionRepository
	accounts repository.AccountRepository
	cfg      AdminAuthConfig
	now      func() time.Time
}

func NewAdminAuthService(
	sessions repository.AdminSessionRepository,
	accounts repository.AccountRepository,
	cfg AdminAuthConfig,
) *AdminAuthService {
	return &AdminAuthService{
		sessions: sessions,
		accounts: accounts,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Login checks an admin's email and password and opens a freshly verified
// session. The raw token is returned once; only its HMAC is stored.
func (s *AdminAuthService) Login(ctx context.Context, email, password string) (string, *model.AdminSession, error) {
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		return "", nil, apperrors.Database(err)
	}
	if !s.credentialsMatch(account, password) {
		accountID := ""
		if account != nil {
			accountID = account.ID
		}
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventLoginFailure,
			AccountID: accountID,
		})
		return "", nil, apperrors.Unauthorized("Invalid credentials")
	}

	if until, err := s.activeLockout(ctx, account.ID); err != nil {
		return "", nil, err
	} else if until != nil {
		return "", nil, apperrors.LockedOut(*until)
	}

	token, err := util.GenerateToken()
	if err != nil {
		return "", nil, apperrors.Internal("failed to generate session token").WithCause(err)
	}

	session, err := s.sessions.Create(ctx, model.CreateAdminSessionParams{
		AccountID: account.ID,
		TokenHash: s.hash(token),
		ExpiresAt: s.now().Add(s.cfg.SessionTTL),
	})
	if err != nil {
		return "", nil, apperrors.Database(err)
	}

	audit.LogSecurity(ctx, audit.Event{Type: audit.EventLoginSuccess, AccountID: account.ID})
	return token, session, nil
}

func (s *AdminAuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.DeleteByTokenHash(ctx, s.hash(token))
}

// ValidateSession returns the live session for token, or nil.
func (s *AdminAuthService) ValidateSession(ctx context.Context, token string) (*model.AdminSession, error) {
	if token == "" {
		return nil, nil
	}
	session, err := s.sessions.FindByTokenHash(ctx, s.hash(token))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return session, nil
}

// CheckFresh gates moderation endpoints. A lockout on any of the account's
// sessions wins over freshness.
func (s *AdminAuthService) CheckFresh(ctx context.Context, session *model.AdminSession) error {
	now := s.now()
	if session.LockedAt(now) {
		return apperrors.LockedOut(*session.LockedUntil)
	}
	until, err := s.activeLockout(ctx, session.AccountID)
	if err != nil {
		return err
	}
	if until != nil {
		return apperrors.LockedOut(*until)
	}
	if now.Sub(session.VerifiedAt) > s.cfg.ReverifyWindow {
		return apperrors.ReverificationRequired()
	}
	return nil
}

// Reverify re-proves the admin's identity for session. While a lockout is in
// force even the right password is refused.
func (s *AdminAuthService) Reverify(ctx context.Context, session *model.AdminSession, password string) (*model.AdminSession, error) {
	now := s.now()

	until, err := s.activeLockout(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}
	if until != nil {
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventLockedOut,
			AccountID: session.AccountID,
			Details:   map[string]interface{}{"locked_until": *until},
		})
		return nil, apperrors.LockedOut(*until)
	}

	account, err := s.accounts.FindByID(ctx, session.AccountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if !s.credentialsMatch(account, password) {
		updated, err := s.sessions.RecordFailedVerification(ctx, session.ID, s.cfg.LockoutThreshold, now.Add(s.cfg.LockoutDuration))
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if updated != nil && updated.LockedAt(now) {
			audit.LogSecurity(ctx, audit.Event{
				Type:      audit.EventLockedOut,
				AccountID: session.AccountID,
				Details:   map[string]interface{}{"locked_until": *updated.LockedUntil},
			})
			return nil, apperrors.LockedOut(*updated.LockedUntil)
		}

		remaining := s.cfg.LockoutThreshold
		if updated != nil {
			remaining -= updated.FailedVerifications
		}
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventReverifyFailure,
			AccountID: session.AccountID,
			Details:   map[string]interface{}{"remaining_attempts": remaining},
		})
		return nil, apperrors.Unauthorized("Invalid credentials").
			WithDetails(map[string]any{"remainingAttempts": remaining})
	}

	verified, err := s.sessions.MarkVerified(ctx, session.ID, now)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if verified == nil {
		// Locked by a concurrent failure between the check and the update.
		return nil, apperrors.LockedOut(now.Add(s.cfg.LockoutDuration))
	}

	audit.LogSecurity(ctx, audit.Event{Type: audit.EventReverifySuccess, AccountID: session.AccountID})
	return verified, nil
}

// Bootstrap seeds the admin flag on the configured account. The email is only
// a seed; at runtime the stored flag is authoritative.
func (s *AdminAuthService) Bootstrap(ctx context.Context, email, passwordHash string) error {
	if email == "" {
		return nil
	}
	var hash *string
	if passwordHash != "" {
		hash = &passwordHash
	}
	promoted, err := s.accounts.PromoteAdmin(ctx, email, hash)
	if err != nil {
		return err
	}
	if !promoted {
		log.Warn().Str("email", email).Msg("bootstrap admin account does not exist yet")
		return nil
	}
	audit.LogSecurity(ctx, audit.Event{
		Type:    audit.EventAdminBootstrap,
		Details: map[string]interface{}{"email": email},
	})
	return nil
}

func (s *AdminAuthService) credentialsMatch(account *model.Account, password string) bool {
	if account == nil || !account.IsAdmin || account.PasswordHash == nil || password == "" {
		return false
	}
	if account.Status != model.AccountStatusActive {
		return false
	}
	return util.CheckPasswordHash(password, *account.PasswordHash)
}

func (s *AdminAuthService) activeLockout(ctx context.Context, accountID string) (*time.Time, error) {
	until, err := s.sessions.ActiveLockout(ctx, accountID, s.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return until, nil
}

func (s *AdminAuthService) hash(token string) string {
	return util.HmacSHA256(s.cfg.SessionSecret, token)
}
