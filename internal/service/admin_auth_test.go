package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/util"
)

const testAdminPassword = "correct horse battery staple"

type adminAuthFixture struct {
	db      *memDB
	clock   *fakeClock
	service *AdminAuthService
	admin   *model.Account
}

func newAdminAuthFixture(t *testing.T) *adminAuthFixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	db := newMemDB()
	clock := newFakeClock(time.Now())
	svc := NewAdminAuthService(fakeSessions{db}, fakeAccounts{db}, AdminAuthConfig{
		SessionSecret:    "test-secret",
		SessionTTL:       12 * time.Hour,
		ReverifyWindow:   30 * time.Minute,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
	})
	svc.now = clock.Now

	admin := db.addAccount("admin@example.com", func(a *model.Account) {
		a.IsAdmin = true
		h := string(hash)
		a.PasswordHash = &h
	})
	return &adminAuthFixture{db: db, clock: clock, service: svc, admin: admin}
}

func TestAdminAuthService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials open a session", func(t *testing.T) {
		f := newAdminAuthFixture(t)

		token, session, err := f.service.Login(ctx, "ADMIN@example.com", testAdminPassword)
		require.NoError(t, err)
		assert.Len(t, token, 64)
		assert.Equal(t, f.admin.ID, session.AccountID)
		assert.Equal(t, util.HmacSHA256("test-secret", token), session.TokenHash)

		found, err := f.service.ValidateSession(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, session.ID, found.ID)

		require.NoError(t, f.service.Logout(ctx, token))
		found, err = f.service.ValidateSession(ctx, token)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newAdminAuthFixture(t)
		_, _, err := f.service.Login(ctx, "admin@example.com", "nope")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("non-admin account", func(t *testing.T) {
		f := newAdminAuthFixture(t)
		f.db.mu.Lock()
		f.db.accounts[f.admin.ID].IsAdmin = false
		f.db.mu.Unlock()

		_, _, err := f.service.Login(ctx, "admin@example.com", testAdminPassword)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("unknown email", func(t *testing.T) {
		f := newAdminAuthFixture(t)
		_, _, err := f.service.Login(ctx, "ghost@example.com", testAdminPassword)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
	})
}

func TestAdminAuthService_Freshness(t *testing.T) {
	ctx := context.Background()
	f := newAdminAuthFixture(t)

	_, session, err := f.service.Login(ctx, "admin@example.com", testAdminPassword)
	require.NoError(t, err)
	session.VerifiedAt = f.clock.Now()

	require.NoError(t, f.service.CheckFresh(ctx, session))

	f.clock.Advance(31 * time.Minute)
	err = f.service.CheckFresh(ctx, session)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeReverificationRequired))

	verified, err := f.service.Reverify(ctx, session, testAdminPassword)
	require.NoError(t, err)
	assert.NoError(t, f.service.CheckFresh(ctx, verified))
}

func TestAdminAuthService_Lockout(t *testing.T) {
	ctx := context.Background()
	f := newAdminAuthFixture(t)

	_, session, err := f.service.Login(ctx, "admin@example.com", testAdminPassword)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err := f.service.Reverify(ctx, session, "wrong")
		require.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized), "attempt %d", i)
		appErr, _ := apperrors.AsAppError(err)
		assert.Equal(t, 5-i, appErr.Details.(map[string]any)["remainingAttempts"])
	}

	_, err = f.service.Reverify(ctx, session, "wrong")
	require.True(t, apperrors.Is(err, apperrors.ErrCodeLockedOut), "fifth failure locks")

	_, err = f.service.Reverify(ctx, session, testAdminPassword)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLockedOut), "right password is refused while locked")

	err = f.service.CheckFresh(ctx, session)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLockedOut))

	_, _, err = f.service.Login(ctx, "admin@example.com", testAdminPassword)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLockedOut), "a new login does not bypass the lock")

	f.clock.Advance(16 * time.Minute)
	verified, err := f.service.Reverify(ctx, session, testAdminPassword)
	require.NoError(t, err)
	assert.Equal(t, 0, verified.FailedVerifications)
	assert.Nil(t, verified.LockedUntil)
}

func TestAdminAuthService_Bootstrap(t *testing.T) {
	ctx := context.Background()
	f := newAdminAuthFixture(t)
	owner := f.db.addAccount("owner@example.com", nil)

	require.NoError(t, f.service.Bootstrap(ctx, "owner@example.com", "$2a$10$hash"))
	promoted := f.db.account(owner.ID)
	assert.True(t, promoted.IsAdmin)
	assert.Equal(t, "$2a$10$hash", *promoted.PasswordHash)

	require.NoError(t, f.service.Bootstrap(ctx, "nobody@example.com", ""))
	require.NoError(t, f.service.Bootstrap(ctx, "", ""))
}
