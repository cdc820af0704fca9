package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/util"
)

type moderationFixture struct {
	db       *memDB
	recorder *fakeRecorder
	service  *ModerationService
	admin    *model.Account
	user     *model.Account
	target   *model.Account
}

func newModerationFixture(signupBonus int64) *moderationFixture {
	db := newMemDB()
	recorder := &fakeRecorder{}
	f := &moderationFixture{
		db:       db,
		recorder: recorder,
		service:  NewModerationService(fakeAccounts{db}, newTestLedger(db), recorder, signupBonus),
	}
	f.admin = db.addAccount("admin@example.com", func(a *model.Account) { a.IsAdmin = true })
	f.user = db.addAccount("user@example.com", nil)
	f.target = db.addAccount("target@example.com", func(a *model.Account) { a.Balance = 20 })
	return f
}

func strPtr(s string) *string { return &s }

func TestModerationService_OneAuditEntryPerCall(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)

	calls := []struct {
		name    string
		call    func() (*model.ModerationResult, error)
		success bool
	}{
		{"set status", func() (*model.ModerationResult, error) {
			return f.service.SetStatus(ctx, f.admin.ID, f.target.ID, model.AccountStatusSuspended, strPtr("spam"))
		}, true},
		{"set invalid status", func() (*model.ModerationResult, error) {
			return f.service.SetStatus(ctx, f.admin.ID, f.target.ID, "banned", nil)
		}, false},
		{"set status on missing user", func() (*model.ModerationResult, error) {
			return f.service.SetStatus(ctx, f.admin.ID, "missing", model.AccountStatusDisabled, nil)
		}, false},
		{"update subscription", func() (*model.ModerationResult, error) {
			return f.service.UpdateSubscription(ctx, f.admin.ID, f.target.ID, model.TierPro, model.SubscriptionStatusActive)
		}, true},
		{"update subscription with bad plan", func() (*model.ModerationResult, error) {
			return f.service.UpdateSubscription(ctx, f.admin.ID, f.target.ID, "gold", model.SubscriptionStatusActive)
		}, false},
		{"grant credits", func() (*model.ModerationResult, error) {
			return f.service.GrantCredits(ctx, f.admin.ID, f.target.ID, 30, "goodwill")
		}, true},
		{"deduct credits", func() (*model.ModerationResult, error) {
			return f.service.DeductCredits(ctx, f.admin.ID, f.target.ID, 10, "abuse")
		}, true},
		{"deduct past the floor", func() (*model.ModerationResult, error) {
			return f.service.DeductCredits(ctx, f.admin.ID, f.target.ID, 1000, "abuse")
		}, false},
		{"non-admin grant", func() (*model.ModerationResult, error) {
			return f.service.GrantCredits(ctx, f.user.ID, f.target.ID, 5, "self-help")
		}, false},
	}

	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			before := f.recorder.count()
			result, err := c.call()

			require.NotNil(t, result)
			assert.Equal(t, c.success, result.Success)
			assert.Equal(t, c.success, err == nil)
			assert.NotEmpty(t, result.Message)
			assert.Equal(t, before+1, f.recorder.count(), "exactly one audit entry")
			assert.Equal(t, c.success, f.recorder.last().Metadata["success"])
		})
	}

	assertInvariant(t, f.db.account(f.target.ID))
}

func TestModerationService_SetStatusSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)

	_, err := f.service.SetStatus(ctx, f.admin.ID, f.target.ID, model.AccountStatusDisabled, strPtr("chargeback"))
	require.NoError(t, err)

	entry := f.recorder.last()
	assert.Equal(t, model.AuditActionSetStatus, entry.Action)
	assert.Equal(t, f.admin.ID, entry.AdminID)
	assert.Equal(t, "admin@example.com", *entry.AdminEmail)
	assert.Equal(t, f.target.ID, *entry.TargetUserID)
	assert.Equal(t, "target@example.com", *entry.TargetUserEmail)
	assert.Equal(t, model.AccountStatusActive, entry.BeforeValue.(map[string]any)["status"])
	assert.Equal(t, model.AccountStatusDisabled, entry.AfterValue.(map[string]any)["status"])
	assert.Equal(t, model.AccountStatusDisabled, f.db.account(f.target.ID).Status)
}

func TestModerationService_NonAdminGrant(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)

	result, err := f.service.GrantCredits(ctx, f.user.ID, f.target.ID, 100, "free money")

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
	assert.False(t, result.Success)
	assert.Equal(t, int64(20), f.db.account(f.target.ID).Balance, "no balance change")

	require.Equal(t, 1, f.recorder.count())
	entry := f.recorder.last()
	assert.Equal(t, model.AuditActionGrantCredits, entry.Action)
	assert.Equal(t, f.user.ID, entry.AdminID)
	assert.Equal(t, false, entry.Metadata["success"])
	assert.Equal(t, string(apperrors.ErrCodeUnauthorized), entry.Metadata["error"])
	assert.Nil(t, entry.TargetUserEmail, "target is not looked up for non-admins")
}

func TestModerationService_DemotedAdminIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)
	f.db.mu.Lock()
	f.db.accounts[f.admin.ID].IsAdmin = false
	f.db.mu.Unlock()

	_, err := f.service.SetStatus(ctx, f.admin.ID, f.target.ID, model.AccountStatusSuspended, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
}

func TestModerationService_CreditSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)

	_, err := f.service.GrantCredits(ctx, f.admin.ID, f.target.ID, 30, "goodwill")
	require.NoError(t, err)
	entry := f.recorder.last()
	assert.Equal(t, int64(20), entry.BeforeValue.(map[string]any)["balance"])
	assert.Equal(t, int64(50), entry.AfterValue.(map[string]any)["balance"])
	assert.NotEmpty(t, entry.Metadata["transactionId"])

	_, err = f.service.DeductCredits(ctx, f.admin.ID, f.target.ID, 60, "abuse")
	require.True(t, apperrors.Is(err, apperrors.ErrCodeInsufficientBalance))
	entry = f.recorder.last()
	assert.Equal(t, false, entry.Metadata["success"])
	assert.Equal(t, string(apperrors.ErrCodeInsufficientBalance), entry.Metadata["error"])
	assert.Equal(t, int64(50), entry.BeforeValue.(map[string]any)["balance"])
	assert.Equal(t, int64(50), f.db.account(f.target.ID).Balance)

	txns, err := f.service.AccountTransactions(ctx, f.admin.ID, f.target.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, f.admin.ID, *txns[0].ActorID)
}

func TestModerationService_AuditFailureKeepsResult(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)
	f.recorder.err = errors.New("disk full")

	result, err := f.service.GrantCredits(ctx, f.admin.ID, f.target.ID, 5, "goodwill")

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(25), f.db.account(f.target.ID).Balance)
}

func TestModerationService_CreateAccount(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(25)

	account, token, err := f.service.CreateAccount(ctx, f.admin.ID, "new@example.com", model.TierPro)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, util.HashToken(token), *account.APITokenHash)
	assert.Equal(t, int64(25), account.Balance)
	assert.Equal(t, model.SubscriptionStatusActive, account.SubscriptionStatus)

	entry := f.recorder.last()
	assert.Equal(t, model.AuditActionCreateAccount, entry.Action)
	assert.Equal(t, account.ID, *entry.TargetUserID)
	assertInvariant(t, f.db.account(account.ID))

	_, _, err = f.service.CreateAccount(ctx, f.admin.ID, "NEW@example.com", model.TierFree)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadyExists))

	_, _, err = f.service.CreateAccount(ctx, f.admin.ID, "not-an-email", model.TierFree)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

	_, _, err = f.service.CreateAccount(ctx, f.user.ID, "other@example.com", model.TierFree)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
}

func TestModerationService_Reads(t *testing.T) {
	ctx := context.Background()
	f := newModerationFixture(0)

	accounts, total, err := f.service.ListAccounts(ctx, f.admin.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
	assert.Equal(t, 3, total)

	_, _, err = f.service.ListAccounts(ctx, f.user.ID, 10, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))

	got, err := f.service.GetAccount(ctx, f.admin.ID, f.target.ID)
	require.NoError(t, err)
	assert.Equal(t, f.target.Email, got.Email)

	_, err = f.service.GetAccount(ctx, f.user.ID, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized), "non-admins learn nothing about targets")

	_, err = f.service.SetStatus(ctx, f.admin.ID, f.target.ID, model.AccountStatusSuspended, nil)
	require.NoError(t, err)
	entries, total, err := f.service.ListAuditLog(ctx, f.admin.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.AuditActionSetStatus, entries[0].Action)

	_, err = f.service.GrantCredits(ctx, f.admin.ID, f.user.ID, 5, "goodwill")
	require.NoError(t, err)
	history, err := f.service.AccountAuditLog(ctx, f.admin.ID, f.target.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "only entries about this account")
	assert.Equal(t, model.AuditActionSetStatus, history[0].Action)

	history, err = f.service.AccountAuditLog(ctx, f.admin.ID, f.admin.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.service.AccountAuditLog(ctx, f.user.ID, f.target.ID, 10, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
}
