package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/audit"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/metrics"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/repository"
	"github.com/habitflow/credits-server-go/internal/util"
)

type AuditRecorder interface {
	Record(ctx context.Context, params model.CreateAuditLogParams) (*model.AuditLogEntry, error)
	List(ctx context.Context, limit, offset int) ([]model.AuditLogEntry, int, error)
	ListByTarget(ctx context.Context, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error)
}

const (
	entityAccountStatus = "account_status"
	entitySubscription  = "subscription"
	entityCredits       = "credits"
	entityAccount       = "account"
	signupBonusReason   = "signup bonus"
)

// ModerationService applies administrative changes to accounts. Every
// mutating call writes exactly one audit entry, whether it succeeds or not.
type ModerationService struct {
	accounts    repository.AccountRepository
	ledger      *CreditLedger
	recorder    AuditRecorder
	signupBonus int64
}

func NewModerationService(
	accounts repository.AccountRepository,
	ledger *CreditLedger,
	recorder AuditRecorder,
	signupBonus int64,
) *ModerationService {
	return &ModerationService{
		accounts:    accounts,
		ledger:      ledger,
		recorder:    recorder,
		signupBonus: signupBonus,
	}
}

func (s *ModerationService) SetStatus(ctx context.Context, adminID, targetUserID string, status model.AccountStatus, reason *string) (*model.ModerationResult, error) {
	entry := s.newEntry(adminID, model.AuditActionSetStatus, targetUserID, entityAccountStatus)
	entry.AfterValue = map[string]any{"status": status, "reason": reason}

	if _, err := s.authorize(ctx, adminID, &entry); err != nil {
		return s.fail(ctx, entry, err)
	}
	if _, err := s.target(ctx, targetUserID, &entry); err != nil {
		return s.fail(ctx, entry, err)
	}
	if !status.Valid() {
		return s.fail(ctx, entry, apperrors.InvalidInput("status", "must be one of active, disabled, suspended"))
	}

	change, err := s.accounts.UpdateStatus(ctx, targetUserID, status, reason)
	if err != nil {
		return s.fail(ctx, entry, apperrors.Database(err))
	}
	if change == nil {
		return s.fail(ctx, entry, apperrors.NotFound("User"))
	}

	entry.BeforeValue = map[string]any{"status": change.BeforeStatus, "reason": change.BeforeReason}
	entry.AfterValue = map[string]any{"status": change.AfterStatus, "reason": change.AfterReason}
	return s.succeed(ctx, entry, fmt.Sprintf("User status set to %s", change.AfterStatus))
}

// UpdateSubscription overrides the plan directly, bypassing any payment provider.
func (s *ModerationService) UpdateSubscription(ctx context.Context, adminID, targetUserID string, tier model.SubscriptionTier, status model.SubscriptionStatus) (*model.ModerationResult, error) {
	entry := s.newEntry(adminID, model.AuditActionUpdateSubscription, targetUserID, entitySubscription)
	entry.AfterValue = map[string]any{"tier": tier, "status": status}

	if _, err := s.authorize(ctx, adminID, &entry); err != nil {
		return s.fail(ctx, entry, err)
	}
	if _, err := s.target(ctx, targetUserID, &entry); err != nil {
		return s.fail(ctx, entry, err)
	}
	if !tier.Valid() {
		return s.fail(ctx, entry, apperrors.InvalidInput("plan", "must be one of free, pro, premium, lifetime"))
	}
	if !status.Valid() {
		return s.fail(ctx, entry, apperrors.InvalidInput("status", "must be one of none, active, cancelled, expired"))
	}

	change, err := s.accounts.UpdateSubscription(ctx, targetUserID, tier, status)
	if err != nil {
		return s.fail(ctx, entry, apperrors.Database(err))
	}
	if change == nil {
		return s.fail(ctx, entry, apperrors.NotFound("User"))
	}

	entry.BeforeValue = map[string]any{"tier": change.BeforeTier, "status": change.BeforeStatus}
	entry.AfterValue = map[string]any{"tier": change.AfterTier, "status": change.AfterStatus}
	return s.succeed(ctx, entry, fmt.Sprintf("Subscription set to %s (%s)", change.AfterTier, change.AfterStatus))
}

func (s *ModerationService) GrantCredits(ctx context.Context, adminID, targetUserID string, amount int64, reason string) (*model.ModerationResult, error) {
	return s.adjustCredits(ctx, adminID, targetUserID, amount, reason, model.AuditActionGrantCredits)
}

// DeductCredits respects the balance floor; a short balance is recorded as a
// failed attempt.
func (s *ModerationService) DeductCredits(ctx context.Context, adminID, targetUserID string, amount int64, reason string) (*model.ModerationResult, error) {
	return s.adjustCredits(ctx, adminID, targetUserID, amount, reason, model.AuditActionDeductCredits)
}

func (s *ModerationService) adjustCredits(ctx context.Context, adminID, targetUserID string, amount int64, reason string, action model.AuditAction) (*model.ModerationResult, error) {
	entry := s.newEntry(adminID, action, targetUserID, entityCredits)
	entry.Metadata["amount"] = amount
	entry.Metadata["reason"] = reason

	if _, err := s.authorize(ctx, adminID, &entry); err != nil {
		return s.fail(ctx, entry, err)
	}
	target, err := s.target(ctx, targetUserID, &entry)
	if err != nil {
		return s.fail(ctx, entry, err)
	}
	entry.BeforeValue = map[string]any{"balance": target.Balance}
	if amount <= 0 {
		return s.fail(ctx, entry, apperrors.ValidationError("amount must be a positive integer"))
	}
	if strings.TrimSpace(reason) == "" {
		return s.fail(ctx, entry, apperrors.MissingRequired("reason"))
	}

	params := model.LedgerEntryParams{
		AccountID: targetUserID,
		Amount:    amount,
		Reason:    reason,
		ActorID:   &adminID,
	}
	var result *model.LedgerResult
	if action == model.AuditActionGrantCredits {
		result, err = s.ledger.Grant(ctx, params)
	} else {
		result, err = s.ledger.Deduct(ctx, params)
	}
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.ErrCodeInsufficientBalance {
			if details, ok := appErr.Details.(map[string]any); ok {
				entry.BeforeValue = map[string]any{"balance": details["balance"]}
				entry.AfterValue = map[string]any{"balance": details["balance"]}
			}
		}
		return s.fail(ctx, entry, err)
	}

	before := result.NewBalance - amount
	if action == model.AuditActionDeductCredits {
		before = result.NewBalance + amount
	}
	entry.BeforeValue = map[string]any{"balance": before}
	entry.AfterValue = map[string]any{"balance": result.NewBalance}
	entry.Metadata["transactionId"] = result.Transaction.ID

	verb := "Granted"
	if action == model.AuditActionDeductCredits {
		verb = "Deducted"
	}
	return s.succeed(ctx, entry, fmt.Sprintf("%s %d credits, new balance %d", verb, amount, result.NewBalance))
}

// CreateAccount provisions an account and returns its API token, which is
// shown once and stored only as a hash.
func (s *ModerationService) CreateAccount(ctx context.Context, adminID, email string, tier model.SubscriptionTier) (*model.Account, string, error) {
	email = strings.TrimSpace(email)
	entry := s.newEntry(adminID, model.AuditActionCreateAccount, "", entityAccount)
	entry.TargetUserEmail = &email
	entry.AfterValue = map[string]any{"email": email, "tier": tier}

	fail := func(err error) (*model.Account, string, error) {
		_, err = s.fail(ctx, entry, err)
		return nil, "", err
	}

	if _, err := s.authorize(ctx, adminID, &entry); err != nil {
		return fail(err)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fail(apperrors.InvalidInput("email", "must be a valid address"))
	}
	if tier == "" {
		tier = model.TierFree
	}
	if !tier.Valid() {
		return fail(apperrors.InvalidInput("tier", "must be one of free, pro, premium, lifetime"))
	}

	token, err := util.GenerateToken()
	if err != nil {
		return fail(apperrors.Internal("failed to generate token").WithCause(err))
	}
	account, err := s.accounts.Create(ctx, model.CreateAccountParams{
		Email:        email,
		APITokenHash: util.HashToken(token),
		Tier:         tier,
	})
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return fail(apperrors.AlreadyExists("Account"))
		}
		return fail(apperrors.Database(err))
	}
	entry.TargetUserID = &account.ID

	if s.signupBonus > 0 {
		// The account already exists; a failed bonus is logged, not rolled back.
		result, err := s.ledger.Grant(ctx, model.LedgerEntryParams{
			AccountID: account.ID,
			Amount:    s.signupBonus,
			Reason:    signupBonusReason,
			ActorID:   &adminID,
		})
		if err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("failed to grant signup bonus")
			entry.Metadata["bonusError"] = err.Error()
		} else {
			account.Balance = result.NewBalance
			account.TotalEarned += s.signupBonus
			entry.Metadata["bonus"] = s.signupBonus
		}
	}

	entry.AfterValue = map[string]any{
		"email":   account.Email,
		"tier":    account.SubscriptionTier,
		"status":  account.SubscriptionStatus,
		"balance": account.Balance,
	}
	if _, err := s.succeed(ctx, entry, "Account created"); err != nil {
		return nil, "", err
	}
	return account, token, nil
}

func (s *ModerationService) ListAccounts(ctx context.Context, adminID string, limit, offset int) ([]model.Account, int, error) {
	if err := s.requireAdmin(ctx, adminID, "list_accounts", ""); err != nil {
		return nil, 0, err
	}
	accounts, err := s.accounts.FindAll(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	total, err := s.accounts.Count(ctx)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	return accounts, total, nil
}

func (s *ModerationService) GetAccount(ctx context.Context, adminID, targetUserID string) (*model.Account, error) {
	if err := s.requireAdmin(ctx, adminID, "get_account", targetUserID); err != nil {
		return nil, err
	}
	return s.ledger.Balance(ctx, targetUserID)
}

func (s *ModerationService) AccountTransactions(ctx context.Context, adminID, targetUserID string, limit, offset int) ([]model.CreditTransaction, error) {
	if err := s.requireAdmin(ctx, adminID, "list_transactions", targetUserID); err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, targetUserID, limit, offset)
}

func (s *ModerationService) Reconcile(ctx context.Context, adminID, targetUserID string) (*model.Reconciliation, error) {
	if err := s.requireAdmin(ctx, adminID, "reconcile", targetUserID); err != nil {
		return nil, err
	}
	return s.ledger.Reconcile(ctx, targetUserID)
}

// ListAuditLog returns entries newest first with the total count.
func (s *ModerationService) ListAuditLog(ctx context.Context, adminID string, limit, offset int) ([]model.AuditLogEntry, int, error) {
	if err := s.requireAdmin(ctx, adminID, "list_audit_log", ""); err != nil {
		return nil, 0, err
	}
	entries, total, err := s.recorder.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	if entries == nil {
		entries = []model.AuditLogEntry{}
	}
	return entries, total, nil
}

// AccountAuditLog returns the audit history of one account, newest first.
func (s *ModerationService) AccountAuditLog(ctx context.Context, adminID, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error) {
	if err := s.requireAdmin(ctx, adminID, "list_account_audit_log", targetUserID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Balance(ctx, targetUserID); err != nil {
		return nil, err
	}
	entries, err := s.recorder.ListByTarget(ctx, targetUserID, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if entries == nil {
		entries = []model.AuditLogEntry{}
	}
	return entries, nil
}

func (s *ModerationService) newEntry(adminID string, action model.AuditAction, targetUserID, entityType string) model.CreateAuditLogParams {
	entry := model.CreateAuditLogParams{
		AdminID:    adminID,
		Action:     action,
		EntityType: entityType,
		Metadata:   map[string]any{},
	}
	if targetUserID != "" {
		entry.TargetUserID = &targetUserID
	}
	return entry
}

// authorize checks the actor's own admin flag. It runs before any lookup of
// the target so non-admins learn nothing about other accounts.
func (s *ModerationService) authorize(ctx context.Context, adminID string, entry *model.CreateAuditLogParams) (*model.Account, error) {
	actor, err := s.accounts.FindByID(ctx, adminID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if actor != nil {
		entry.AdminEmail = &actor.Email
	}
	if actor == nil || !actor.IsAdmin || actor.Status != model.AccountStatusActive {
		target := ""
		if entry.TargetUserID != nil {
			target = *entry.TargetUserID
		}
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventUnauthorizedAdmin,
			AccountID: adminID,
			TargetID:  target,
			Details:   map[string]interface{}{"action": string(entry.Action)},
		})
		return nil, apperrors.Unauthorized("Admin privileges required")
	}
	return actor, nil
}

func (s *ModerationService) requireAdmin(ctx context.Context, adminID, action, targetUserID string) error {
	entry := s.newEntry(adminID, model.AuditAction(action), targetUserID, "")
	_, err := s.authorize(ctx, adminID, &entry)
	return err
}

func (s *ModerationService) target(ctx context.Context, targetUserID string, entry *model.CreateAuditLogParams) (*model.Account, error) {
	target, err := s.accounts.FindByID(ctx, targetUserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if target == nil {
		return nil, apperrors.NotFound("User")
	}
	entry.TargetUserEmail = &target.Email
	return target, nil
}

func (s *ModerationService) fail(ctx context.Context, entry model.CreateAuditLogParams, cause error) (*model.ModerationResult, error) {
	entry.Metadata["success"] = false
	entry.Metadata["error"] = string(apperrors.GetCode(cause))
	if appErr, ok := apperrors.AsAppError(cause); ok {
		entry.Metadata["errorMessage"] = appErr.Message
	}
	s.record(ctx, entry)
	metrics.RecordAdminAction(string(entry.Action), false)

	message := "Operation failed"
	if appErr, ok := apperrors.AsAppError(cause); ok {
		message = appErr.Message
	}
	return &model.ModerationResult{Success: false, Message: message}, cause
}

func (s *ModerationService) succeed(ctx context.Context, entry model.CreateAuditLogParams, message string) (*model.ModerationResult, error) {
	entry.Metadata["success"] = true
	s.record(ctx, entry)
	metrics.RecordAdminAction(string(entry.Action), true)
	return &model.ModerationResult{Success: true, Message: message}, nil
}

// record never changes the outcome of the call it describes.
func (s *ModerationService) record(ctx context.Context, entry model.CreateAuditLogParams) {
	if _, err := s.recorder.Record(ctx, entry); err != nil {
		audit.LogSecurity(ctx, audit.Event{
			Type:      audit.EventAuditWriteFailure,
			AccountID: entry.AdminID,
			Details: map[string]interface{}{
				"action": string(entry.Action),
				"error":  err,
			},
		})
	}
}
