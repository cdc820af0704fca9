package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/habitflow/credits-server-go/internal/audit"
	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/middleware"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/util"
)

type AdminAuth interface {
	Login(ctx context.Context, email, password string) (string, *model.AdminSession, error)
	Logout(ctx context.Context, token string) error
	Reverify(ctx context.Context, session *model.AdminSession, password string) (*model.AdminSession, error)
}

type Moderation interface {
	SetStatus(ctx context.Context, adminID, targetUserID string, status model.AccountStatus, reason *string) (*model.ModerationResult, error)
	UpdateSubscription(ctx context.Context, adminID, targetUserID string, tier model.SubscriptionTier, status model.SubscriptionStatus) (*model.ModerationResult, error)
	GrantCredits(ctx context.Context, adminID, targetUserID string, amount int64, reason string) (*model.ModerationResult, error)
	DeductCredits(ctx context.Context, adminID, targetUserID string, amount int64, reason string) (*model.ModerationResult, error)
	CreateAccount(ctx context.Context, adminID, email string, tier model.SubscriptionTier) (*model.Account, string, error)
	ListAccounts(ctx context.Context, adminID string, limit, offset int) ([]model.Account, int, error)
	GetAccount(ctx context.Context, adminID, targetUserID string) (*model.Account, error)
	AccountTransactions(ctx context.Context, adminID, targetUserID string, limit, offset int) ([]model.CreditTransaction, error)
	Reconcile(ctx context.Context, adminID, targetUserID string) (*model.Reconciliation, error)
	ListAuditLog(ctx context.Context, adminID string, limit, offset int) ([]model.AuditLogEntry, int, error)
	AccountAuditLog(ctx context.Context, adminID, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error)
}

// SessionGuard supplies the two admin session layers: any live session, and
// a session whose password check is recent.
type SessionGuard interface {
	Handler(next http.Handler) http.Handler
	RequireFresh(next http.Handler) http.Handler
}

type AdminHandler struct {
	auth         AdminAuth
	moderation   Moderation
	sessions     SessionGuard
	loginLimiter func(http.Handler) http.Handler
	isProduction bool
}

func NewAdminHandler(
	auth AdminAuth,
	moderation Moderation,
	sessions SessionGuard,
	loginLimiter func(http.Handler) http.Handler,
	isProduction bool,
) *AdminHandler {
	return &AdminHandler{
		auth:         auth,
		moderation:   moderation,
		sessions:     sessions,
		loginLimiter: loginLimiter,
		isProduction: isProduction,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.loginLimiter).Post("/api/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.Handler)
		r.Post("/api/logout", h.Logout)
		r.Post("/api/reverify", h.Reverify)

		r.Group(func(r chi.Router) {
			r.Use(h.sessions.RequireFresh)

			// Moderation
			r.Patch("/api/users/{id}/status", h.SetStatus)
			r.Patch("/api/users/{id}/subscription", h.UpdateSubscription)
			r.Post("/api/users/{id}/credits/grant", h.GrantCredits)
			r.Post("/api/users/{id}/credits/deduct", h.DeductCredits)
			r.Get("/api/users/{id}/transactions", h.AccountTransactions)

			// Accounts
			r.Get("/api/accounts", h.ListAccounts)
			r.Post("/api/accounts", h.CreateAccount)
			r.Get("/api/accounts/{id}", h.GetAccount)
			r.Get("/api/accounts/{id}/reconcile", h.Reconcile)
			r.Get("/api/accounts/{id}/audit-log", h.AccountAuditLog)

			r.Get("/api/audit-log", h.AuditLog)
		})
	})

	return r
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apperrors.MissingRequired("email and password"))
		return
	}

	token, session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	middleware.SetSessionCookie(w, token, h.isProduction)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"verifiedAt": session.VerifiedAt,
		"expiresAt":  session.ExpiresAt,
	})
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.AdminSessionCookie); err == nil && cookie.Value != "" {
		if err := h.auth.Logout(r.Context(), cookie.Value); err != nil {
			writeError(w, err)
			return
		}
	}

	if session := middleware.GetAdminSession(r.Context()); session != nil {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLogout, AccountID: session.AccountID})
	}
	middleware.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) Reverify(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetAdminSession(r.Context())

	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Password == "" {
		writeError(w, apperrors.MissingRequired("password"))
		return
	}

	verified, err := h.auth.Reverify(r.Context(), session, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"verifiedAt": verified.VerifiedAt,
	})
}

func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string  `json:"status"`
		Reason *string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.moderation.SetStatus(r.Context(), adminID(r), id, model.AccountStatus(req.Status), req.Reason)
	h.writeModeration(w, result, err)
}

func (h *AdminHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	var req struct {
		Plan   string `json:"plan"`
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.moderation.UpdateSubscription(r.Context(), adminID(r), id,
		model.SubscriptionTier(req.Plan), model.SubscriptionStatus(req.Status))
	h.writeModeration(w, result, err)
}

type creditAdjustment struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	var req creditAdjustment
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.moderation.GrantCredits(r.Context(), adminID(r), id, req.Amount, req.Reason)
	h.writeModeration(w, result, err)
}

func (h *AdminHandler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	var req creditAdjustment
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.moderation.DeductCredits(r.Context(), adminID(r), id, req.Amount, req.Reason)
	h.writeModeration(w, result, err)
}

func (h *AdminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Tier  string `json:"tier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, token, err := h.moderation.CreateAccount(r.Context(), adminID(r), req.Email, model.SubscriptionTier(req.Tier))
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account":  account,
		"apiToken": token,
	})
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	p := AdminPages.Parse(r)

	accounts, total, err := h.moderation.ListAccounts(r.Context(), adminID(r), p.Limit, p.Offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page(accounts, total, p))
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	account, err := h.moderation.GetAccount(r.Context(), adminID(r), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	p := TransactionPages.Parse(r)

	txns, err := h.moderation.AccountTransactions(r.Context(), adminID(r), id, p.Limit, p.Offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  txns,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}

	rec, err := h.moderation.Reconcile(r.Context(), adminID(r), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	p := AdminPages.Parse(r)

	entries, total, err := h.moderation.ListAuditLog(r.Context(), adminID(r), p.Limit, p.Offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page(entries, total, p))
}

func (h *AdminHandler) AccountAuditLog(w http.ResponseWriter, r *http.Request) {
	id, ok := targetID(w, r)
	if !ok {
		return
	}
	p := AdminPages.Parse(r)

	entries, err := h.moderation.AccountAuditLog(r.Context(), adminID(r), id, p.Limit, p.Offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  entries,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *AdminHandler) writeModeration(w http.ResponseWriter, result *model.ModerationResult, err error) {
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeAdminError answers a caller who lacks admin rights exactly as it would
// answer a request for a target that does not exist.
func writeAdminError(w http.ResponseWriter, err error) {
	if apperrors.Is(err, apperrors.ErrCodeUnauthorized) {
		writeError(w, apperrors.NotFound("Resource"))
		return
	}
	writeError(w, err)
}

func targetID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	if !util.IsValidUUID(id) {
		writeError(w, apperrors.NotFound("Resource"))
		return "", false
	}
	return id, true
}

func adminID(r *http.Request) string {
	if session := middleware.GetAdminSession(r.Context()); session != nil {
		return session.AccountID
	}
	return ""
}
