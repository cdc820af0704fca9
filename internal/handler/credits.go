package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/middleware"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/util"
)

// IdempotencyKeyHeader may carry the key instead of the JSON body.
const IdempotencyKeyHeader = "Idempotency-Key"

type Ledger interface {
	GrantDailyCredit(ctx context.Context, accountID string) (*model.DailyGrantResult, error)
	Balance(ctx context.Context, accountID string) (*model.Account, error)
	Spend(ctx context.Context, params model.LedgerEntryParams) (*model.LedgerResult, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error)
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, userID string, tier model.SubscriptionTier) (*model.RateLimitDecision, error)
	Peek(ctx context.Context, userID string, tier model.SubscriptionTier) (*model.RateLimitDecision, error)
}

type Entitlements interface {
	CanUse(ctx context.Context, accountID, featureKey string, tierRequirement ...model.SubscriptionTier) (*model.Entitlement, error)
}

type Features interface {
	Charge(ctx context.Context, accountID, featureKey, idempotencyKey string) (*model.FeatureCharge, error)
	Refund(ctx context.Context, accountID, transactionID string) (*model.LedgerResult, error)
}

// CreditsHandler serves the user API. Every route runs behind the bearer
// token middleware.
type CreditsHandler struct {
	ledger       Ledger
	limiter      Limiter
	entitlements Entitlements
	features     Features
}

func NewCreditsHandler(ledger Ledger, limiter Limiter, entitlements Entitlements, features Features) *CreditsHandler {
	return &CreditsHandler{
		ledger:       ledger,
		limiter:      limiter,
		entitlements: entitlements,
		features:     features,
	}
}

func (h *CreditsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/credits/daily", h.DailyGrant)
	r.Get("/credits/balance", h.Balance)
	r.Post("/credits/spend", h.Spend)
	r.Get("/credits/transactions", h.Transactions)

	r.Post("/rate-limit/check", h.CheckRateLimit)
	r.Get("/rate-limit", h.PeekRateLimit)

	r.Get("/features/{key}/entitlement", h.Entitlement)
	r.Post("/features/{key}/charge", h.Charge)
	r.Post("/features/{key}/refund", h.Refund)

	return r
}

type ledgerRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (req ledgerRequest) params(r *http.Request, accountID string) (model.LedgerEntryParams, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return model.LedgerEntryParams{}, apperrors.MissingRequired("reason")
	}
	params := model.LedgerEntryParams{
		AccountID: accountID,
		Amount:    req.Amount,
		Reason:    reason,
	}
	if key := idempotencyKey(r, req.IdempotencyKey); key != "" {
		params.IdempotencyKey = &key
	}
	return params, nil
}

func idempotencyKey(r *http.Request, body string) string {
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(body)
}

func (h *CreditsHandler) DailyGrant(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	result, err := h.ledger.GrantDailyCredit(r.Context(), account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	current, err := h.ledger.Balance(r.Context(), account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":            current.Balance,
		"totalEarned":        current.TotalEarned,
		"totalSpent":         current.TotalSpent,
		"lastDailyGrantDate": current.LastDailyGrantDate,
		"tier":               current.EffectiveTier(),
	})
}

func (h *CreditsHandler) Spend(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.ledger.Spend)
}

func (h *CreditsHandler) mutate(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, model.LedgerEntryParams) (*model.LedgerResult, error),
) {
	account := middleware.GetAccount(r.Context())

	var req ledgerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	params, err := req.params(r, account.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := apply(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	p := TransactionPages.Parse(r)

	txns, err := h.ledger.ListTransactions(r.Context(), account.ID, p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	if txns == nil {
		txns = []model.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  txns,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *CreditsHandler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	h.rateLimit(w, r, h.limiter.CheckAndConsume)
}

func (h *CreditsHandler) PeekRateLimit(w http.ResponseWriter, r *http.Request) {
	h.rateLimit(w, r, h.limiter.Peek)
}

func (h *CreditsHandler) rateLimit(
	w http.ResponseWriter,
	r *http.Request,
	check func(context.Context, string, model.SubscriptionTier) (*model.RateLimitDecision, error),
) {
	account := middleware.GetAccount(r.Context())

	decision, err := check(r.Context(), account.ID, account.EffectiveTier())
	if err != nil {
		writeError(w, err)
		return
	}

	setRateLimitHeaders(w, decision)
	writeJSON(w, http.StatusOK, decision)
}

func (h *CreditsHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	key := chi.URLParam(r, "key")

	var extra []model.SubscriptionTier
	if tier := r.URL.Query().Get("tier"); tier != "" {
		extra = append(extra, model.SubscriptionTier(tier))
	}

	ent, err := h.entitlements.CanUse(r.Context(), account.ID, key, extra...)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

func (h *CreditsHandler) Charge(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	key := chi.URLParam(r, "key")

	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	charge, err := h.features.Charge(r.Context(), account.ID, key, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeError(w, err)
		return
	}

	if charge.RateLimit != nil {
		setRateLimitHeaders(w, charge.RateLimit)
	}
	writeJSON(w, http.StatusOK, charge)
}

func (h *CreditsHandler) Refund(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	var req struct {
		TransactionID string `json:"transactionId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TransactionID == "" {
		writeError(w, apperrors.MissingRequired("transactionId"))
		return
	}
	if !util.IsValidUUID(req.TransactionID) {
		writeError(w, apperrors.NotFound("Transaction"))
		return
	}

	result, err := h.features.Refund(r.Context(), account.ID, req.TransactionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
