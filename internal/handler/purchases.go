package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/model"
	"github.com/habitflow/credits-server-go/internal/util"
)

type PurchaseLedger interface {
	Purchase(ctx context.Context, accountID string, amount int64, reason, orderID string) (*model.LedgerResult, error)
}

// PurchaseHandler credits completed purchases reported by the payment
// backend. It is mounted behind SignatureMiddleware, never behind user tokens.
type PurchaseHandler struct {
	ledger PurchaseLedger
}

func NewPurchaseHandler(ledger PurchaseLedger) *PurchaseHandler {
	return &PurchaseHandler{ledger: ledger}
}

func (h *PurchaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/purchases", h.Purchase)
	return r
}

type purchaseRequest struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	OrderID   string `json:"orderId"`
}

func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if !util.IsValidUUID(req.AccountID) {
		writeError(w, apperrors.InvalidInput("accountId", "must be a UUID"))
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		writeError(w, apperrors.MissingRequired("orderId"))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "purchase"
	}

	result, err := h.ledger.Purchase(r.Context(), req.AccountID, req.Amount, reason, orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
