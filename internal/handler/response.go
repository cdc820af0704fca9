package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/habitflow/credits-server-go/internal/errors"
	"github.com/habitflow/credits-server-go/internal/httputil"
	"github.com/habitflow/credits-server-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

func setRateLimitHeaders(w http.ResponseWriter, d *model.RateLimitDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func page[T any](items []T, total int, p PaginationParams) map[string]any {
	if items == nil {
		items = []T{}
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	}
}
