package handler

import (
	"net/http"
	"strconv"
)

// PageBounds caps one kind of listing. A limit above Max is clamped to Max;
// a missing or non-positive limit falls back to Default.
type PageBounds struct {
	Default int
	Max     int
}

var (
	// TransactionPages serves ledger history, which clients page through to
	// rebuild a balance view.
	TransactionPages = PageBounds{Default: 50, Max: 500}
	AdminPages       = PageBounds{Default: 25, Max: 100}
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func (b PageBounds) Parse(r *http.Request) PaginationParams {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	switch {
	case err != nil || limit <= 0:
		limit = b.Default
	case limit > b.Max:
		limit = b.Max
	}

	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	return PaginationParams{Limit: limit, Offset: offset}
}
