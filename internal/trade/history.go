package trade

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// HistoryResponse is one page of a ledger stream. Pass Next as start_after
// to fetch the following page; it is omitted on the last page.
type HistoryResponse struct {
	Kind    model.LedgerKind    `json:"kind"`
	Entries []model.LedgerEntry `json:"entries"`
	Next    *uint64             `json:"next,omitempty"`
}

// GetHistory handles GET /api/v1/history/{kind}?user=&market_index=&start_after=&limit=
// Entries are oldest first; start_after is an exclusive sequence cursor.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseLedgerKind(chi.URLParam(r, "kind"))
	if err != nil {
		fail(w, r, badRequest("%v", err))
		return
	}
	marketIndex, err := queryUint(r, "market_index")
	if err != nil {
		fail(w, r, err)
		return
	}
	startAfter, err := queryUint(r, "start_after")
	if err != nil {
		fail(w, r, err)
		return
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			fail(w, r, badRequest("limit must be an integer, got %q", raw))
			return
		}
	}

	q := store.LedgerQuery{
		Kind:        kind,
		UserAddress: r.URL.Query().Get("user"),
		MarketIndex: marketIndex,
		StartAfter:  startAfter,
		Limit:       limit,
	}.Normalize()

	entries, err := s.store.ListLedgerEntries(r.Context(), q)
	if err != nil {
		fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	resp := HistoryResponse{Kind: kind, Entries: entries}
	if len(entries) == q.Limit {
		next := entries[len(entries)-1].Seq
		resp.Next = &next
	}
	writeJSON(w, http.StatusOK, resp)
}
