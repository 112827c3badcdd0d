package handlers

import (
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

const defaultInventoryLimit = 100

// HandleInventory returns one page of the inventory. Thumbnails are served
// separately.
func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sort, err := store.ParseSortField(q.Get("sort"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	limit := defaultInventoryLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			h.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}
	asc, _ := strconv.ParseBool(q.Get("asc"))

	page, err := h.store.GetAllInventory(r.Context(), store.InventoryQuery{
		Limit:     limit,
		Cursor:    q.Get("cursor"),
		Sort:      sort,
		Ascending: asc,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	for _, e := range page.Entries {
		e.Thumbnail = nil
	}
	h.writeJSON(w, page)
}
