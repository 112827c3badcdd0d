package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

// itemUpdate is the editable part of an item. Absent fields are unchanged.
type itemUpdate struct {
	BoxID             *string `json:"box_id"`
	Title             *string `json:"title"`
	Type              *string `json:"type"`
	Year              *string `json:"year"`
	Notes             *string `json:"notes"`
	Confidence        *string `json:"confidence"`
	ConditionEstimate *string `json:"condition_estimate"`
	CompsQuote        *string `json:"comps_quote"`
}

func (u itemUpdate) patch() store.ItemPatch {
	return store.ItemPatch{
		BoxID:             u.BoxID,
		Title:             u.Title,
		Type:              u.Type,
		Year:              u.Year,
		Notes:             u.Notes,
		Confidence:        u.Confidence,
		ConditionEstimate: u.ConditionEstimate,
		CompsQuote:        u.CompsQuote,
	}
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid item id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// HandleUpdateItem applies a manual edit and mirrors the result.
func (h *Handler) HandleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	var update itemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.store.UpdateItem(r.Context(), id, update.patch())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if h.mirror != nil {
		h.mirror.SyncItemToCloud(item)
	}
	h.writeJSON(w, item)
}

func (h *Handler) HandleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteItem(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
