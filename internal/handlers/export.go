package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/ephemera/internal/export"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// HandleExportCSV downloads every item, or one batch's items with ?batch_id=.
func (h *Handler) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	items, err := h.store.GetItemsForExport(r.Context(), batchID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	name := "ephemera-" + time.Now().UTC().Format("20060102")
	if batchID != "" {
		name += "-" + models.SanitizeKey(batchID)
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
	if err := export.WriteCSV(w, items); err != nil {
		slog.Error("Unable to write CSV export", "err", err)
	}
}
