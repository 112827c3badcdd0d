package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/ephemera/internal/batch"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const defaultBatchLimit = 50

type batchDetail struct {
	*models.Batch
	Items []*models.Item `json:"items"`
}

func (h *Handler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultBatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	batches, err := h.store.GetBatches(r.Context(), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, batches)
}

// HandleIncompleteBatches lists batches that can be resumed.
func (h *Handler) HandleIncompleteBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.store.GetIncompleteBatches(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	// the running ones are not waiting for a resume
	idle := make([]*models.Batch, 0, len(batches))
	for _, b := range batches {
		if !h.processor.IsRunning(b.BatchID) {
			idle = append(idle, b)
		}
	}
	h.writeJSON(w, idle)
}

// HandleBatchDetail returns a batch with its items. Items of a batch pulled
// from the cloud are loaded on first view.
func (h *Handler) HandleBatchDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.PathValue("id")

	b, err := h.store.GetBatch(ctx, batchID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if b == nil {
		h.writeError(w, "Batch not found", http.StatusNotFound)
		return
	}

	items, err := h.store.GetItemsByBatch(ctx, batchID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if len(items) == 0 && b.TotalImages > 0 && h.sync != nil {
		n, err := h.sync.HydrateBatch(ctx, batchID)
		if err != nil {
			slog.Warn("Unable to load batch items from cloud", "batch_id", batchID, "err", err)
		} else if n > 0 {
			if items, err = h.store.GetItemsByBatch(ctx, batchID); err != nil {
				h.writeErr(w, err)
				return
			}
		}
	}

	h.writeJSON(w, batchDetail{Batch: b, Items: items})
}

func (h *Handler) HandleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if h.processor.IsRunning(batchID) {
		h.writeErr(w, batch.ErrAlreadyRunning)
		return
	}
	if err := h.store.DeleteBatch(r.Context(), batchID); err != nil {
		h.writeErr(w, err)
		return
	}
	h.progress.Delete(batchID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleResumeBatch continues an interrupted batch in the background.
func (h *Handler) HandleResumeBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	b, err := h.store.GetBatch(r.Context(), batchID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if b == nil {
		h.writeErr(w, batch.ErrBatchNotFound)
		return
	}
	if h.processor.IsRunning(batchID) {
		h.writeErr(w, batch.ErrAlreadyRunning)
		return
	}
	if b.Status == models.StatusCompleted {
		h.writeJSON(w, map[string]any{"batch": b, "message": "Batch already completed"})
		return
	}
	items, err := h.store.GetItemsByBatch(r.Context(), batchID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if len(items) < b.TotalImages {
		h.writeErr(w, batch.ErrItemsMissing)
		return
	}

	h.processor.Background(h.ctx, batchID, true)
	h.writeJSONStatus(w, http.StatusAccepted, map[string]any{"batch": b, "message": "Resuming"})
}

func (h *Handler) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if !h.processor.Cancel(batchID) {
		h.writeError(w, "Batch is not running", http.StatusConflict)
		return
	}
	h.writeJSON(w, map[string]any{"batch_id": batchID, "cancelled": true})
}

func (h *Handler) HandleBatchProgress(w http.ResponseWriter, r *http.Request) {
	p, ok := h.progress.Get(r.PathValue("id"))
	if !ok {
		h.writeError(w, "No progress recorded for batch", http.StatusNotFound)
		return
	}
	h.writeJSON(w, p)
}
