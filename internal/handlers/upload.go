package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/ephemera/internal/batch"
)

// readImages accepts a multipart upload or a JSON body of image URLs.
func (h *Handler) readImages(w http.ResponseWriter, r *http.Request) (string, []batch.Image, bool) {
	if isJSON(r) {
		var request urlUpload
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return "", nil, false
		}
		urls := request.urls()
		if len(urls) == 0 {
			h.writeError(w, "image_url or image_urls is required", http.StatusBadRequest)
			return "", nil, false
		}
		imgs, err := h.fetchImages(r.Context(), urls)
		if err != nil {
			h.writeError(w, err.Error(), http.StatusBadRequest)
			return "", nil, false
		}
		return request.BoxID, imgs, true
	}

	boxID, imgs, err := readMultipartImages(r)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return "", nil, false
	}
	return boxID, imgs, true
}

// HandleCreateBatch stores the uploaded images as a new batch and starts
// processing it in the background.
func (h *Handler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	boxID, imgs, ok := h.readImages(w, r)
	if !ok {
		return
	}

	b, err := h.processor.Create(r.Context(), boxID, imgs)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.processor.Background(h.ctx, b.BatchID, false)
	slog.Info("Batch accepted", "batch_id", b.BatchID, "images", len(imgs))

	h.writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"batch":   b,
		"message": "Processing started",
	})
}

// HandleAppendImages adds photographs to an existing batch and processes them.
func (h *Handler) HandleAppendImages(w http.ResponseWriter, r *http.Request) {
	_, imgs, ok := h.readImages(w, r)
	if !ok {
		return
	}

	b, err := h.processor.Append(r.Context(), r.PathValue("id"), imgs)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.processor.Background(h.ctx, b.BatchID, false)

	h.writeJSONStatus(w, http.StatusAccepted, map[string]any{
		"batch":   b,
		"message": "Processing started",
	})
}
