package handlers

import (
	"net/http"
	"strconv"
)

func writeImage(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

// HandleItemImage serves the stored photograph of an item.
func (h *Handler) HandleItemImage(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := h.store.GetItem(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if item == nil || len(item.ImageData) == 0 {
		// items pulled from the cloud have no image
		h.writeError(w, "Image not found", http.StatusNotFound)
		return
	}
	writeImage(w, item.ImageData)
}

// HandleThumbnail serves the inventory thumbnail of a fingerprint.
func (h *Handler) HandleThumbnail(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.FindByImageHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if e == nil || len(e.Thumbnail) == 0 {
		h.writeError(w, "Thumbnail not found", http.StatusNotFound)
		return
	}
	writeImage(w, e.Thumbnail)
}
