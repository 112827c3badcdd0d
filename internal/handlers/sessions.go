package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lehigh-university-libraries/ephemera/internal/cloudsync"
)

// HandleSignIn selects the cloud account. The first sign-in of an account
// pulls its data.
func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	var id cloudsync.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.sync.SignIn(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, map[string]any{
		"status": h.sync.Status(),
		"pull":   res,
	})
}

func (h *Handler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	h.sync.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	res, err := h.sync.Push(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, res)
}

func (h *Handler) HandlePull(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	res, err := h.sync.Pull(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, res)
}

// HandleFocus is called when the user returns to the app; it pulls when
// nothing is being processed.
func (h *Handler) HandleFocus(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	pulled, err := h.sync.Focus(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, map[string]bool{"pulled": pulled})
}

// HandleRetry leaves offline mode.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	h.sync.Retry()
	h.writeJSON(w, h.sync.Status())
}

func (h *Handler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	h.writeJSON(w, h.sync.Status())
}
