package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lehigh-university-libraries/ephemera/internal/app"
	"github.com/lehigh-university-libraries/ephemera/internal/batch"
	"github.com/lehigh-university-libraries/ephemera/internal/cloudsync"
	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"github.com/lehigh-university-libraries/ephemera/internal/mirror"
	"github.com/lehigh-university-libraries/ephemera/internal/storage"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

type Handler struct {
	// runs outlive the request that started them
	ctx       context.Context
	store     *store.Store
	processor *batch.Processor
	progress  *storage.ProgressStore
	fetcher   *images.Fetcher
	mirror    batch.Mirror
	sync      *cloudsync.Orchestrator
	registry  *prometheus.Registry
}

// New builds the API over the application's components. ctx bounds the
// background batch runs the API starts.
func New(ctx context.Context, a *app.App) *Handler {
	h := &Handler{
		ctx:       ctx,
		store:     a.Store,
		processor: a.Processor,
		progress:  a.Progress,
		fetcher:   a.Fetcher,
		sync:      a.Sync,
		registry:  a.Registry,
	}
	if a.Mirror != nil {
		h.mirror = a.Mirror
	}
	return h
}

// Routes registers every endpoint on a new ServeMux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/batches", h.HandleCreateBatch)
	mux.HandleFunc("GET /api/batches", h.HandleListBatches)
	mux.HandleFunc("GET /api/batches/incomplete", h.HandleIncompleteBatches)
	mux.HandleFunc("GET /api/batches/{id}", h.HandleBatchDetail)
	mux.HandleFunc("DELETE /api/batches/{id}", h.HandleDeleteBatch)
	mux.HandleFunc("POST /api/batches/{id}/images", h.HandleAppendImages)
	mux.HandleFunc("POST /api/batches/{id}/resume", h.HandleResumeBatch)
	mux.HandleFunc("POST /api/batches/{id}/cancel", h.HandleCancelBatch)
	mux.HandleFunc("GET /api/batches/{id}/progress", h.HandleBatchProgress)

	mux.HandleFunc("PATCH /api/items/{id}", h.HandleUpdateItem)
	mux.HandleFunc("DELETE /api/items/{id}", h.HandleDeleteItem)
	mux.HandleFunc("GET /api/items/{id}/image", h.HandleItemImage)

	mux.HandleFunc("GET /api/inventory", h.HandleInventory)
	mux.HandleFunc("GET /api/inventory/{hash}/thumbnail", h.HandleThumbnail)

	mux.HandleFunc("POST /api/sync/session", h.HandleSignIn)
	mux.HandleFunc("DELETE /api/sync/session", h.HandleSignOut)
	mux.HandleFunc("POST /api/sync/push", h.HandlePush)
	mux.HandleFunc("POST /api/sync/pull", h.HandlePull)
	mux.HandleFunc("POST /api/sync/focus", h.HandleFocus)
	mux.HandleFunc("POST /api/sync/retry", h.HandleRetry)
	mux.HandleFunc("GET /api/sync/status", h.HandleSyncStatus)

	mux.HandleFunc("GET /api/export.csv", h.HandleExportCSV)

	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
		}
	})
	return mux
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	if code >= http.StatusInternalServerError {
		slog.Error(message)
	} else {
		slog.Debug(message, "status", code)
	}
	http.Error(w, message, code)
}

// writeErr maps an error to its HTTP status.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	h.writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrBatchNotFound), errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrAlreadyRunning), errors.Is(err, batch.ErrItemsMissing):
		return http.StatusConflict
	case errors.Is(err, cloudsync.ErrNotSignedIn), errors.Is(err, mirror.ErrNoUser):
		return http.StatusUnauthorized
	case errors.Is(err, mirror.ErrOffline), errors.IsNetwork(err):
		return http.StatusServiceUnavailable
	case errors.IsCategory(err, errors.CategoryValidation), errors.IsCategory(err, errors.CategoryImage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) requireSync(w http.ResponseWriter) bool {
	if h.sync == nil {
		h.writeError(w, "Cloud sync is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}
