package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/handlers"
)

func newServeCmd(e *env) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cataloging API server",
		Long: `Starts the ephemera JSON API on the specified port.

Uploaded photographs are processed in the background. When a cloud backend is
configured, results are mirrored to the signed-in account and the account is
pulled on sign-in and whenever the client reports focus.`,
		Example: `  # Start server on default port 8888
  ephemera serve

  # Start server on custom port with the in-memory cloud
  EPHEMERA_CLOUD_BACKEND=memory ephemera serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if port == "" {
				port = e.settings.Server.Port
			}

			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					slog.Error("Unable to close local store", "err", err)
				}
			}()

			if incomplete, err := a.Store.GetIncompleteBatches(ctx); err == nil && len(incomplete) > 0 {
				slog.Info("Interrupted batches can be resumed", "count", len(incomplete), "endpoint", "POST /api/batches/{id}/resume")
			}

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handlers.New(ctx, a).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Ephemera API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-ctx.Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (default from config, 8888)")

	return cmd
}
