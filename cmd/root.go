package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/app"
	"github.com/lehigh-university-libraries/ephemera/internal/config"
	"github.com/lehigh-university-libraries/ephemera/internal/logging"
)

// env is shared by every subcommand once the root pre-run has loaded it.
type env struct {
	configFile string
	logLevel   string
	settings   *config.Settings
	logCloser  io.Closer
}

// open wires the application and starts its background parts.
func (e *env) open(ctx context.Context, opts ...app.Option) (*app.App, error) {
	opts = append([]app.Option{app.WithLogger(slog.Default())}, opts...)
	a, err := app.New(ctx, e.settings, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func NewRootCmd() *cobra.Command {
	e := &env{}

	cmd := &cobra.Command{
		Use:   "ephemera",
		Short: "Offline-first cataloger for vintage ephemera",
		Long: `Ephemera catalogs photographed postcards, labels, menus and other paper
ephemera. A vision LLM suggests a title, type, year and notes for every
photograph; results are kept in a local database, deduplicated by image
fingerprint and optionally mirrored to a per-user cloud document store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			settings, err := config.Load(e.configFile)
			if err != nil {
				return err
			}
			if e.logLevel != "" {
				settings.Log.Level = e.logLevel
			}
			e.settings = settings

			_, closer, err := logging.Setup(logging.Options{
				Level:      settings.Log.Level,
				File:       settings.Log.File,
				MaxSizeMB:  settings.Log.MaxSizeMB,
				MaxBackups: settings.Log.MaxBackups,
			})
			if err != nil {
				return err
			}
			e.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if e.logCloser != nil {
				return e.logCloser.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&e.configFile, "config", "", "Path to a config file (default: ./ephemera.yaml or ~/.config/ephemera/ephemera.yaml)")
	cmd.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	// Add subcommands
	cmd.AddCommand(newServeCmd(e))
	cmd.AddCommand(newScanCmd(e))
	cmd.AddCommand(newResumeCmd(e))
	cmd.AddCommand(newBatchesCmd(e))
	cmd.AddCommand(newInventoryCmd(e))
	cmd.AddCommand(newSyncCmd(e))
	cmd.AddCommand(newExportCmd(e))
	cmd.AddCommand(newResetCmd(e))

	return cmd
}
