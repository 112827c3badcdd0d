package cmd

import (
	"fmt"
	"log/slog"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

func newResetCmd(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the local database",
		Long: `Deletes every local batch, item and inventory entry by removing the
database file. Data already mirrored to the cloud is kept and comes back on
the next pull.

Use this when the local database cannot be opened or repaired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := e.settings.Storage.Path
			if !yes {
				err := huh.NewConfirm().
					Title("Delete the local catalog?").
					Description(path).
					Affirmative("Delete").
					Negative("Cancel").
					Value(&yes).
					Run()
				if err != nil {
					return err
				}
			}
			if !yes {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}

			if err := store.Destroy(path); err != nil {
				return fmt.Errorf("failed to delete %s: %w", path, err)
			}
			slog.Warn("Local catalog deleted", "path", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Local catalog deleted.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}
