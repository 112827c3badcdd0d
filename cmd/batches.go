package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

func newBatchesCmd(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.Open(ctx, e.settings.Storage.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			batches, err := s.GetBatches(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BATCH\tBOX\tCREATED\tSTATUS\tPROCESSED\tFAILED\tTOTAL")
			for _, b := range batches {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n", b.BatchID, b.BoxID,
					b.CreatedAt.Local().Format("2006-01-02 15:04"), b.Status, b.Processed, b.Failed, b.TotalImages)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of batches (0 for all)")

	return cmd
}
