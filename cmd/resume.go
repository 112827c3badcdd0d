package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/app"
	"github.com/lehigh-university-libraries/ephemera/internal/batch"
)

func newResumeCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [batch-id]",
		Short: "Continue an interrupted batch",
		Long: `Continues a batch that was interrupted before all of its items were
processed. Items that were in flight when the process stopped are retried.

Without a batch id, the interrupted batches are listed and one can be picked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := e.open(ctx, app.WithBatchOptions(batch.WithObserver(printProgress(out))))
			if err != nil {
				return err
			}
			defer a.Close()

			var batchID string
			if len(args) == 1 {
				batchID = args[0]
			} else {
				incomplete, err := a.Store.GetIncompleteBatches(ctx)
				if err != nil {
					return err
				}
				if len(incomplete) == 0 {
					fmt.Fprintln(out, "No interrupted batches.")
					return nil
				}
				options := make([]huh.Option[string], 0, len(incomplete))
				for _, b := range incomplete {
					label := fmt.Sprintf("%s  %s  %d/%d done  (%s)", b.CreatedAt.Local().Format("2006-01-02 15:04"),
						b.BoxID, b.Processed+b.Failed, b.TotalImages, b.BatchID)
					options = append(options, huh.NewOption(label, b.BatchID))
				}
				err = huh.NewSelect[string]().
					Title("Resume which batch?").
					Options(options...).
					Value(&batchID).
					Run()
				if err != nil {
					return err
				}
			}

			return finishRun(ctx, cmd, a, batchID, a.Processor.Resume(ctx, batchID))
		},
	}

	return cmd
}
