package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/app"
	"github.com/lehigh-university-libraries/ephemera/internal/batch"
	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// printProgress writes one line per item state change.
func printProgress(w io.Writer) batch.Observer {
	return func(p models.Progress) {
		if p.Done {
			fmt.Fprintf(w, "batch %s finished\n", p.BatchID)
			return
		}
		if p.Status == models.StatusProcessing {
			return
		}
		suffix := ""
		if p.Duplicate {
			suffix = " (duplicate)"
		}
		fmt.Fprintf(w, "[%d/%d] %-9s %s%s\n", p.Index+1, p.Total, p.Status, p.Filename, suffix)
	}
}

func readImageFiles(paths []string) ([]batch.Image, error) {
	imgs := make([]batch.Image, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > images.MaxImageBytes {
			return nil, fmt.Errorf("%s is too large (max 10MB)", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, batch.Image{Filename: filepath.Base(path), Data: data})
	}
	return imgs, nil
}

// finishRun reports how a foreground run ended. An interrupted run leaves
// the batch resumable.
func finishRun(ctx context.Context, cmd *cobra.Command, a *app.App, batchID string, runErr error) error {
	out := cmd.OutOrStdout()
	// the mirror worker stops with ctx, so only a clean run can flush
	if a.Mirror != nil && ctx.Err() == nil {
		_ = a.Mirror.Flush(ctx)
	}
	if errors.Is(runErr, batch.ErrCancelled) {
		fmt.Fprintf(out, "Interrupted. Resume with: ephemera resume %s\n", batchID)
		return nil
	}
	if runErr != nil {
		return runErr
	}

	b, err := a.Store.GetBatch(context.WithoutCancel(ctx), batchID)
	if err != nil || b == nil {
		return err
	}
	fmt.Fprintf(out, "Batch %s: %d processed, %d failed of %d\n", b.BatchID, b.Processed, b.Failed, b.TotalImages)
	return nil
}

func newScanCmd(e *env) *cobra.Command {
	var boxID string

	cmd := &cobra.Command{
		Use:   "scan [flags] <image>...",
		Short: "Catalog photographs as a new batch",
		Long: `Creates a batch from the given image files and processes it in the
foreground. Each new object is identified by the configured vision model;
objects already in the inventory are recorded as duplicates without an AI call.

Ctrl+C stops after the current item; the batch can be continued with resume.`,
		Example: `  ephemera scan --box "Box 12" photos/*.jpg`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			imgs, err := readImageFiles(args)
			if err != nil {
				return err
			}

			a, err := e.open(ctx, app.WithBatchOptions(batch.WithObserver(printProgress(cmd.OutOrStdout()))))
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.Processor.Create(ctx, boxID, imgs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch %s created with %d images\n", b.BatchID, len(imgs))
			return finishRun(ctx, cmd, a, b.BatchID, a.Processor.Run(ctx, b.BatchID))
		},
	}

	cmd.Flags().StringVar(&boxID, "box", "", "Label of the box or folder the items came from")

	return cmd
}
