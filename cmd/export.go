package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/export"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

func newExportCmd(e *env) *cobra.Command {
	var (
		format    string
		batchID   string
		out       string
		inventory bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export items for spreadsheets or archival",
		Long: `Writes the catalog in one of three formats:

  csv      items as a spreadsheet (UTF-8 with BOM)
  parquet  items, or the inventory with --inventory, as a parquet file
  yaml     batches, items and inventory as a readable archive`,
		Example: `  ephemera export --format csv --out catalog.csv
  ephemera export --format parquet --inventory --out inventory.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := store.Open(ctx, e.settings.Storage.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			items, err := s.GetItemsForExport(ctx, batchID)
			if err != nil {
				return err
			}

			switch format {
			case "csv":
				return export.WriteCSV(w, items)
			case "parquet":
				if inventory {
					entries, err := allInventory(cmd, s)
					if err != nil {
						return err
					}
					return export.WriteInventoryParquet(w, entries)
				}
				return export.WriteItemsParquet(w, items)
			case "yaml":
				archive := &export.Archive{ExportedAt: time.Now().UTC(), Items: items}
				if batchID != "" {
					b, err := s.GetBatch(ctx, batchID)
					if err != nil {
						return err
					}
					if b != nil {
						archive.Batches = []*models.Batch{b}
					}
				} else if archive.Batches, err = s.GetBatches(ctx, 0); err != nil {
					return err
				}
				if archive.Inventory, err = allInventory(cmd, s); err != nil {
					return err
				}
				return export.WriteYAML(w, archive)
			default:
				return fmt.Errorf("unknown format %q (want csv, parquet or yaml)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "Output format: csv, parquet, yaml")
	cmd.Flags().StringVar(&batchID, "batch", "", "Only export this batch")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&inventory, "inventory", false, "Export the inventory instead of items (parquet)")

	return cmd
}

func allInventory(cmd *cobra.Command, s *store.Store) ([]*models.InventoryEntry, error) {
	var entries []*models.InventoryEntry
	q := store.InventoryQuery{Limit: 500, Sort: store.SortLastSeen}
	for {
		page, err := s.GetAllInventory(cmd.Context(), q)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Entries...)
		if page.NextCursor == "" {
			return entries, nil
		}
		q.Cursor = page.NextCursor
	}
}
