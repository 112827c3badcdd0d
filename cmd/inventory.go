package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

func newInventoryCmd(e *env) *cobra.Command {
	var (
		limit  int
		cursor string
		sort   string
		asc    bool
	)

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List unique objects seen so far",
		Long: `Lists one page of the inventory. Pass the printed cursor to --cursor
to get the next page.`,
		Example: `  ephemera inventory --sort times_scanned --limit 10
  ephemera inventory --cursor 1717171717000:42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			field, err := store.ParseSortField(sort)
			if err != nil {
				return err
			}

			s, err := store.Open(ctx, e.settings.Storage.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			page, err := s.GetAllInventory(ctx, store.InventoryQuery{Limit: limit, Cursor: cursor, Sort: field, Ascending: asc})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tTITLE\tTYPE\tYEAR\tSCANS\tLAST SEEN")
			for _, entry := range page.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", entry.ImageHash, entry.Title, entry.Type, entry.Year,
					entry.TimesScanned, entry.LastSeen.Local().Format("2006-01-02 15:04"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(out, "\nNext page: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Entries per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Cursor returned by the previous page")
	cmd.Flags().StringVar(&sort, "sort", "last_seen", "Sort field: last_seen, first_seen, title, type, year, box_id, times_scanned")
	cmd.Flags().BoolVar(&asc, "asc", false, "Sort ascending")

	return cmd
}
