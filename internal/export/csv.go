// Package export writes items and inventory for spreadsheets and archives.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// utf8BOM makes spreadsheet applications detect the encoding.
const utf8BOM = "\uFEFF"

// CSVHeader is the column order of the item export.
var CSVHeader = []string{"filename", "box_id", "title", "type", "year", "notes", "confidence", "processed_at"}

// WriteCSV writes one row per item. encoding/csv quotes values containing
// commas, quotes or newlines and doubles embedded quotes.
func WriteCSV(w io.Writer, items []*models.Item) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, item := range items {
		processed := ""
		if !item.ProcessedAt.IsZero() {
			processed = item.ProcessedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			item.Filename,
			item.BoxID,
			item.Title,
			item.Type,
			item.Year,
			item.Notes,
			item.Confidence,
			processed,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", item.Filename, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
