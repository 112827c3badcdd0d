package export

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// ItemRecord is the parquet row of an item. Image bytes are not exported.
type ItemRecord struct {
	ID                int64  `parquet:"id"`
	BatchID           string `parquet:"batch_id"`
	Filename          string `parquet:"filename"`
	BoxID             string `parquet:"box_id"`
	Title             string `parquet:"title"`
	Type              string `parquet:"type"`
	Year              string `parquet:"year"`
	Notes             string `parquet:"notes"`
	Confidence        string `parquet:"confidence"`
	ProcessedAtMillis int64  `parquet:"processed_at_ms"`
	Status            string `parquet:"status"`
	ImageHash         string `parquet:"image_hash"`
	ConditionEstimate string `parquet:"condition_estimate"`
	CompsQuote        string `parquet:"comps_quote"`
	ErrorMessage      string `parquet:"error_message"`
}

// InventoryRecord is the parquet row of an inventory entry.
type InventoryRecord struct {
	ImageHash         string `parquet:"image_hash"`
	Title             string `parquet:"title"`
	Type              string `parquet:"type"`
	Year              string `parquet:"year"`
	Notes             string `parquet:"notes"`
	Confidence        string `parquet:"confidence"`
	FirstSeenMillis   int64  `parquet:"first_seen_ms"`
	LastSeenMillis    int64  `parquet:"last_seen_ms"`
	TimesScanned      int64  `parquet:"times_scanned"`
	BoxID             string `parquet:"box_id"`
	ConditionEstimate string `parquet:"condition_estimate"`
	Thumbnail         []byte `parquet:"thumbnail"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// WriteItemsParquet writes items as one parquet file.
func WriteItemsParquet(w io.Writer, items []*models.Item) error {
	rows := make([]ItemRecord, 0, len(items))
	for _, i := range items {
		rows = append(rows, ItemRecord{
			ID:                i.ID,
			BatchID:           i.BatchID,
			Filename:          i.Filename,
			BoxID:             i.BoxID,
			Title:             i.Title,
			Type:              i.Type,
			Year:              i.Year,
			Notes:             i.Notes,
			Confidence:        i.Confidence,
			ProcessedAtMillis: millis(i.ProcessedAt),
			Status:            string(i.Status),
			ImageHash:         i.ImageHash,
			ConditionEstimate: i.ConditionEstimate,
			CompsQuote:        i.CompsQuote,
			ErrorMessage:      i.ErrorMessage,
		})
	}
	return writeParquet(w, rows)
}

// WriteInventoryParquet writes inventory entries, thumbnails included.
func WriteInventoryParquet(w io.Writer, entries []*models.InventoryEntry) error {
	rows := make([]InventoryRecord, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, InventoryRecord{
			ImageHash:         e.ImageHash,
			Title:             e.Title,
			Type:              e.Type,
			Year:              e.Year,
			Notes:             e.Notes,
			Confidence:        e.Confidence,
			FirstSeenMillis:   millis(e.FirstSeen),
			LastSeenMillis:    millis(e.LastSeen),
			TimesScanned:      int64(e.TimesScanned),
			BoxID:             e.BoxID,
			ConditionEstimate: e.ConditionEstimate,
			Thumbnail:         e.Thumbnail,
		})
	}
	return writeParquet(w, rows)
}

func writeParquet[T any](w io.Writer, rows []T) error {
	pw := parquet.NewGenericWriter[T](w)
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// ReadParquet reads every row of a parquet file written by this package.
func ReadParquet[T any](r io.ReaderAt) ([]T, error) {
	reader := parquet.NewGenericReader[T](r)
	defer reader.Close()

	var records []T
	rows := make([]T, 128)
	for {
		n, err := reader.Read(rows)
		records = append(records, rows[:n]...)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}
}
