package mirror

import (
	"time"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const (
	CollectionBatches   = "batches"
	CollectionItems     = "items"
	CollectionInventory = "inventory"
)

// collectionPath returns users/{uid}/{collection}.
func collectionPath(userID, collection string) string {
	return "users/" + models.SanitizeKey(userID) + "/" + collection
}

func batchFields(b *models.Batch) map[string]any {
	return map[string]any{
		"batch_id":     b.BatchID,
		"box_id":       b.BoxID,
		"total_images": int64(b.TotalImages),
		"processed":    int64(b.Processed),
		"failed":       int64(b.Failed),
		"created_at":   b.CreatedAt,
		"updated_at":   b.UpdatedAt,
		"status":       string(b.Status),
	}
}

// itemFields never includes the image bytes.
func itemFields(i *models.Item) map[string]any {
	fields := map[string]any{
		"batch_id":           i.BatchID,
		"filename":           i.Filename,
		"box_id":             i.BoxID,
		"title":              i.Title,
		"type":               i.Type,
		"year":               i.Year,
		"notes":              i.Notes,
		"confidence":         i.Confidence,
		"processed_at":       i.ProcessedAt,
		"status":             string(i.Status),
		"image_hash":         i.ImageHash,
		"condition_estimate": i.ConditionEstimate,
		"comps_quote":        i.CompsQuote,
		"error_message":      i.ErrorMessage,
		"updated_at":         i.UpdatedAt,
	}
	if len(i.RawMetadata) > 0 {
		fields["raw_metadata"] = i.RawMetadata
	}
	return fields
}

func inventoryFields(e *models.InventoryEntry) map[string]any {
	fields := map[string]any{
		"image_hash":         e.ImageHash,
		"title":              e.Title,
		"type":               e.Type,
		"year":               e.Year,
		"notes":              e.Notes,
		"confidence":         e.Confidence,
		"first_seen":         e.FirstSeen,
		"last_seen":          e.LastSeen,
		"times_scanned":      int64(e.TimesScanned),
		"box_id":             e.BoxID,
		"condition_estimate": e.ConditionEstimate,
		"comps_quote":        e.CompsQuote,
		"updated_at":         e.UpdatedAt,
	}
	if len(e.Thumbnail) > 0 {
		fields["thumbnail"] = e.Thumbnail
	}
	if len(e.RawMetadata) > 0 {
		fields["raw_metadata"] = e.RawMetadata
	}
	return fields
}

// BatchFromFields decodes a remote batch document.
func BatchFromFields(f map[string]any) *models.Batch {
	return &models.Batch{
		BatchID:     str(f, "batch_id"),
		BoxID:       str(f, "box_id"),
		TotalImages: integer(f, "total_images"),
		Processed:   integer(f, "processed"),
		Failed:      integer(f, "failed"),
		CreatedAt:   timestamp(f, "created_at"),
		UpdatedAt:   updatedAt(f),
		Status:      models.Status(str(f, "status")),
	}
}

// ItemFromFields decodes a remote item document. Image data is never mirrored.
func ItemFromFields(f map[string]any) *models.Item {
	return &models.Item{
		BatchID:           str(f, "batch_id"),
		Filename:          str(f, "filename"),
		BoxID:             str(f, "box_id"),
		Title:             str(f, "title"),
		Type:              str(f, "type"),
		Year:              str(f, "year"),
		Notes:             str(f, "notes"),
		Confidence:        str(f, "confidence"),
		ProcessedAt:       timestamp(f, "processed_at"),
		Status:            models.Status(str(f, "status")),
		ImageHash:         str(f, "image_hash"),
		ConditionEstimate: str(f, "condition_estimate"),
		RawMetadata:       mapping(f, "raw_metadata"),
		CompsQuote:        str(f, "comps_quote"),
		ErrorMessage:      str(f, "error_message"),
		UpdatedAt:         updatedAt(f),
	}
}

// InventoryFromFields decodes a remote inventory document.
func InventoryFromFields(f map[string]any) *models.InventoryEntry {
	thumb, _ := f["thumbnail"].([]byte)
	return &models.InventoryEntry{
		ImageHash:         str(f, "image_hash"),
		Title:             str(f, "title"),
		Type:              str(f, "type"),
		Year:              str(f, "year"),
		Notes:             str(f, "notes"),
		Confidence:        str(f, "confidence"),
		FirstSeen:         timestamp(f, "first_seen"),
		LastSeen:          timestamp(f, "last_seen"),
		TimesScanned:      integer(f, "times_scanned"),
		Thumbnail:         thumb,
		BoxID:             str(f, "box_id"),
		ConditionEstimate: str(f, "condition_estimate"),
		RawMetadata:       mapping(f, "raw_metadata"),
		CompsQuote:        str(f, "comps_quote"),
		UpdatedAt:         updatedAt(f),
	}
}

// updatedAt falls back to the server write time for documents written
// before updated_at was mirrored.
func updatedAt(f map[string]any) time.Time {
	if t := timestamp(f, "updated_at"); !t.IsZero() {
		return t
	}
	return timestamp(f, ServerTimeField)
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func integer(f map[string]any, key string) int {
	switch v := f[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func timestamp(f map[string]any, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}
	return time.Time{}
}

func mapping(f map[string]any, key string) map[string]any {
	m, _ := f[key].(map[string]any)
	if len(m) == 0 {
		return nil
	}
	return m
}
