package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const itemColumns = `id, batch_id, filename, box_id, title, type, year, notes, confidence, processed_at,
	image_data, status, image_hash, condition_estimate, raw_metadata, comps_quote, error_message, updated_at`

type itemRow struct {
	ID                int64  `db:"id"`
	BatchID           string `db:"batch_id"`
	Filename          string `db:"filename"`
	BoxID             string `db:"box_id"`
	Title             string `db:"title"`
	Type              string `db:"type"`
	Year              string `db:"year"`
	Notes             string `db:"notes"`
	Confidence        string `db:"confidence"`
	ProcessedAt       int64  `db:"processed_at"`
	ImageData         []byte `db:"image_data"`
	Status            string `db:"status"`
	ImageHash         string `db:"image_hash"`
	ConditionEstimate string `db:"condition_estimate"`
	RawMetadata       string `db:"raw_metadata"`
	CompsQuote        string `db:"comps_quote"`
	ErrorMessage      string `db:"error_message"`
	UpdatedAt         int64  `db:"updated_at"`
}

func itemToRow(i *models.Item) itemRow {
	return itemRow{
		ID:                i.ID,
		BatchID:           i.BatchID,
		Filename:          i.Filename,
		BoxID:             i.BoxID,
		Title:             i.Title,
		Type:              i.Type,
		Year:              i.Year,
		Notes:             i.Notes,
		Confidence:        i.Confidence,
		ProcessedAt:       toMillis(i.ProcessedAt),
		ImageData:         i.ImageData,
		Status:            string(i.Status),
		ImageHash:         i.ImageHash,
		ConditionEstimate: i.ConditionEstimate,
		RawMetadata:       encodeMetadata(i.RawMetadata),
		CompsQuote:        i.CompsQuote,
		ErrorMessage:      i.ErrorMessage,
		UpdatedAt:         toMillis(i.UpdatedAt),
	}
}

func (r itemRow) toModel() *models.Item {
	return &models.Item{
		ID:                r.ID,
		BatchID:           r.BatchID,
		Filename:          r.Filename,
		BoxID:             r.BoxID,
		Title:             r.Title,
		Type:              r.Type,
		Year:              r.Year,
		Notes:             r.Notes,
		Confidence:        r.Confidence,
		ProcessedAt:       fromMillis(r.ProcessedAt),
		ImageData:         r.ImageData,
		Status:            models.Status(r.Status),
		ImageHash:         r.ImageHash,
		ConditionEstimate: r.ConditionEstimate,
		RawMetadata:       decodeMetadata(r.RawMetadata),
		CompsQuote:        r.CompsQuote,
		ErrorMessage:      r.ErrorMessage,
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// ItemPatch is a partial item update. Nil fields are left untouched;
// RawMetadata keys are merged into the stored map.
type ItemPatch struct {
	BoxID             *string
	Title             *string
	Type              *string
	Year              *string
	Notes             *string
	Confidence        *string
	ProcessedAt       *time.Time
	Status            *models.Status
	ImageHash         *string
	ConditionEstimate *string
	RawMetadata       map[string]any
	CompsQuote        *string
	ErrorMessage      *string
	// UpdatedAt overrides the modification time, used when merging remote records.
	UpdatedAt *time.Time
}

// Apply merges the patch into item.
func (p ItemPatch) Apply(item *models.Item) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&item.BoxID, p.BoxID)
	setString(&item.Title, p.Title)
	setString(&item.Type, p.Type)
	setString(&item.Year, p.Year)
	setString(&item.Notes, p.Notes)
	setString(&item.Confidence, p.Confidence)
	setString(&item.ImageHash, p.ImageHash)
	setString(&item.ConditionEstimate, p.ConditionEstimate)
	setString(&item.CompsQuote, p.CompsQuote)
	setString(&item.ErrorMessage, p.ErrorMessage)
	if p.ProcessedAt != nil {
		item.ProcessedAt = *p.ProcessedAt
	}
	if p.Status != nil {
		item.Status = *p.Status
	}
	if len(p.RawMetadata) > 0 {
		if item.RawMetadata == nil {
			item.RawMetadata = make(map[string]any, len(p.RawMetadata))
		}
		maps.Copy(item.RawMetadata, p.RawMetadata)
	}
}

// SaveItem inserts a new item and sets its ID.
func (s *Store) SaveItem(ctx context.Context, item *models.Item) (int64, error) {
	if item.BatchID == "" {
		return 0, errors.Newf("item %q has no batch_id", item.Filename).
			Component("store").Category(errors.CategoryValidation).Build()
	}
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	err := s.withDB(ctx, func(db *sqlx.DB) error {
		res, err := db.NamedExecContext(ctx, `
			INSERT INTO items (batch_id, filename, box_id, title, type, year, notes, confidence, processed_at,
				image_data, status, image_hash, condition_estimate, raw_metadata, comps_quote, error_message, updated_at)
			VALUES (:batch_id, :filename, :box_id, :title, :type, :year, :notes, :confidence, :processed_at,
				:image_data, :status, :image_hash, :condition_estimate, :raw_metadata, :comps_quote, :error_message, :updated_at)`,
			itemToRow(item))
		if err != nil {
			return err
		}
		item.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save item %s/%s: %w", item.BatchID, item.Filename, err)
	}
	return item.ID, nil
}

// UpdateItem reads the item, applies the patch and writes it back in one
// transaction. It returns the merged item.
func (s *Store) UpdateItem(ctx context.Context, id int64, patch ItemPatch) (*models.Item, error) {
	var merged *models.Item
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var row itemRow
		if err := tx.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("item", id)
			}
			return err
		}

		item := row.toModel()
		patch.Apply(item)
		if patch.UpdatedAt != nil {
			item.UpdatedAt = *patch.UpdatedAt
		} else {
			item.UpdatedAt = time.Now().UTC()
		}
		if item.Status == models.StatusCompleted && (item.Title == "" || item.ImageHash == "") {
			return errors.Newf("completed item %d needs a title and an image hash", id).
				Component("store").Category(errors.CategoryValidation).Build()
		}

		_, err = tx.NamedExecContext(ctx, `
			UPDATE items SET
				box_id = :box_id, title = :title, type = :type, year = :year, notes = :notes,
				confidence = :confidence, processed_at = :processed_at, status = :status,
				image_hash = :image_hash, condition_estimate = :condition_estimate,
				raw_metadata = :raw_metadata, comps_quote = :comps_quote,
				error_message = :error_message, updated_at = :updated_at
			WHERE id = :id`, itemToRow(item))
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		merged = item
		return nil
	})
	if err != nil {
		if errors.IsNotFound(err) || errors.IsCategory(err, errors.CategoryValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update item %d: %w", id, err)
	}
	return merged, nil
}

// DeleteItem removes an item. Deleting a missing item is not an error.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	return s.withDB(ctx, func(db *sqlx.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete item %d: %w", id, err)
		}
		return nil
	})
}

// GetItem returns the item or nil when it does not exist.
func (s *Store) GetItem(ctx context.Context, id int64) (*models.Item, error) {
	var row itemRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %d: %w", id, err)
	}
	return row.toModel(), nil
}

// GetItemsByBatch returns the batch's items in insertion order.
func (s *Store) GetItemsByBatch(ctx context.Context, batchID string) ([]*models.Item, error) {
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM items WHERE batch_id = ? ORDER BY id`, batchID)
}

// GetItemsByImageHash returns every item scanned with the given fingerprint.
func (s *Store) GetItemsByImageHash(ctx context.Context, hash string) ([]*models.Item, error) {
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM items WHERE image_hash = ? ORDER BY id`, hash)
}

// GetItemsForExport returns all items, or one batch's items when batchID is set.
func (s *Store) GetItemsForExport(ctx context.Context, batchID string) ([]*models.Item, error) {
	if batchID != "" {
		return s.GetItemsByBatch(ctx, batchID)
	}
	return s.selectItems(ctx, `SELECT `+itemColumns+` FROM items ORDER BY batch_id, id`)
}

// CountItems returns the number of stored items.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &n, `SELECT COUNT(*) FROM items`)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (s *Store) selectItems(ctx context.Context, query string, args ...any) ([]*models.Item, error) {
	var rows []itemRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items := make([]*models.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toModel())
	}
	return items, nil
}
