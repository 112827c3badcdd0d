package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const batchColumns = `batch_id, box_id, total_images, processed, failed, created_at, updated_at, status`

type batchRow struct {
	BatchID     string `db:"batch_id"`
	BoxID       string `db:"box_id"`
	TotalImages int    `db:"total_images"`
	Processed   int    `db:"processed"`
	Failed      int    `db:"failed"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
	Status      string `db:"status"`
}

func batchToRow(b *models.Batch) batchRow {
	return batchRow{
		BatchID:     b.BatchID,
		BoxID:       b.BoxID,
		TotalImages: b.TotalImages,
		Processed:   b.Processed,
		Failed:      b.Failed,
		CreatedAt:   toMillis(b.CreatedAt),
		UpdatedAt:   toMillis(b.UpdatedAt),
		Status:      string(b.Status),
	}
}

func (r batchRow) toModel() *models.Batch {
	return &models.Batch{
		BatchID:     r.BatchID,
		BoxID:       r.BoxID,
		TotalImages: r.TotalImages,
		Processed:   r.Processed,
		Failed:      r.Failed,
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
		Status:      models.Status(r.Status),
	}
}

// SaveBatch upserts a batch by batch_id. created_at is immutable once stored;
// missing timestamps and status are filled in on b.
func (s *Store) SaveBatch(ctx context.Context, b *models.Batch) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	if b.Status == "" {
		b.Status = models.StatusPending
	}
	if err := b.Validate(); err != nil {
		return errors.New(err).Component("store").Category(errors.CategoryValidation).Build()
	}

	return s.withDB(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES (:batch_id, :box_id, :total_images, :processed, :failed, :created_at, :updated_at, :status)
			ON CONFLICT(batch_id) DO UPDATE SET
				box_id = excluded.box_id,
				total_images = excluded.total_images,
				processed = excluded.processed,
				failed = excluded.failed,
				updated_at = excluded.updated_at,
				status = excluded.status`, batchToRow(b))
		if err != nil {
			return fmt.Errorf("failed to save batch %s: %w", b.BatchID, err)
		}
		return nil
	})
}

// GetBatch returns the batch or nil when it does not exist.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var row batchRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, `SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return row.toModel(), nil
}

// GetBatches returns batches newest first. A limit <= 0 returns all of them.
func (s *Store) GetBatches(ctx context.Context, limit int) ([]*models.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY created_at DESC, batch_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectBatches(ctx, query, args...)
}

// GetIncompleteBatches returns every batch still in processing, newest first.
func (s *Store) GetIncompleteBatches(ctx context.Context) ([]*models.Batch, error) {
	return s.selectBatches(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = ? ORDER BY created_at DESC`,
		string(models.StatusProcessing))
}

func (s *Store) selectBatches(ctx context.Context, query string, args ...any) ([]*models.Batch, error) {
	var rows []batchRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	batches := make([]*models.Batch, 0, len(rows))
	for _, r := range rows {
		batches = append(batches, r.toModel())
	}
	return batches, nil
}

// DeleteBatch removes the batch and all of its items.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	return s.withDB(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE batch_id = ?`, batchID); err != nil {
			return fmt.Errorf("failed to delete items of batch %s: %w", batchID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = ?`, batchID); err != nil {
			return fmt.Errorf("failed to delete batch %s: %w", batchID, err)
		}
		return tx.Commit()
	})
}
