package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const inventoryColumns = `id, image_hash, title, type, year, notes, confidence, first_seen, last_seen,
	times_scanned, thumbnail, box_id, condition_estimate, raw_metadata, comps_quote, updated_at`

type inventoryRow struct {
	ID                int64  `db:"id"`
	ImageHash         string `db:"image_hash"`
	Title             string `db:"title"`
	Type              string `db:"type"`
	Year              string `db:"year"`
	Notes             string `db:"notes"`
	Confidence        string `db:"confidence"`
	FirstSeen         int64  `db:"first_seen"`
	LastSeen          int64  `db:"last_seen"`
	TimesScanned      int    `db:"times_scanned"`
	Thumbnail         []byte `db:"thumbnail"`
	BoxID             string `db:"box_id"`
	ConditionEstimate string `db:"condition_estimate"`
	RawMetadata       string `db:"raw_metadata"`
	CompsQuote        string `db:"comps_quote"`
	UpdatedAt         int64  `db:"updated_at"`
}

func inventoryToRow(e *models.InventoryEntry) inventoryRow {
	return inventoryRow{
		ID:                e.ID,
		ImageHash:         e.ImageHash,
		Title:             e.Title,
		Type:              e.Type,
		Year:              e.Year,
		Notes:             e.Notes,
		Confidence:        e.Confidence,
		FirstSeen:         toMillis(e.FirstSeen),
		LastSeen:          toMillis(e.LastSeen),
		TimesScanned:      e.TimesScanned,
		Thumbnail:         e.Thumbnail,
		BoxID:             e.BoxID,
		ConditionEstimate: e.ConditionEstimate,
		RawMetadata:       encodeMetadata(e.RawMetadata),
		CompsQuote:        e.CompsQuote,
		UpdatedAt:         toMillis(e.UpdatedAt),
	}
}

func (r inventoryRow) toModel() *models.InventoryEntry {
	return &models.InventoryEntry{
		ID:                r.ID,
		ImageHash:         r.ImageHash,
		Title:             r.Title,
		Type:              r.Type,
		Year:              r.Year,
		Notes:             r.Notes,
		Confidence:        r.Confidence,
		FirstSeen:         fromMillis(r.FirstSeen),
		LastSeen:          fromMillis(r.LastSeen),
		TimesScanned:      r.TimesScanned,
		Thumbnail:         r.Thumbnail,
		BoxID:             r.BoxID,
		ConditionEstimate: r.ConditionEstimate,
		RawMetadata:       decodeMetadata(r.RawMetadata),
		CompsQuote:        r.CompsQuote,
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

// AddToInventory upserts an entry keyed by image_hash. Descriptive fields take
// the incoming values; times_scanned, first_seen and last_seen never move
// backwards; an empty thumbnail keeps the stored one. The row id is stable
// across upserts.
func (s *Store) AddToInventory(ctx context.Context, e *models.InventoryEntry) (*models.InventoryEntry, error) {
	if e.ImageHash == "" {
		return nil, errors.Newf("inventory entry has no image_hash").
			Component("store").Category(errors.CategoryValidation).Build()
	}
	now := time.Now().UTC()
	if e.TimesScanned < 1 {
		e.TimesScanned = 1
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	if e.LastSeen.Before(e.FirstSeen) {
		e.LastSeen = e.FirstSeen
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	err := s.withDB(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO inventory (image_hash, title, type, year, notes, confidence, first_seen, last_seen,
				times_scanned, thumbnail, box_id, condition_estimate, raw_metadata, comps_quote, updated_at)
			VALUES (:image_hash, :title, :type, :year, :notes, :confidence, :first_seen, :last_seen,
				:times_scanned, :thumbnail, :box_id, :condition_estimate, :raw_metadata, :comps_quote, :updated_at)
			ON CONFLICT(image_hash) DO UPDATE SET
				title = excluded.title,
				type = excluded.type,
				year = excluded.year,
				notes = excluded.notes,
				confidence = excluded.confidence,
				box_id = excluded.box_id,
				condition_estimate = excluded.condition_estimate,
				raw_metadata = excluded.raw_metadata,
				comps_quote = excluded.comps_quote,
				first_seen = MIN(inventory.first_seen, excluded.first_seen),
				last_seen = MAX(inventory.last_seen, excluded.last_seen),
				times_scanned = MAX(inventory.times_scanned, excluded.times_scanned),
				thumbnail = CASE WHEN length(excluded.thumbnail) > 0 THEN excluded.thumbnail ELSE inventory.thumbnail END,
				updated_at = MAX(inventory.updated_at, excluded.updated_at)`,
			inventoryToRow(e))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add %s to inventory: %w", e.ImageHash, err)
	}

	stored, err := s.FindByImageHash(ctx, e.ImageHash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, notFound("inventory entry", e.ImageHash)
	}
	return stored, nil
}

// FindByImageHash returns the entry for a fingerprint, or nil when there is none.
func (s *Store) FindByImageHash(ctx context.Context, hash string) (*models.InventoryEntry, error) {
	var row inventoryRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &row, `SELECT `+inventoryColumns+` FROM inventory WHERE image_hash = ?`, hash)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find inventory entry %s: %w", hash, err)
	}
	return row.toModel(), nil
}

// RecordSighting counts one more scan of a fingerprint and moves last_seen
// forward to at.
func (s *Store) RecordSighting(ctx context.Context, hash string, at time.Time) (*models.InventoryEntry, error) {
	var affected int64
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE inventory SET
				times_scanned = times_scanned + 1,
				last_seen = MAX(last_seen, ?),
				updated_at = MAX(updated_at, ?)
			WHERE image_hash = ?`, toMillis(at), toMillis(at), hash)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record sighting of %s: %w", hash, err)
	}
	if affected == 0 {
		return nil, notFound("inventory entry", hash)
	}
	return s.FindByImageHash(ctx, hash)
}

// CountInventory returns the number of inventory entries.
func (s *Store) CountInventory(ctx context.Context) (int, error) {
	var n int
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.GetContext(ctx, &n, `SELECT COUNT(*) FROM inventory`)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count inventory: %w", err)
	}
	return n, nil
}

// SortField names an inventory sort key.
type SortField string

const (
	SortLastSeen     SortField = "last_seen"
	SortFirstSeen    SortField = "first_seen"
	SortTitle        SortField = "title"
	SortType         SortField = "type"
	SortYear         SortField = "year"
	SortBoxID        SortField = "box_id"
	SortTimesScanned SortField = "times_scanned"
)

// ParseSortField accepts the names above; an empty string means last_seen.
func ParseSortField(s string) (SortField, error) {
	switch f := SortField(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return SortLastSeen, nil
	case SortLastSeen, SortFirstSeen, SortTitle, SortType, SortYear, SortBoxID, SortTimesScanned:
		return f, nil
	}
	return "", errors.Newf("unknown sort field %q", s).Component("store").Category(errors.CategoryValidation).Build()
}

// InventoryQuery selects one page of inventory.
type InventoryQuery struct {
	Limit     int
	Cursor    string
	Sort      SortField
	Ascending bool
}

// InventoryPage is one page of inventory plus the cursor of the next page,
// empty when there are no more entries.
type InventoryPage struct {
	Entries    []*models.InventoryEntry `json:"entries"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

// GetAllInventory pages through the inventory. Sorting by last_seen walks the
// (last_seen, id) index from the cursor; any other sort loads the collection
// and sorts it in memory.
func (s *Store) GetAllInventory(ctx context.Context, q InventoryQuery) (*InventoryPage, error) {
	if q.Sort == "" {
		q.Sort = SortLastSeen
	}
	if q.Sort == SortLastSeen {
		return s.inventoryByLastSeen(ctx, q)
	}
	return s.inventorySorted(ctx, q)
}

func (s *Store) inventoryByLastSeen(ctx context.Context, q InventoryQuery) (*InventoryPage, error) {
	cmpOp, order := "<", "DESC"
	if q.Ascending {
		cmpOp, order = ">", "ASC"
	}

	query := `SELECT ` + inventoryColumns + ` FROM inventory`
	args := []any{}
	if q.Cursor != "" {
		lastSeen, id, err := parseSeekCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(` WHERE (last_seen %s ? OR (last_seen = ? AND id %s ?))`, cmpOp, cmpOp)
		args = append(args, lastSeen, lastSeen, id)
	}
	query += fmt.Sprintf(` ORDER BY last_seen %s, id %s`, order, order)
	if q.Limit > 0 {
		// one extra row tells whether another page exists
		query += ` LIMIT ?`
		args = append(args, q.Limit+1)
	}

	var rows []inventoryRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}

	page := &InventoryPage{}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
		last := rows[len(rows)-1]
		page.NextCursor = fmt.Sprintf("%d:%d", last.LastSeen, last.ID)
	}
	page.Entries = make([]*models.InventoryEntry, 0, len(rows))
	for _, r := range rows {
		page.Entries = append(page.Entries, r.toModel())
	}
	return page, nil
}

func parseSeekCursor(cursor string) (int64, int64, error) {
	seen, id, ok := strings.Cut(cursor, ":")
	if ok {
		lastSeen, err1 := strconv.ParseInt(seen, 10, 64)
		rowID, err2 := strconv.ParseInt(id, 10, 64)
		if err1 == nil && err2 == nil {
			return lastSeen, rowID, nil
		}
	}
	return 0, 0, errors.Newf("invalid inventory cursor %q", cursor).Component("store").Category(errors.CategoryValidation).Build()
}

func (s *Store) inventorySorted(ctx context.Context, q InventoryQuery) (*InventoryPage, error) {
	offset := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(q.Cursor, "o"))
		if err != nil || n < 0 || !strings.HasPrefix(q.Cursor, "o") {
			return nil, errors.Newf("invalid inventory cursor %q", q.Cursor).Component("store").Category(errors.CategoryValidation).Build()
		}
		offset = n
	}

	var rows []inventoryRow
	err := s.withDB(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, `SELECT `+inventoryColumns+` FROM inventory`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}

	slices.SortStableFunc(rows, func(a, b inventoryRow) int {
		c := compareInventory(q.Sort, a, b)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if !q.Ascending {
			c = -c
		}
		return c
	})

	page := &InventoryPage{}
	if offset >= len(rows) {
		page.Entries = []*models.InventoryEntry{}
		return page, nil
	}
	end := len(rows)
	if q.Limit > 0 && offset+q.Limit < len(rows) {
		end = offset + q.Limit
		page.NextCursor = "o" + strconv.Itoa(end)
	}
	page.Entries = make([]*models.InventoryEntry, 0, end-offset)
	for _, r := range rows[offset:end] {
		page.Entries = append(page.Entries, r.toModel())
	}
	return page, nil
}

func compareInventory(field SortField, a, b inventoryRow) int {
	switch field {
	case SortFirstSeen:
		return cmp.Compare(a.FirstSeen, b.FirstSeen)
	case SortTimesScanned:
		return cmp.Compare(a.TimesScanned, b.TimesScanned)
	case SortTitle:
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case SortType:
		return strings.Compare(strings.ToLower(a.Type), strings.ToLower(b.Type))
	case SortYear:
		return strings.Compare(a.Year, b.Year)
	case SortBoxID:
		return strings.Compare(a.BoxID, b.BoxID)
	}
	return cmp.Compare(a.LastSeen, b.LastSeen)
}
