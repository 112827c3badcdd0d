package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by batches and items.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Batch represents one cataloging session
type Batch struct {
	BatchID     string    `json:"batch_id" yaml:"batch_id"`
	BoxID       string    `json:"box_id" yaml:"box_id"`
	TotalImages int       `json:"total_images" yaml:"total_images"`
	Processed   int       `json:"processed" yaml:"processed"`
	Failed      int       `json:"failed" yaml:"failed"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
	Status      Status    `json:"status" yaml:"status"`
}

// NewBatchID returns a client-generated batch identifier
func NewBatchID() string {
	return uuid.NewString()
}

// Validate checks the batch counters against total_images.
func (b *Batch) Validate() error {
	if b.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if b.TotalImages < 0 || b.Processed < 0 || b.Failed < 0 {
		return fmt.Errorf("batch %s has negative counters", b.BatchID)
	}
	if b.Processed+b.Failed > b.TotalImages {
		return fmt.Errorf("batch %s: processed (%d) + failed (%d) exceeds total_images (%d)",
			b.BatchID, b.Processed, b.Failed, b.TotalImages)
	}
	if b.Status == StatusCompleted && b.Processed+b.Failed != b.TotalImages {
		return fmt.Errorf("batch %s is completed but processed (%d) + failed (%d) != total_images (%d)",
			b.BatchID, b.Processed, b.Failed, b.TotalImages)
	}
	return nil
}

// Item represents one photographed object within a batch
type Item struct {
	ID                int64          `json:"id" yaml:"id"`
	BatchID           string         `json:"batch_id" yaml:"batch_id"`
	Filename          string         `json:"filename" yaml:"filename"`
	BoxID             string         `json:"box_id" yaml:"box_id"`
	Title             string         `json:"title" yaml:"title"`
	Type              string         `json:"type" yaml:"type"`
	Year              string         `json:"year" yaml:"year"`
	Notes             string         `json:"notes" yaml:"notes"`
	Confidence        string         `json:"confidence" yaml:"confidence"`
	ProcessedAt       time.Time      `json:"processed_at" yaml:"processed_at"`
	ImageData         []byte         `json:"-" yaml:"-"` // local only
	Status            Status         `json:"status" yaml:"status"`
	ImageHash         string         `json:"image_hash" yaml:"image_hash"`
	ConditionEstimate string         `json:"condition_estimate,omitempty" yaml:"condition_estimate,omitempty"`
	RawMetadata       map[string]any `json:"raw_metadata,omitempty" yaml:"raw_metadata,omitempty"`
	CompsQuote        string         `json:"comps_quote,omitempty" yaml:"comps_quote,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"updated_at"`
}

// CloudID is the item's document key in the cloud mirror. It is derived from
// the batch and filename so repeated pushes overwrite the same document.
func (i *Item) CloudID() string {
	return SanitizeKey(i.BatchID + "_" + i.Filename)
}

// InventoryEntry is the canonical record of a unique physical object, keyed by
// its image fingerprint.
type InventoryEntry struct {
	ID                int64          `json:"id" yaml:"id"`
	ImageHash         string         `json:"image_hash" yaml:"image_hash"`
	Title             string         `json:"title" yaml:"title"`
	Type              string         `json:"type" yaml:"type"`
	Year              string         `json:"year" yaml:"year"`
	Notes             string         `json:"notes" yaml:"notes"`
	Confidence        string         `json:"confidence" yaml:"confidence"`
	FirstSeen         time.Time      `json:"first_seen" yaml:"first_seen"`
	LastSeen          time.Time      `json:"last_seen" yaml:"last_seen"`
	TimesScanned      int            `json:"times_scanned" yaml:"times_scanned"`
	Thumbnail         []byte         `json:"thumbnail,omitempty" yaml:"-"`
	BoxID             string         `json:"box_id" yaml:"box_id"`
	ConditionEstimate string         `json:"condition_estimate,omitempty" yaml:"condition_estimate,omitempty"`
	RawMetadata       map[string]any `json:"raw_metadata,omitempty" yaml:"raw_metadata,omitempty"`
	CompsQuote        string         `json:"comps_quote,omitempty" yaml:"comps_quote,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"updated_at"`
}

const maxKeyLength = 200

// SanitizeKey keeps ASCII letters, digits, '.', '_' and '-', replaces anything
// else with '_' and truncates to 200 bytes.
func SanitizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxKeyLength {
			break
		}
	}
	out := b.String()
	if len(out) > maxKeyLength {
		out = out[:maxKeyLength]
	}
	// Firestore rejects the ids "." and ".."
	if out == "" || out == "." || out == ".." {
		out = strings.Repeat("_", max(len(out), 1))
	}
	return out
}

// Progress is reported once per item as a batch run advances.
type Progress struct {
	BatchID   string    `json:"batch_id"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Filename  string    `json:"filename"`
	Status    Status    `json:"status"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Done      bool      `json:"done,omitempty"`
	At        time.Time `json:"at"`
}
