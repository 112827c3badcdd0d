package export

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// Archive is a human-readable dump of the catalog. Image bytes and
// thumbnails are left out.
type Archive struct {
	ExportedAt time.Time                `yaml:"exported_at"`
	Batches    []*models.Batch          `yaml:"batches"`
	Items      []*models.Item           `yaml:"items"`
	Inventory  []*models.InventoryEntry `yaml:"inventory"`
}

// WriteYAML encodes the archive.
func WriteYAML(w io.Writer, a *Archive) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	return enc.Close()
}

// ReadYAML decodes an archive written by WriteYAML.
func ReadYAML(r io.Reader) (*Archive, error) {
	var a Archive
	if err := yaml.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return &a, nil
}
