package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

func seedStore(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "ephemera.db")
	t.Setenv("EPHEMERA_STORAGE_PATH", path)
	t.Setenv("EPHEMERA_CLOUD_BACKEND", "none")

	ctx := context.Background()
	s, err := store.Open(ctx, path, store.WithBus(store.NewLocalBus()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveBatch(ctx, &models.Batch{
		BatchID: "batch-1", BoxID: "Box 12", TotalImages: 1, Status: models.StatusProcessing,
	}))
	_, err = s.SaveItem(ctx, &models.Item{
		BatchID: "batch-1", Filename: "menu.jpg", BoxID: "Box 12",
		Title: "Diner menu, \"Blue Plate\"", Type: "Menu", Year: "1952",
	})
	require.NoError(t, err)
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestBatchesCmd(t *testing.T) {
	seedStore(t)

	out := run(t, "batches")
	assert.Contains(t, out, "BATCH")
	assert.Contains(t, out, "batch-1")
	assert.Contains(t, out, "Box 12")
}

func TestExportCmd_CSV(t *testing.T) {
	seedStore(t)
	dest := filepath.Join(t.TempDir(), "catalog.csv")

	run(t, "export", "--format", "csv", "--out", dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	text := strings.TrimPrefix(string(data), "\ufeff")
	assert.True(t, strings.HasPrefix(text, "filename,box_id,title"))
	assert.Contains(t, text, `"Diner menu, ""Blue Plate"""`)
}

func TestExportCmd_UnknownFormat(t *testing.T) {
	seedStore(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"export", "--format", "xml"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestResetCmd_Yes(t *testing.T) {
	path := seedStore(t)

	out := run(t, "reset", "--yes")
	assert.Contains(t, out, "Local catalog deleted.")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSyncCmd_RequiresBackend(t *testing.T) {
	seedStore(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync", "pull", "--user", "someone"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cloud backend configured")
}
