package mirror

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

func testItem() *models.Item {
	return &models.Item{
		BatchID:     "b1",
		Filename:    "scan 01.jpg",
		Title:       "Postcard",
		Notes:       "Curt Teich linen",
		Status:      models.StatusCompleted,
		ImageHash:   "0f0f0f0f0f0f0f0f",
		ImageData:   []byte("raw image bytes"),
		RawMetadata: map[string]any{"printer": "Teich"},
		UpdatedAt:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMirror_QueueDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	remote := NewMemoryRemote()
	m := New(remote)
	m.Start(context.Background())
	defer m.Close()

	// nothing is queued before a user signs in
	m.SyncBatchToCloud(&models.Batch{BatchID: "b0"})

	m.SetUser("u1")
	b := &models.Batch{BatchID: "b1", TotalImages: 1, Status: models.StatusProcessing}
	m.SyncBatchToCloud(b)
	b2 := *b
	b2.Processed, b2.Status = 1, models.StatusCompleted
	m.SyncBatchToCloud(&b2)
	m.SyncItemToCloud(testItem())
	m.SyncInventoryToCloud(&models.InventoryEntry{ImageHash: "0f0f0f0f0f0f0f0f", Title: "Postcard", TimesScanned: 1})

	require.NoError(t, m.Flush(context.Background()))

	assert.Equal(t, 2, remote.Puts("users/u1/batches"))
	doc, ok := remote.Get("users/u1/batches", "b1")
	require.True(t, ok)
	assert.Equal(t, "completed", doc["status"])
	assert.Contains(t, doc, ServerTimeField)
	_, ok = remote.Get("users/u1/batches", "b0")
	assert.False(t, ok)

	item, ok := remote.Get("users/u1/items", "b1_scan_01.jpg")
	require.True(t, ok)
	assert.NotContains(t, item, "image_data")
	assert.Equal(t, "Postcard", item["title"])

	_, ok = remote.Get("users/u1/inventory", "0f0f0f0f0f0f0f0f")
	assert.True(t, ok)
}

func TestMirror_OfflineAfterRepeatedNetworkFailures(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryRemote()
	remote.FailWith(fmt.Errorf("dial tcp: lookup firestore.googleapis.com: no such host"))
	m := New(remote)

	err := m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1"})
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))
	assert.False(t, m.Offline().IsOffline())

	require.Error(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1"}))
	assert.True(t, m.Offline().IsOffline())

	// offline short-circuits without touching the remote
	remote.FailWith(nil)
	assert.ErrorIs(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1"}), ErrOffline)
	_, err = m.LoadAllFromCloud(ctx, "u1")
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, remote.Puts("users/u1/batches"))

	m.Offline().Retry()
	require.NoError(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1"}))
	assert.Equal(t, 1, remote.Puts("users/u1/batches"))
}

func TestMirror_NonNetworkFailuresStayOnline(t *testing.T) {
	remote := NewMemoryRemote()
	remote.FailWith(fmt.Errorf("permission denied"))
	m := New(remote)

	for range 3 {
		require.Error(t, m.PushItem(context.Background(), "u1", testItem()))
	}
	assert.False(t, m.Offline().IsOffline())
}

func TestMirror_PayloadGuardStripsLargeItems(t *testing.T) {
	remote := NewMemoryRemote()
	m := New(remote, WithMaxPayload(2048))

	item := testItem()
	item.RawMetadata = map[string]any{"ocr": strings.Repeat("x", 5000)}
	item.CompsQuote = strings.Repeat("$", 500)
	item.Notes = strings.Repeat("n", 3000)

	require.NoError(t, m.PushItem(context.Background(), "u1", item))

	doc, ok := remote.Get("users/u1/items", item.CloudID())
	require.True(t, ok)
	assert.NotContains(t, doc, "raw_metadata")
	assert.NotContains(t, doc, "comps_quote")
	notes := doc["notes"].(string)
	assert.True(t, strings.HasPrefix(notes, StrippedMarker))
	assert.Less(t, len(notes), 3000)
	assert.Equal(t, "Postcard", doc["title"])

	// the caller's item is untouched
	assert.Len(t, item.Notes, 3000)
}

func TestMirror_RequiresUser(t *testing.T) {
	m := New(NewMemoryRemote())
	assert.ErrorIs(t, m.PushBatch(context.Background(), "", &models.Batch{BatchID: "b1"}), ErrNoUser)
}

func TestMirror_LoadAllAndItems(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryRemote()
	m := New(remote)

	created := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1", BoxID: "box", TotalImages: 2, Processed: 2, CreatedAt: created, UpdatedAt: created, Status: models.StatusCompleted}))
	require.NoError(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b2", CreatedAt: created}))
	require.NoError(t, m.PushInventory(ctx, "u1", &models.InventoryEntry{ImageHash: "aa", Title: "Pin", TimesScanned: 3, Thumbnail: []byte{1, 2}}))
	require.NoError(t, m.PushItem(ctx, "u1", testItem()))
	other := testItem()
	other.BatchID = "b2"
	require.NoError(t, m.PushItem(ctx, "u1", other))

	snap, err := m.LoadAllFromCloud(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.Batches, 2)
	assert.Equal(t, "b1", snap.Batches[0].BatchID)
	assert.Equal(t, 2, snap.Batches[0].Processed)
	assert.Equal(t, created, snap.Batches[0].CreatedAt)
	require.Len(t, snap.Inventory, 1)
	assert.Equal(t, 3, snap.Inventory[0].TimesScanned)
	assert.Equal(t, []byte{1, 2}, snap.Inventory[0].Thumbnail)

	items, err := m.LoadItems(ctx, "u1", "b1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "scan 01.jpg", items[0].Filename)
	assert.Nil(t, items[0].ImageData)
}

func TestMirror_QueueFullDrops(t *testing.T) {
	remote := NewMemoryRemote()
	m := New(remote, WithQueueSize(1))
	m.SetUser("u1")

	// no worker yet, so the second snapshot does not fit
	m.SyncBatchToCloud(&models.Batch{BatchID: "b1"})
	m.SyncBatchToCloud(&models.Batch{BatchID: "b2"})
	assert.Equal(t, 1, m.Pending())

	m.Start(context.Background())
	require.NoError(t, m.Flush(context.Background()))
	m.Close()
	assert.Equal(t, 1, remote.Puts("users/u1/batches"))
}

func TestMirror_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	remote := NewMemoryRemote()
	m := New(remote, WithMetrics(metrics))

	require.NoError(t, m.PushBatch(ctx, "u1", &models.Batch{BatchID: "b1"}))
	remote.FailWith(fmt.Errorf("connection refused"))
	require.Error(t, m.PushItem(ctx, "u1", testItem()))
	require.Error(t, m.PushItem(ctx, "u1", testItem()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Pushes.WithLabelValues(CollectionBatches, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Pushes.WithLabelValues(CollectionItems, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Offline))

	m.SetUser("u1")
	m.SyncBatchToCloud(&models.Batch{BatchID: "b2"})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Dropped.WithLabelValues("offline")))
}

func TestGuardPayload(t *testing.T) {
	small := map[string]any{"title": "x", "notes": "short"}
	out, stripped := guardPayload(small, 1024)
	assert.False(t, stripped)
	assert.Equal(t, small, out)

	big := map[string]any{"title": "x", "notes": strings.Repeat("a", 4096), "thumbnail": make([]byte, 4096)}
	out, stripped = guardPayload(big, 1024)
	assert.True(t, stripped)
	assert.LessOrEqual(t, payloadSize(out), 1024)
	assert.NotContains(t, out, "thumbnail")
	assert.Contains(t, big, "thumbnail")
}

func TestGuardPayload_CutsOnRuneBoundaries(t *testing.T) {
	fields := map[string]any{
		"batch_id":  "b1",
		"filename":  "scan.jpg",
		"title":     strings.Repeat("é", 2000),
		"notes":     strings.Repeat("ü", 2000),
		"thumbnail": make([]byte, 4096),
	}
	out, stripped := guardPayload(fields, 1024)
	require.True(t, stripped)
	assert.LessOrEqual(t, payloadSize(out), 1024)

	notes := out["notes"].(string)
	assert.True(t, strings.HasPrefix(notes, StrippedMarker))
	assert.True(t, utf8.ValidString(notes))
	assert.True(t, utf8.ValidString(out["title"].(string)))
	assert.Equal(t, "b1", out["batch_id"])
	assert.Equal(t, "scan.jpg", out["filename"])
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"ascii", "abcdef", 2, "abcd"},
		{"mid rune", "aéb", 2, "a"},
		{"whole string", "éé", 10, ""},
		{"at least one byte", "abc", 0, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateRunes(tt.in, tt.n); got != tt.want {
				t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestOfflineState(t *testing.T) {
	o := NewOfflineState(0)
	assert.False(t, o.RecordFailure(fmt.Errorf("offline")))
	o.RecordSuccess()
	assert.False(t, o.RecordFailure(fmt.Errorf("offline")))
	assert.True(t, o.RecordFailure(fmt.Errorf("offline")))
	assert.False(t, o.RecordFailure(fmt.Errorf("offline")))

	status := o.Status()
	assert.True(t, status.Offline)
	assert.Equal(t, "offline", status.Reason)

	o.Retry()
	assert.False(t, o.IsOffline())
	o.MarkOffline("manual")
	assert.True(t, o.IsOffline())
}
