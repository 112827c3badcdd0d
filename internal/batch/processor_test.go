package batch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/cataloging"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
	"github.com/lehigh-university-libraries/ephemera/internal/providers"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

// pattern draws one of four two-tone layouts that fingerprint differently.
func pattern(t *testing.T, kind int) []byte {
	t.Helper()
	const size = 128
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var dark bool
			switch kind {
			case 0:
				dark = ((x/32)+(y/32))%2 == 0
			case 1:
				dark = ((x/32)+(y/32))%2 == 1
			case 2:
				dark = y < size/2
			default:
				dark = x < size/2
			}
			v := uint8(220)
			if dark {
				v = 30
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "ephemera.db"),
		store.WithBus(store.NewLocalBus()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type stubGuesser struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*cataloging.Result, error)
}

func (g *stubGuesser) Guess(ctx context.Context, image []byte) (*cataloging.Result, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(call)
	}
	return &cataloging.Result{
		Title:      fmt.Sprintf("Item %d", call),
		Type:       "postcard",
		Year:       "1920",
		Notes:      "printed in Chicago",
		Confidence: "80%",
	}, nil
}

func (g *stubGuesser) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingMirror struct {
	mu        sync.Mutex
	batches   int
	items     []*models.Item
	inventory int
}

func (m *recordingMirror) SyncBatchToCloud(*models.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *recordingMirror) SyncItemToCloud(item *models.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
}

func (m *recordingMirror) SyncInventoryToCloud(*models.InventoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory++
}

func newTestProcessor(s Store, g Guesser, opts ...Option) *Processor {
	opts = append([]Option{WithDelay(0)}, opts...)
	return NewProcessor(s, g, opts...)
}

func TestStart_DeduplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	g := &stubGuesser{}
	mirror := &recordingMirror{}
	var sleeps []time.Duration
	p := NewProcessor(s, g,
		WithMirror(mirror),
		WithDelay(time.Second),
		withSleep(func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}),
	)

	postcard := pattern(t, 0)
	b, err := p.Start(ctx, "box-7", []Image{
		{Filename: "a.png", Data: postcard},
		{Filename: "b.png", Data: postcard},
		{Filename: "c.png", Data: pattern(t, 2)},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 3, b.TotalImages)
	assert.Equal(t, 3, b.Processed)
	assert.Zero(t, b.Failed)
	assert.Equal(t, 2, g.Calls())

	n, err := s.CountInventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Item 1", items[0].Title)
	assert.Equal(t, "Item 1", items[1].Title)
	assert.Equal(t, items[0].Type, items[1].Type)
	assert.Equal(t, items[0].Year, items[1].Year)
	assert.True(t, strings.HasPrefix(items[1].Notes, DuplicatePrefix))
	assert.False(t, strings.HasPrefix(items[0].Notes, DuplicatePrefix))
	assert.Equal(t, items[0].ImageHash, items[1].ImageHash)
	assert.Equal(t, "Item 2", items[2].Title)
	for _, item := range items {
		assert.Equal(t, models.StatusCompleted, item.Status)
	}

	entry, err := s.FindByImageHash(ctx, items[0].ImageHash)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.TimesScanned)
	assert.NotEmpty(t, entry.Thumbnail)

	// no pause after the in-run duplicate or after the last item
	assert.Equal(t, []time.Duration{time.Second}, sleeps)

	assert.Len(t, mirror.items, 3)
	assert.Equal(t, 3, mirror.inventory)
	assert.True(t, p.IsIdle())
}

func TestStart_DuplicateOfEarlierBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	g := &stubGuesser{}
	p := newTestProcessor(s, g)

	_, err := p.Start(ctx, "box-1", []Image{{Filename: "first.png", Data: pattern(t, 3)}})
	require.NoError(t, err)

	b, err := p.Start(ctx, "box-2", []Image{{Filename: "again.png", Data: pattern(t, 3)}})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Calls())

	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Item 1", items[0].Title)
	assert.Equal(t, "inventory", items[0].RawMetadata["duplicate_stage"])

	entry, err := s.FindByImageHash(ctx, items[0].ImageHash)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.TimesScanned)
}

func TestStart_GuessTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	calls := 0
	slow := providerFunc(func(ctx context.Context, cfg providers.Config) (string, error) {
		calls++
		if calls == 2 {
			time.Sleep(300 * time.Millisecond)
		}
		return `{"title":"Matchbook","type":"other","confidence":0.9}`, nil
	})
	guesser := cataloging.NewService(slow, "m", cataloging.WithTimeout(30*time.Millisecond))
	p := newTestProcessor(s, guesser)

	b, err := p.Start(ctx, "box", []Image{
		{Filename: "one.png", Data: pattern(t, 0)},
		{Filename: "two.png", Data: pattern(t, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 2, b.Processed)

	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Matchbook", items[0].Title)
	assert.Equal(t, "Unidentified item (two.png)", items[1].Title)
	assert.Equal(t, "0%", items[1].Confidence)
	assert.Equal(t, true, items[1].RawMetadata["fallback_mode"])

	entry, err := s.FindByImageHash(ctx, items[1].ImageHash)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestStart_FallbackIsNotKeptInInventory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mirror := &recordingMirror{}

	failing := &stubGuesser{fn: func(int) (*cataloging.Result, error) {
		return nil, fmt.Errorf("provider unavailable")
	}}
	first, err := newTestProcessor(s, failing, WithMirror(mirror)).Start(ctx, "box-1", []Image{
		{Filename: "a.png", Data: pattern(t, 0)},
		{Filename: "a-again.png", Data: pattern(t, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, failing.Calls())
	assert.Equal(t, 2, first.Processed)
	assert.Zero(t, mirror.inventory)

	n, err := s.CountInventory(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	working := &stubGuesser{}
	second, err := newTestProcessor(s, working).Start(ctx, "box-1", []Image{{Filename: "a.png", Data: pattern(t, 0)}})
	require.NoError(t, err)
	assert.Equal(t, 1, working.Calls())

	items, err := s.GetItemsByBatch(ctx, second.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Item 1", items[0].Title)
	assert.NotContains(t, items[0].Notes, DuplicatePrefix)

	entry, err := s.FindByImageHash(ctx, items[0].ImageHash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Item 1", entry.Title)
	assert.Equal(t, 1, entry.TimesScanned)
}

type providerFunc func(ctx context.Context, cfg providers.Config) (string, error)

func (f providerFunc) ExtractText(ctx context.Context, cfg providers.Config) (string, error) {
	return f(ctx, cfg)
}

func TestStart_ItemFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	p := newTestProcessor(s, &stubGuesser{})

	b, err := p.Start(ctx, "box", []Image{
		{Filename: "good.png", Data: pattern(t, 0)},
		{Filename: "empty.png"},
		{Filename: "also-good.png", Data: pattern(t, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 2, b.Processed)
	assert.Equal(t, 1, b.Failed)

	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, items[1].Status)
	assert.Contains(t, items[1].ErrorMessage, "no image data")
}

func TestResume_AfterRestart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	crashed := newTestProcessor(s, &stubGuesser{})

	b, err := crashed.Create(ctx, "box", []Image{
		{Filename: "1.png", Data: pattern(t, 0)},
		{Filename: "2.png", Data: pattern(t, 1)},
		{Filename: "3.png", Data: pattern(t, 2)},
	})
	require.NoError(t, err)

	// one item finished and one was mid-flight when the process died
	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	completed, processing := models.StatusCompleted, models.StatusProcessing
	title, hash := "Done before crash", "00000000000000ff"
	_, err = s.UpdateItem(ctx, items[0].ID, store.ItemPatch{Status: &completed, Title: &title, ImageHash: &hash})
	require.NoError(t, err)
	_, err = s.UpdateItem(ctx, items[1].ID, store.ItemPatch{Status: &processing})
	require.NoError(t, err)

	incomplete, err := s.GetIncompleteBatches(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, b.BatchID, incomplete[0].BatchID)

	g := &stubGuesser{}
	restarted := newTestProcessor(s, g)
	require.NoError(t, restarted.Resume(ctx, b.BatchID))
	assert.Equal(t, 2, g.Calls())

	got, err := s.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Processed)

	items, err = s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "Done before crash", items[0].Title)

	// resuming again is a no-op
	require.NoError(t, restarted.Resume(ctx, b.BatchID))
	assert.Equal(t, 2, g.Calls())
	got, err = s.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestResume_NothingPendingMarksCompleted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	g := &stubGuesser{}
	p := newTestProcessor(s, g)

	b, err := p.Create(ctx, "box", []Image{{Filename: "1.png", Data: pattern(t, 0)}})
	require.NoError(t, err)
	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	failed := models.StatusFailed
	_, err = s.UpdateItem(ctx, items[0].ID, store.ItemPatch{Status: &failed})
	require.NoError(t, err)

	require.NoError(t, p.Resume(ctx, b.BatchID))
	assert.Zero(t, g.Calls())

	got, err := s.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Failed)
}

func TestResume_ItemsStoredElsewhere(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	mirror := &recordingMirror{}
	g := &stubGuesser{}
	p := newTestProcessor(s, g, WithMirror(mirror))

	// pulled from the cloud while another device is still working on it
	require.NoError(t, s.SaveBatch(ctx, &models.Batch{
		BatchID: "remote-1", BoxID: "box", TotalImages: 3, Processed: 1, Status: models.StatusProcessing,
	}))

	err := p.Resume(ctx, "remote-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrItemsMissing)
	assert.Zero(t, g.Calls())
	assert.Zero(t, mirror.batches)

	got, err := s.GetBatch(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalImages)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestResume_UnknownBatch(t *testing.T) {
	p := newTestProcessor(openStore(t), &stubGuesser{})
	assert.ErrorIs(t, p.Resume(context.Background(), "nope"), ErrBatchNotFound)
}

func TestCancel_StopsBeforeNextItem(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	g := &stubGuesser{}

	var p *Processor
	p = newTestProcessor(s, g, WithObserver(func(progress models.Progress) {
		if progress.Status == models.StatusCompleted && progress.Index == 1 {
			assert.True(t, p.Cancel(progress.BatchID))
		}
	}))

	b, err := p.Create(ctx, "box", []Image{
		{Filename: "1.png", Data: pattern(t, 0)},
		{Filename: "2.png", Data: pattern(t, 1)},
		{Filename: "3.png", Data: pattern(t, 2)},
	})
	require.NoError(t, err)

	err = p.Run(ctx, b.BatchID)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, g.Calls())
	assert.False(t, p.Cancel(b.BatchID))

	got, err := s.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Processed)

	items, err := s.GetItemsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, items[2].Status)
}

func TestBackground_ReportsProgressAndMetrics(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []models.Progress
	p := newTestProcessor(s, &stubGuesser{fn: func(call int) (*cataloging.Result, error) {
		return nil, fmt.Errorf("provider down")
	}}, WithMetrics(metrics), WithObserver(func(progress models.Progress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, progress)
	}))

	b, err := p.Create(ctx, "box", []Image{
		{Filename: "1.png", Data: pattern(t, 0)},
		{Filename: "2.png", Data: pattern(t, 0)},
	})
	require.NoError(t, err)
	p.Background(ctx, b.BatchID, false)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 2, last.Total)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Fallbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Items.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DuplicateHits.WithLabelValues("run")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRuns))
}

func TestCreate_RequiresImages(t *testing.T) {
	p := newTestProcessor(openStore(t), &stubGuesser{})
	_, err := p.Create(context.Background(), "box", nil)
	assert.Error(t, err)
}

func TestAppend_ReopensCompletedBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	g := &stubGuesser{}
	p := newTestProcessor(s, g)

	b, err := p.Start(ctx, "box", []Image{{Filename: "1.png", Data: pattern(t, 0)}})
	require.NoError(t, err)

	b, err = p.Append(ctx, b.BatchID, []Image{{Filename: "2.png", Data: pattern(t, 3)}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, b.Status)
	assert.Equal(t, 2, b.TotalImages)

	require.NoError(t, p.Resume(ctx, b.BatchID))
	got, err := s.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 2, g.Calls())
}
