// Package batch runs cataloging batches: one item at a time, in input order,
// with two-stage duplicate detection and a best-effort cloud mirror.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/ephemera/internal/cataloging"
	"github.com/lehigh-university-libraries/ephemera/internal/dedup"
	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/fingerprint"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

// DuplicatePrefix marks the notes of an item copied from an earlier scan.
const DuplicatePrefix = "[Duplicate] "

// DefaultDelay is the pause between items sent to the AI provider.
const DefaultDelay = 1500 * time.Millisecond

var (
	ErrBatchNotFound  = errors.NewStd("batch not found")
	ErrAlreadyRunning = errors.NewStd("batch is already running")
	ErrCancelled      = errors.NewStd("batch run cancelled")
	// ErrItemsMissing is returned for a batch whose items live on another
	// device; only the device holding the photographs can process it.
	ErrItemsMissing = errors.NewStd("batch items are not stored on this device")
)

// Store is the part of the local store the processor writes to.
type Store interface {
	SaveBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	SaveItem(ctx context.Context, item *models.Item) (int64, error)
	UpdateItem(ctx context.Context, id int64, patch store.ItemPatch) (*models.Item, error)
	GetItemsByBatch(ctx context.Context, batchID string) ([]*models.Item, error)
	AddToInventory(ctx context.Context, e *models.InventoryEntry) (*models.InventoryEntry, error)
	FindByImageHash(ctx context.Context, hash string) (*models.InventoryEntry, error)
	RecordSighting(ctx context.Context, hash string, at time.Time) (*models.InventoryEntry, error)
}

// Guesser identifies one photographed item.
type Guesser interface {
	Guess(ctx context.Context, image []byte) (*cataloging.Result, error)
}

// Mirror receives snapshots to replicate. Calls must not block.
type Mirror interface {
	SyncBatchToCloud(b *models.Batch)
	SyncItemToCloud(item *models.Item)
	SyncInventoryToCloud(e *models.InventoryEntry)
}

// Observer is told about every item state change.
type Observer func(models.Progress)

// Image is one uploaded photograph.
type Image struct {
	Filename string
	Data     []byte
}

type noopMirror struct{}

func (noopMirror) SyncBatchToCloud(*models.Batch)              {}
func (noopMirror) SyncItemToCloud(*models.Item)                {}
func (noopMirror) SyncInventoryToCloud(*models.InventoryEntry) {}

// Processor drives batch runs.
type Processor struct {
	store    Store
	guesser  Guesser
	mirror   Mirror
	observer Observer
	logger   *slog.Logger
	metrics  *Metrics
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	cancelled bool
}

type Option func(*Processor)

func WithMirror(m Mirror) Option {
	return func(p *Processor) {
		if m != nil {
			p.mirror = m
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithDelay sets the pause between items. Zero disables it.
func WithDelay(d time.Duration) Option {
	return func(p *Processor) { p.delay = d }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

func withClock(fn func() time.Time) Option {
	return func(p *Processor) { p.now = fn }
}

func NewProcessor(s Store, g Guesser, opts ...Option) *Processor {
	p := &Processor{
		store:   s,
		guesser: g,
		mirror:  noopMirror{},
		logger:  slog.Default(),
		delay:   DefaultDelay,
		sleep:   sleepContext,
		now:     func() time.Time { return time.Now().UTC() },
		running: map[string]*run{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics, _ = NewMetrics(nil)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Create stores a new processing batch and one pending item per image.
func (p *Processor) Create(ctx context.Context, boxID string, imgs []Image) (*models.Batch, error) {
	if len(imgs) == 0 {
		return nil, errors.Newf("a batch needs at least one image").
			Component("batch").Category(errors.CategoryValidation).Build()
	}
	now := p.now()
	b := &models.Batch{
		BatchID:     models.NewBatchID(),
		BoxID:       boxID,
		TotalImages: len(imgs),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.StatusProcessing,
	}
	if err := p.store.SaveBatch(ctx, b); err != nil {
		return nil, err
	}
	if err := p.addItems(ctx, b, imgs); err != nil {
		return nil, err
	}
	p.mirror.SyncBatchToCloud(b)
	p.logger.Info("Batch created", "batch_id", b.BatchID, "box_id", boxID, "images", len(imgs))
	return b, nil
}

// Append adds images to an existing batch, for capture sessions that upload
// one photograph at a time. A completed batch goes back to processing.
func (p *Processor) Append(ctx context.Context, batchID string, imgs []Image) (*models.Batch, error) {
	if p.IsRunning(batchID) {
		return nil, ErrAlreadyRunning
	}
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBatchNotFound
	}
	b.TotalImages += len(imgs)
	b.Status = models.StatusProcessing
	b.UpdatedAt = p.now()
	if err := p.store.SaveBatch(ctx, b); err != nil {
		return nil, err
	}
	if err := p.addItems(ctx, b, imgs); err != nil {
		return nil, err
	}
	p.mirror.SyncBatchToCloud(b)
	return b, nil
}

func (p *Processor) addItems(ctx context.Context, b *models.Batch, imgs []Image) error {
	for _, img := range imgs {
		item := &models.Item{
			BatchID:   b.BatchID,
			Filename:  img.Filename,
			BoxID:     b.BoxID,
			ImageData: img.Data,
			Status:    models.StatusPending,
			UpdatedAt: p.now(),
		}
		if _, err := p.store.SaveItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Start creates a batch and processes it to the end before returning.
func (p *Processor) Start(ctx context.Context, boxID string, imgs []Image) (*models.Batch, error) {
	b, err := p.Create(ctx, boxID, imgs)
	if err != nil {
		return nil, err
	}
	if err := p.Run(ctx, b.BatchID); err != nil {
		return b, err
	}
	return p.store.GetBatch(ctx, b.BatchID)
}

// Background runs the batch on its own goroutine. Use Wait to join it.
func (p *Processor) Background(ctx context.Context, batchID string, resume bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		var err error
		if resume {
			err = p.Resume(ctx, batchID)
		} else {
			err = p.Run(ctx, batchID)
		}
		if err != nil && !errors.Is(err, ErrCancelled) {
			p.logger.Error("Batch run failed", "batch_id", batchID, "err", err)
		}
	}()
}

// Wait blocks until every background run has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Resume continues a batch left in processing. Items a crash left in
// processing go back to pending first. Resuming a completed batch does nothing.
func (p *Processor) Resume(ctx context.Context, batchID string) error {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrBatchNotFound
	}
	if b.Status == models.StatusCompleted {
		p.logger.Info("Batch already completed, nothing to resume", "batch_id", batchID)
		return nil
	}
	if p.IsRunning(batchID) {
		return ErrAlreadyRunning
	}

	items, err := p.store.GetItemsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	pending := models.StatusPending
	for _, item := range items {
		if item.Status != models.StatusProcessing {
			continue
		}
		if _, err := p.store.UpdateItem(ctx, item.ID, store.ItemPatch{Status: &pending}); err != nil {
			return err
		}
	}
	return p.Run(ctx, batchID)
}

// Cancel asks a running batch to stop before its next item. It reports
// whether the batch was running.
func (p *Processor) Cancel(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.running[batchID]
	if ok {
		r.cancelled = true
	}
	return ok
}

// IsIdle reports whether no batch is being processed.
func (p *Processor) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running) == 0
}

// IsRunning reports whether the batch has an active run.
func (p *Processor) IsRunning(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[batchID]
	return ok
}

func (p *Processor) register(batchID string) (*run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[batchID]; ok {
		return nil, false
	}
	r := &run{}
	p.running[batchID] = r
	p.metrics.ActiveRuns.Inc()
	return r, true
}

func (p *Processor) unregister(batchID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, batchID)
	p.metrics.ActiveRuns.Dec()
}

func (p *Processor) isCancelled(r *run) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.cancelled
}

// Run processes every pending item of the batch in order. A cancelled run
// leaves the batch in processing so it can be resumed later.
func (p *Processor) Run(ctx context.Context, batchID string) error {
	r, ok := p.register(batchID)
	if !ok {
		return ErrAlreadyRunning
	}
	defer p.unregister(batchID)

	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrBatchNotFound
	}
	if b.Status == models.StatusCompleted {
		return nil
	}

	items, err := p.store.GetItemsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if len(items) < b.TotalImages {
		return errors.New(ErrItemsMissing).
			Component("batch").
			Category(errors.CategoryState).
			Context("batch_id", batchID).
			Context("stored_items", len(items)).
			Context("total_images", b.TotalImages).
			Build()
	}

	if err := p.loop(ctx, r, b, items); err != nil {
		if errors.Is(err, ErrCancelled) {
			p.logger.Info("Batch run stopped", "batch_id", batchID, "reason", err)
			return err
		}
		b.Status = models.StatusFailed
		b.UpdatedAt = p.now()
		if saveErr := p.store.SaveBatch(context.WithoutCancel(ctx), b); saveErr != nil {
			p.logger.Error("Failed to mark batch failed", "batch_id", batchID, "err", saveErr)
		}
		p.mirror.SyncBatchToCloud(b)
		return err
	}
	return nil
}

func (p *Processor) loop(ctx context.Context, r *run, b *models.Batch, items []*models.Item) error {
	positions := make(map[int64]int, len(items))
	var pending []*models.Item
	for i, item := range items {
		positions[item.ID] = i + 1
		if item.Status == models.StatusPending {
			pending = append(pending, item)
		}
	}

	lookup := dedup.NewLookup(dedup.NewRunCache(), p.store)

	for i, item := range pending {
		if p.isCancelled(r) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(ErrCancelled, err)
		}

		started := time.Now()
		updated, stage, err := p.processItem(ctx, b, item, positions[item.ID], len(items), lookup)
		p.metrics.ItemDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(ErrCancelled, ctx.Err())
			}
			updated = p.failItem(ctx, b, item, positions[item.ID], len(items), err)
		}
		*item = *updated

		if err := p.saveCounters(ctx, b, items, models.StatusProcessing); err != nil {
			return err
		}

		if i < len(pending)-1 && stage != dedup.StageRun && p.delay > 0 {
			if err := p.sleep(ctx, p.delay); err != nil {
				return errors.Join(ErrCancelled, err)
			}
		}
	}

	if err := p.saveCounters(ctx, b, items, models.StatusCompleted); err != nil {
		return err
	}
	p.emit(models.Progress{
		BatchID: b.BatchID,
		Index:   len(items),
		Total:   len(items),
		Status:  models.StatusCompleted,
		Done:    true,
	})
	p.logger.Info("Batch completed", "batch_id", b.BatchID, "processed", b.Processed, "failed", b.Failed)
	return nil
}

// saveCounters recomputes processed and failed from the item statuses.
func (p *Processor) saveCounters(ctx context.Context, b *models.Batch, items []*models.Item, status models.Status) error {
	processed, failed := 0, 0
	for _, item := range items {
		switch item.Status {
		case models.StatusCompleted:
			processed++
		case models.StatusFailed:
			failed++
		}
	}
	if len(items) > b.TotalImages {
		b.TotalImages = len(items)
	}
	b.Processed = processed
	b.Failed = failed
	b.Status = status
	b.UpdatedAt = p.now()
	if err := p.store.SaveBatch(ctx, b); err != nil {
		return fmt.Errorf("failed to save batch progress: %w", err)
	}
	p.mirror.SyncBatchToCloud(b)
	return nil
}

// processItem takes one item through fingerprinting, dedup, guessing
// and persistence. It returns the stored item and, for duplicates, the stage
// that matched.
func (p *Processor) processItem(ctx context.Context, b *models.Batch, item *models.Item, index, total int, lookup *dedup.Lookup) (*models.Item, dedup.Stage, error) {
	processing := models.StatusProcessing
	item, err := p.store.UpdateItem(ctx, item.ID, store.ItemPatch{Status: &processing})
	if err != nil {
		return nil, "", err
	}
	p.emit(models.Progress{
		BatchID:  b.BatchID,
		Index:    index,
		Total:    total,
		Filename: item.Filename,
		Status:   models.StatusProcessing,
	})

	if len(item.ImageData) == 0 {
		return nil, "", errors.Newf("item %s has no image data", item.Filename).
			Component("batch").Category(errors.CategoryImage).Build()
	}

	hash := fingerprint.Compute(item.ImageData)
	now := p.now()

	match, err := lookup.Find(ctx, hash)
	if err != nil {
		return nil, "", err
	}

	var patch store.ItemPatch
	var stage dedup.Stage
	if match != nil {
		stage = match.Stage
		entry, err := p.store.RecordSighting(ctx, hash, now)
		if err != nil {
			return nil, "", err
		}
		lookup.Remember(hash, entry)
		p.mirror.SyncInventoryToCloud(entry)
		p.metrics.DuplicateHits.WithLabelValues(string(stage)).Inc()
		patch = duplicatePatch(entry, stage)
	} else {
		result, err := p.guesser.Guess(ctx, item.ImageData)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", err
			}
			p.logger.Warn("AI guess failed, using fallback", "batch_id", b.BatchID, "filename", item.Filename, "err", err)
			p.metrics.Fallbacks.Inc()
			// placeholders stay out of the inventory so a later scan gets a real guess
			patch = resultPatch(cataloging.Fallback(item.Filename, err))
		} else {
			entry, err := p.store.AddToInventory(ctx, &models.InventoryEntry{
				ImageHash:         hash,
				Title:             result.Title,
				Type:              result.Type,
				Year:              result.Year,
				Notes:             result.Notes,
				Confidence:        result.Confidence,
				FirstSeen:         now,
				LastSeen:          now,
				TimesScanned:      1,
				Thumbnail:         images.Thumbnail(item.ImageData),
				BoxID:             item.BoxID,
				ConditionEstimate: result.ConditionEstimate,
				RawMetadata:       result.RawMetadata,
				UpdatedAt:         now,
			})
			if err != nil {
				return nil, "", err
			}
			lookup.Remember(hash, entry)
			p.mirror.SyncInventoryToCloud(entry)
			patch = resultPatch(result)
		}
	}

	completed := models.StatusCompleted
	patch.Status = &completed
	patch.ImageHash = &hash
	patch.ProcessedAt = &now
	empty := ""
	patch.ErrorMessage = &empty

	item, err = p.store.UpdateItem(ctx, item.ID, patch)
	if err != nil {
		return nil, "", err
	}
	p.mirror.SyncItemToCloud(item)
	p.metrics.Items.WithLabelValues("completed").Inc()
	p.emit(models.Progress{
		BatchID:   b.BatchID,
		Index:     index,
		Total:     total,
		Filename:  item.Filename,
		Status:    models.StatusCompleted,
		Duplicate: match != nil,
	})
	return item, stage, nil
}

func (p *Processor) failItem(ctx context.Context, b *models.Batch, item *models.Item, index, total int, cause error) *models.Item {
	p.logger.Error("Item failed", "batch_id", b.BatchID, "filename", item.Filename, "err", cause)
	p.metrics.Items.WithLabelValues("failed").Inc()

	failed := models.StatusFailed
	msg := cause.Error()
	updated, err := p.store.UpdateItem(ctx, item.ID, store.ItemPatch{Status: &failed, ErrorMessage: &msg})
	if err != nil {
		p.logger.Error("Failed to record item failure", "item_id", item.ID, "err", err)
		updated = item
		updated.Status = models.StatusFailed
		updated.ErrorMessage = msg
	}
	p.mirror.SyncItemToCloud(updated)
	p.emit(models.Progress{
		BatchID:  b.BatchID,
		Index:    index,
		Total:    total,
		Filename: item.Filename,
		Status:   models.StatusFailed,
	})
	return updated
}

func (p *Processor) emit(progress models.Progress) {
	if p.observer == nil {
		return
	}
	progress.At = p.now()
	p.observer(progress)
}

func resultPatch(r *cataloging.Result) store.ItemPatch {
	return store.ItemPatch{
		Title:             &r.Title,
		Type:              &r.Type,
		Year:              &r.Year,
		Notes:             &r.Notes,
		Confidence:        &r.Confidence,
		ConditionEstimate: &r.ConditionEstimate,
		RawMetadata:       r.RawMetadata,
	}
}

func duplicatePatch(e *models.InventoryEntry, stage dedup.Stage) store.ItemPatch {
	title := e.Title
	if title == "" {
		title = cataloging.UntitledItem
	}
	notes := DuplicatePrefix + e.Notes
	return store.ItemPatch{
		Title:             &title,
		Type:              &e.Type,
		Year:              &e.Year,
		Notes:             &notes,
		Confidence:        &e.Confidence,
		ConditionEstimate: &e.ConditionEstimate,
		RawMetadata: map[string]any{
			"duplicate_of":    e.ImageHash,
			"duplicate_stage": string(stage),
			"times_scanned":   e.TimesScanned,
		},
	}
}
