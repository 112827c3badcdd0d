// Package mirror replicates local records to a per-user remote document store
// on a best-effort basis. Failures are logged and never reach the caller's
// processing loop.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

const (
	DefaultQueueSize   = 256
	DefaultPushTimeout = 15 * time.Second
)

// ErrOffline is returned while offline mode is on.
var ErrOffline = errors.NewStd("cloud mirror is offline")

// ErrNoUser is returned when no user is signed in.
var ErrNoUser = errors.NewStd("no signed-in user")

type job struct {
	userID     string
	collection string
	id         string
	fields     map[string]any
	flushed    chan struct{}
}

// Mirror pushes snapshots to a Remote through one ordered worker.
type Mirror struct {
	remote      Remote
	offline     *OfflineState
	logger      *slog.Logger
	maxPayload  int
	pushTimeout time.Duration
	metrics     *Metrics

	mu      sync.RWMutex
	userID  string
	queue   chan job
	closed  bool
	started bool
	done    chan struct{}
}

type Option func(*Mirror)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) { m.logger = logger }
}

func WithQueueSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.queue = make(chan job, n)
		}
	}
}

func WithMaxPayload(n int) Option {
	return func(m *Mirror) { m.maxPayload = n }
}

func WithOfflineState(o *OfflineState) Option {
	return func(m *Mirror) { m.offline = o }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Mirror) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

func WithPushTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.pushTimeout = d
		}
	}
}

func New(remote Remote, opts ...Option) *Mirror {
	m := &Mirror{
		remote:      remote,
		offline:     NewOfflineState(DefaultFailureThreshold),
		logger:      slog.Default(),
		maxPayload:  DefaultMaxPayload,
		pushTimeout: DefaultPushTimeout,
		queue:       make(chan job, DefaultQueueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics, _ = NewMetrics(nil)
	}
	return m
}

// Start launches the queue worker. It stops when Close is called.
func (m *Mirror) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go m.worker(ctx)
}

func (m *Mirror) worker(ctx context.Context) {
	defer close(m.done)
	for j := range m.queue {
		if j.flushed != nil {
			close(j.flushed)
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, m.pushTimeout)
		if err := m.push(pushCtx, j.userID, j.collection, j.id, j.fields); err != nil && !errors.Is(err, ErrOffline) {
			m.logger.Warn("Cloud sync failed", "collection", j.collection, "id", j.id, "err", err)
		}
		cancel()
	}
}

// Close stops accepting work, drains the queue and waits for the worker.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

// Flush waits until everything queued before the call has been pushed.
func (m *Mirror) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	m.mu.RLock()
	if m.closed || !m.started {
		m.mu.RUnlock()
		return nil
	}
	select {
	case m.queue <- job{flushed: flushed}:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetUser selects the account background pushes go to. An empty id stops them.
func (m *Mirror) SetUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
}

func (m *Mirror) User() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// Offline exposes the offline state for status and retry.
func (m *Mirror) Offline() *OfflineState {
	return m.offline
}

// Pending returns the number of queued pushes.
func (m *Mirror) Pending() int {
	return len(m.queue)
}

// SyncBatchToCloud queues a batch snapshot. It never blocks.
func (m *Mirror) SyncBatchToCloud(b *models.Batch) {
	m.enqueue(CollectionBatches, models.SanitizeKey(b.BatchID), batchFields(b))
}

// SyncItemToCloud queues an item snapshot. It never blocks.
func (m *Mirror) SyncItemToCloud(item *models.Item) {
	m.enqueue(CollectionItems, item.CloudID(), itemFields(item))
}

// SyncInventoryToCloud queues an inventory snapshot. It never blocks.
func (m *Mirror) SyncInventoryToCloud(e *models.InventoryEntry) {
	m.enqueue(CollectionInventory, models.SanitizeKey(e.ImageHash), inventoryFields(e))
}

func (m *Mirror) enqueue(collection, id string, fields map[string]any) {
	if m.offline.IsOffline() {
		m.metrics.Dropped.WithLabelValues("offline").Inc()
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.userID == "" {
		return
	}
	select {
	case m.queue <- job{userID: m.userID, collection: collection, id: id, fields: fields}:
	default:
		m.metrics.Dropped.WithLabelValues("queue_full").Inc()
		m.logger.Warn("Cloud sync queue full, dropping update", "collection", collection, "id", id)
	}
}

// PushBatch writes a batch synchronously.
func (m *Mirror) PushBatch(ctx context.Context, userID string, b *models.Batch) error {
	return m.push(ctx, userID, CollectionBatches, models.SanitizeKey(b.BatchID), batchFields(b))
}

// PushItem writes an item synchronously.
func (m *Mirror) PushItem(ctx context.Context, userID string, item *models.Item) error {
	return m.push(ctx, userID, CollectionItems, item.CloudID(), itemFields(item))
}

// PushInventory writes an inventory entry synchronously.
func (m *Mirror) PushInventory(ctx context.Context, userID string, e *models.InventoryEntry) error {
	return m.push(ctx, userID, CollectionInventory, models.SanitizeKey(e.ImageHash), inventoryFields(e))
}

func (m *Mirror) push(ctx context.Context, userID, collection, id string, fields map[string]any) error {
	if userID == "" {
		return ErrNoUser
	}
	if m.offline.IsOffline() {
		return ErrOffline
	}

	fields, stripped := guardPayload(fields, m.maxPayload)
	if stripped {
		m.logger.Warn("Document exceeds payload limit, optional fields stripped",
			"collection", collection, "id", id, "limit", m.maxPayload)
	}

	if err := m.remote.Put(ctx, collectionPath(userID, collection), id, fields); err != nil {
		m.metrics.push(collection, "error")
		return m.failure(err, collection, id)
	}
	m.metrics.push(collection, "ok")
	m.offline.RecordSuccess()
	m.metrics.setOffline(false)
	return nil
}

func (m *Mirror) failure(err error, collection, id string) error {
	if !errors.IsNetwork(err) {
		return errors.New(err).Component("mirror").Context("collection", collection).Context("id", id).Build()
	}
	if m.offline.RecordFailure(err) {
		m.metrics.setOffline(true)
		m.logger.Warn("Cloud unreachable, switching to offline mode", "err", err)
	}
	return errors.New(err).
		Component("mirror").
		Category(errors.CategoryNetwork).
		Context("collection", collection).
		Context("id", id).
		Build()
}

// Snapshot is everything loaded eagerly from the cloud. Items are loaded
// per batch with LoadItems.
type Snapshot struct {
	Batches   []*models.Batch
	Inventory []*models.InventoryEntry
}

func (m *Mirror) list(ctx context.Context, userID, collection string) ([]Document, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if m.offline.IsOffline() {
		return nil, ErrOffline
	}
	docs, err := m.remote.List(ctx, collectionPath(userID, collection))
	if err != nil {
		return nil, m.failure(err, collection, "")
	}
	m.offline.RecordSuccess()
	return docs, nil
}

// LoadAllFromCloud fetches the user's batches and inventory concurrently.
func (m *Mirror) LoadAllFromCloud(ctx context.Context, userID string) (*Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		docs, err := m.list(gctx, userID, CollectionBatches)
		if err != nil {
			return fmt.Errorf("failed to load batches: %w", err)
		}
		for _, d := range docs {
			snap.Batches = append(snap.Batches, BatchFromFields(d.Fields))
		}
		return nil
	})
	g.Go(func() error {
		docs, err := m.list(gctx, userID, CollectionInventory)
		if err != nil {
			return fmt.Errorf("failed to load inventory: %w", err)
		}
		for _, d := range docs {
			snap.Inventory = append(snap.Inventory, InventoryFromFields(d.Fields))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LoadAllItems returns every remote item of the user.
func (m *Mirror) LoadAllItems(ctx context.Context, userID string) ([]*models.Item, error) {
	docs, err := m.list(ctx, userID, CollectionItems)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	items := make([]*models.Item, 0, len(docs))
	for _, d := range docs {
		items = append(items, ItemFromFields(d.Fields))
	}
	return items, nil
}

// LoadItems returns the remote items of one batch.
func (m *Mirror) LoadItems(ctx context.Context, userID, batchID string) ([]*models.Item, error) {
	all, err := m.LoadAllItems(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of %s: %w", batchID, err)
	}
	var items []*models.Item
	for _, item := range all {
		if item.BatchID == batchID {
			items = append(items, item)
		}
	}
	return items, nil
}
