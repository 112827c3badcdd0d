// Package cloudsync decides when local and cloud state are reconciled:
// on first sign-in, on focus while idle, and on explicit push or pull.
package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/mirror"
	"github.com/lehigh-university-libraries/ephemera/internal/models"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

const defaultPushConcurrency = 4

var ErrNotSignedIn = errors.NewStd("not signed in")

// Store is the local store as seen by the orchestrator.
type Store interface {
	GetBatches(ctx context.Context, limit int) ([]*models.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	SaveBatch(ctx context.Context, b *models.Batch) error
	GetItemsByBatch(ctx context.Context, batchID string) ([]*models.Item, error)
	SaveItem(ctx context.Context, item *models.Item) (int64, error)
	UpdateItem(ctx context.Context, id int64, patch store.ItemPatch) (*models.Item, error)
	FindByImageHash(ctx context.Context, hash string) (*models.InventoryEntry, error)
	AddToInventory(ctx context.Context, e *models.InventoryEntry) (*models.InventoryEntry, error)
	GetAllInventory(ctx context.Context, q store.InventoryQuery) (*store.InventoryPage, error)
}

// Cloud is the mirror as seen by the orchestrator.
type Cloud interface {
	SetUser(userID string)
	LoadAllFromCloud(ctx context.Context, userID string) (*mirror.Snapshot, error)
	LoadItems(ctx context.Context, userID, batchID string) ([]*models.Item, error)
	LoadAllItems(ctx context.Context, userID string) ([]*models.Item, error)
	PushBatch(ctx context.Context, userID string, b *models.Batch) error
	PushItem(ctx context.Context, userID string, item *models.Item) error
	PushInventory(ctx context.Context, userID string, e *models.InventoryEntry) error
	Offline() *mirror.OfflineState
}

// Activity reports whether a batch is being processed.
type Activity interface {
	IsIdle() bool
}

// Identity is the signed-in account.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// PullResult counts what a pull changed locally.
type PullResult struct {
	Batches      int  `json:"batches"`
	Inventory    int  `json:"inventory"`
	RemoteEmpty  bool `json:"remote_empty"`
	Bootstrapped bool `json:"bootstrapped"`
}

// PushResult counts what a push wrote.
type PushResult struct {
	Batches   int `json:"batches"`
	Items     int `json:"items"`
	Inventory int `json:"inventory"`
	// Skipped counts local records left alone because the cloud copy is newer.
	Skipped int `json:"skipped"`
}

// Status is reported by the HTTP API and the CLI.
type Status struct {
	SignedIn bool                 `json:"signed_in"`
	User     *Identity            `json:"user,omitempty"`
	Ready    bool                 `json:"ready"`
	Offline  mirror.OfflineStatus `json:"offline"`
	LastPull time.Time            `json:"last_pull,omitempty"`
	LastPush time.Time            `json:"last_push,omitempty"`
}

type Orchestrator struct {
	store    Store
	cloud    Cloud
	activity Activity
	logger   *slog.Logger
	limit    int

	mu           sync.Mutex
	user         *Identity
	pulledFor    map[string]bool
	bootstrapped map[string]bool
	ready        bool
	lastPull     time.Time
	lastPush     time.Time
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPushConcurrency bounds parallel writes during a full push.
func WithPushConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

func New(s Store, cloud Cloud, activity Activity, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        s,
		cloud:        cloud,
		activity:     activity,
		logger:       slog.Default(),
		limit:        defaultPushConcurrency,
		pulledFor:    map[string]bool{},
		bootstrapped: map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MarkReady records that the local store finished initialising. Focus
// events are ignored until then.
func (o *Orchestrator) MarkReady() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = true
}

// SignIn selects the account. The first sign-in of an account in this
// session pulls; later ones only switch the user. It returns the pull result
// when a pull ran.
func (o *Orchestrator) SignIn(ctx context.Context, id Identity) (*PullResult, error) {
	if id.UserID == "" {
		return nil, errors.Newf("user_id is required").Component("cloudsync").Category(errors.CategoryValidation).Build()
	}

	o.mu.Lock()
	o.user = &id
	first := !o.pulledFor[id.UserID]
	o.pulledFor[id.UserID] = true
	o.mu.Unlock()

	o.cloud.SetUser(id.UserID)
	o.logger.Info("Signed in", "user_id", id.UserID, "first_in_session", first)
	if !first {
		return nil, nil
	}

	res, err := o.Pull(ctx)
	if err != nil {
		// allow the next sign-in to try again
		o.mu.Lock()
		delete(o.pulledFor, id.UserID)
		o.mu.Unlock()
		return nil, err
	}
	return res, nil
}

// SignOut stops background mirroring.
func (o *Orchestrator) SignOut() {
	o.mu.Lock()
	o.user = nil
	o.mu.Unlock()
	o.cloud.SetUser("")
}

func (o *Orchestrator) currentUser() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.user == nil {
		return "", ErrNotSignedIn
	}
	return o.user.UserID, nil
}

// Focus pulls when signed in, the store is ready and no batch is running. It
// reports whether a pull ran.
func (o *Orchestrator) Focus(ctx context.Context) (bool, error) {
	o.mu.Lock()
	signedIn, ready := o.user != nil, o.ready
	o.mu.Unlock()

	if !signedIn || !ready {
		return false, nil
	}
	if o.activity != nil && !o.activity.IsIdle() {
		o.logger.Debug("Skipping focus sync while a batch is running")
		return false, nil
	}
	if o.cloud.Offline().IsOffline() {
		return false, nil
	}
	if _, err := o.Pull(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Pull merges remote batches and inventory into the local store. An empty
// cloud account with local history triggers a one-time full push.
func (o *Orchestrator) Pull(ctx context.Context) (*PullResult, error) {
	userID, err := o.currentUser()
	if err != nil {
		return nil, err
	}

	snap, err := o.cloud.LoadAllFromCloud(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	res := &PullResult{RemoteEmpty: len(snap.Batches) == 0 && len(snap.Inventory) == 0}
	for _, remote := range snap.Batches {
		changed, err := o.mergeBatch(ctx, remote)
		if err != nil {
			o.logger.Warn("Skipping remote batch", "batch_id", remote.BatchID, "err", err)
			continue
		}
		if changed {
			res.Batches++
		}
	}
	for _, remote := range snap.Inventory {
		changed, err := o.mergeInventory(ctx, remote)
		if err != nil {
			o.logger.Warn("Skipping remote inventory entry", "image_hash", remote.ImageHash, "err", err)
			continue
		}
		if changed {
			res.Inventory++
		}
	}

	o.mu.Lock()
	o.lastPull = time.Now().UTC()
	needsBootstrap := res.RemoteEmpty && !o.bootstrapped[userID]
	o.mu.Unlock()

	if needsBootstrap {
		pushed, err := o.bootstrap(ctx, userID)
		if err != nil {
			return res, err
		}
		res.Bootstrapped = pushed
	}

	o.logger.Info("Pull finished", "user_id", userID, "batches", res.Batches, "inventory", res.Inventory,
		"bootstrapped", res.Bootstrapped)
	return res, nil
}

// mergeBatch inserts an unknown batch or replaces a local one whose
// updated_at is older than the remote copy.
func (o *Orchestrator) mergeBatch(ctx context.Context, remote *models.Batch) (bool, error) {
	if remote.BatchID == "" {
		return false, errors.NewStd("remote batch has no batch_id")
	}
	local, err := o.store.GetBatch(ctx, remote.BatchID)
	if err != nil {
		return false, err
	}
	if local != nil && !remote.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}
	if err := o.store.SaveBatch(ctx, remote); err != nil {
		return false, err
	}
	return true, nil
}

// mergeInventory inserts an unknown fingerprint or merges a newer remote
// copy. The store upsert keeps the highest scan count and the widest
// first/last seen range.
func (o *Orchestrator) mergeInventory(ctx context.Context, remote *models.InventoryEntry) (bool, error) {
	if remote.ImageHash == "" {
		return false, errors.NewStd("remote inventory entry has no image_hash")
	}
	local, err := o.store.FindByImageHash(ctx, remote.ImageHash)
	if err != nil {
		return false, err
	}
	if local != nil && !remote.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}
	if _, err := o.store.AddToInventory(ctx, remote); err != nil {
		return false, err
	}
	return true, nil
}

// bootstrap pushes all local history once per account when there is any.
func (o *Orchestrator) bootstrap(ctx context.Context, userID string) (bool, error) {
	batches, err := o.store.GetBatches(ctx, 0)
	if err != nil {
		return false, err
	}
	inventory, err := o.allInventory(ctx)
	if err != nil {
		return false, err
	}
	if len(batches) == 0 && len(inventory) == 0 {
		return false, nil
	}

	o.logger.Info("Cloud account is empty, uploading local history",
		"user_id", userID, "batches", len(batches), "inventory", len(inventory))
	if _, err := o.pushAll(ctx, userID, batches, inventory); err != nil {
		return false, err
	}

	o.mu.Lock()
	o.bootstrapped[userID] = true
	o.mu.Unlock()
	return true, nil
}

// Push uploads every local batch, item and inventory entry.
func (o *Orchestrator) Push(ctx context.Context) (*PushResult, error) {
	userID, err := o.currentUser()
	if err != nil {
		return nil, err
	}
	batches, err := o.store.GetBatches(ctx, 0)
	if err != nil {
		return nil, err
	}
	inventory, err := o.allInventory(ctx)
	if err != nil {
		return nil, err
	}
	return o.pushAll(ctx, userID, batches, inventory)
}

func (o *Orchestrator) pushAll(ctx context.Context, userID string, batches []*models.Batch, inventory []*models.InventoryEntry) (*PushResult, error) {
	remote, err := o.remoteVersions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}

	var mu sync.Mutex
	res := &PushResult{}
	count := func(field *int) {
		mu.Lock()
		defer mu.Unlock()
		*field++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)

	for _, b := range batches {
		g.Go(func() error {
			if remote.newer(remote.batches, b.BatchID, b.UpdatedAt) {
				count(&res.Skipped)
			} else {
				if err := o.cloud.PushBatch(gctx, userID, b); err != nil {
					return err
				}
				count(&res.Batches)
			}

			items, err := o.store.GetItemsByBatch(gctx, b.BatchID)
			if err != nil {
				return err
			}
			for _, item := range items {
				if remote.newer(remote.items, item.CloudID(), item.UpdatedAt) {
					count(&res.Skipped)
					continue
				}
				if err := o.cloud.PushItem(gctx, userID, item); err != nil {
					return err
				}
				count(&res.Items)
			}
			return nil
		})
	}
	for _, e := range inventory {
		g.Go(func() error {
			if remote.newer(remote.inventory, e.ImageHash, e.UpdatedAt) {
				count(&res.Skipped)
				return nil
			}
			if err := o.cloud.PushInventory(gctx, userID, e); err != nil {
				return err
			}
			count(&res.Inventory)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("push failed: %w", err)
	}

	o.mu.Lock()
	o.lastPush = time.Now().UTC()
	o.mu.Unlock()
	return res, nil
}

// versions holds the updated_at of every cloud document, keyed the way the
// documents are named.
type versions struct {
	batches   map[string]time.Time
	items     map[string]time.Time
	inventory map[string]time.Time
}

// newer reports whether the cloud copy was updated after the local one.
func (v *versions) newer(m map[string]time.Time, id string, local time.Time) bool {
	t, ok := m[id]
	return ok && t.After(local)
}

func (o *Orchestrator) remoteVersions(ctx context.Context, userID string) (*versions, error) {
	var (
		snap  *mirror.Snapshot
		items []*models.Item
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = o.cloud.LoadAllFromCloud(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = o.cloud.LoadAllItems(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &versions{
		batches:   make(map[string]time.Time, len(snap.Batches)),
		items:     make(map[string]time.Time, len(items)),
		inventory: make(map[string]time.Time, len(snap.Inventory)),
	}
	for _, b := range snap.Batches {
		v.batches[b.BatchID] = b.UpdatedAt
	}
	for _, item := range items {
		v.items[item.CloudID()] = item.UpdatedAt
	}
	for _, e := range snap.Inventory {
		v.inventory[e.ImageHash] = e.UpdatedAt
	}
	return v, nil
}

func (o *Orchestrator) allInventory(ctx context.Context) ([]*models.InventoryEntry, error) {
	var all []*models.InventoryEntry
	q := store.InventoryQuery{Limit: 500}
	for {
		page, err := o.store.GetAllInventory(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		if page.NextCursor == "" {
			return all, nil
		}
		q.Cursor = page.NextCursor
	}
}

// HydrateBatch loads a batch's items from the cloud into the local store.
// Local items are replaced only by newer remote copies. Remote items carry
// no image data.
func (o *Orchestrator) HydrateBatch(ctx context.Context, batchID string) (int, error) {
	userID, err := o.currentUser()
	if err != nil {
		return 0, err
	}
	remote, err := o.cloud.LoadItems(ctx, userID, batchID)
	if err != nil {
		return 0, err
	}
	local, err := o.store.GetItemsByBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	byCloudID := make(map[string]*models.Item, len(local))
	for _, item := range local {
		byCloudID[item.CloudID()] = item
	}

	changed := 0
	for _, r := range remote {
		existing, ok := byCloudID[r.CloudID()]
		if !ok {
			if _, err := o.store.SaveItem(ctx, r); err != nil {
				return changed, err
			}
			changed++
			continue
		}
		if !r.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		if _, err := o.store.UpdateItem(ctx, existing.ID, remotePatch(r)); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func remotePatch(r *models.Item) store.ItemPatch {
	return store.ItemPatch{
		BoxID:             &r.BoxID,
		Title:             &r.Title,
		Type:              &r.Type,
		Year:              &r.Year,
		Notes:             &r.Notes,
		Confidence:        &r.Confidence,
		ProcessedAt:       &r.ProcessedAt,
		Status:            &r.Status,
		ImageHash:         &r.ImageHash,
		ConditionEstimate: &r.ConditionEstimate,
		RawMetadata:       r.RawMetadata,
		CompsQuote:        &r.CompsQuote,
		ErrorMessage:      &r.ErrorMessage,
		UpdatedAt:         &r.UpdatedAt,
	}
}

// Retry leaves offline mode.
func (o *Orchestrator) Retry() {
	o.cloud.Offline().Retry()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		SignedIn: o.user != nil,
		Ready:    o.ready,
		Offline:  o.cloud.Offline().Status(),
		LastPull: o.lastPull,
		LastPush: o.lastPush,
	}
	if o.user != nil {
		u := *o.user
		st.User = &u
	}
	return st
}
