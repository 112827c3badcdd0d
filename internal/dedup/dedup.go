// Package dedup finds earlier scans of a fingerprint in two stages: a
// run-scoped cache of entries seen during the current batch run, then the
// persistent inventory.
package dedup

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// Stage names where a duplicate was found.
type Stage string

const (
	StageRun       Stage = "run"
	StageInventory Stage = "inventory"
)

// InventoryFinder is the persistent lookup stage.
type InventoryFinder interface {
	FindByImageHash(ctx context.Context, hash string) (*models.InventoryEntry, error)
}

// Match is an earlier sighting of a fingerprint.
type Match struct {
	Stage Stage
	Entry *models.InventoryEntry
}

// RunCache holds the inventory entries touched by one batch run. Entries
// never expire; the cache is dropped with the run.
type RunCache struct {
	entries *cache.Cache
}

func NewRunCache() *RunCache {
	// no cleanup interval, so no janitor goroutine
	return &RunCache{entries: cache.New(cache.NoExpiration, 0)}
}

func (r *RunCache) Get(hash string) (*models.InventoryEntry, bool) {
	v, ok := r.entries.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*models.InventoryEntry), true
}

func (r *RunCache) Put(hash string, entry *models.InventoryEntry) {
	r.entries.Set(hash, entry, cache.NoExpiration)
}

func (r *RunCache) Len() int {
	return r.entries.ItemCount()
}

// Lookup consults the run cache first, then the inventory.
type Lookup struct {
	run       *RunCache
	inventory InventoryFinder
}

func NewLookup(run *RunCache, inventory InventoryFinder) *Lookup {
	return &Lookup{run: run, inventory: inventory}
}

// Find returns the earlier sighting of hash, or nil when the fingerprint is new.
func (l *Lookup) Find(ctx context.Context, hash string) (*Match, error) {
	if entry, ok := l.run.Get(hash); ok {
		return &Match{Stage: StageRun, Entry: entry}, nil
	}

	entry, err := l.inventory.FindByImageHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up fingerprint %s: %w", hash, err)
	}
	if entry == nil {
		return nil, nil
	}
	return &Match{Stage: StageInventory, Entry: entry}, nil
}

// Remember makes entry visible to the run stage.
func (l *Lookup) Remember(hash string, entry *models.InventoryEntry) {
	l.run.Put(hash, entry)
}
