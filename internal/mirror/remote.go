package mirror

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// ServerTimeField is stamped by the remote on every write.
const ServerTimeField = "server_updated_at"

// Document is one remote record. Field values are string, int64, float64,
// bool, time.Time, []byte, nil, []any or map[string]any.
type Document struct {
	ID     string
	Fields map[string]any
}

// Remote is a per-user document store.
type Remote interface {
	// Put overwrites the document and sets ServerTimeField.
	Put(ctx context.Context, collection, id string, fields map[string]any) error
	// List returns every document of a collection.
	List(ctx context.Context, collection string) ([]Document, error)
}

// MemoryRemote keeps documents in process. It backs tests and offline demos.
type MemoryRemote struct {
	mu   sync.Mutex
	docs map[string]map[string]map[string]any
	puts map[string]int
	err  error
	now  func() time.Time
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		docs: map[string]map[string]map[string]any{},
		puts: map[string]int{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// FailWith makes every following call return err. A nil err heals the remote.
func (m *MemoryRemote) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryRemote) Put(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.docs[collection] == nil {
		m.docs[collection] = map[string]map[string]any{}
	}
	doc := maps.Clone(fields)
	doc[ServerTimeField] = m.now()
	m.docs[collection][id] = doc
	m.puts[collection]++
	return nil
}

func (m *MemoryRemote) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	docs := make([]Document, 0, len(m.docs[collection]))
	for id, fields := range m.docs[collection] {
		docs = append(docs, Document{ID: id, Fields: maps.Clone(fields)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Puts returns how many writes a collection received.
func (m *MemoryRemote) Puts(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[collection]
}

// Get returns one stored document.
func (m *MemoryRemote) Get(collection, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	return maps.Clone(doc), ok
}
