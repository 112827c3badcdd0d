package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CloseRequest asks every other instance holding the database at Path to
// release its handle while From upgrades the schema.
type CloseRequest struct {
	Path        string    `json:"path"`
	From        string    `json:"from"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	At          time.Time `json:"at"`
}

// Bus carries close requests between Store instances.
type Bus interface {
	Publish(req CloseRequest) error
	// Subscribe registers fn for requests about path and returns a function
	// that removes the subscription.
	Subscribe(path string, fn func(CloseRequest)) func()
	Close() error
}

type subscribers struct {
	mu     sync.Mutex
	nextID int
	byPath map[string]map[int]func(CloseRequest)
}

func (s *subscribers) add(path string, fn func(CloseRequest)) func() {
	key := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPath == nil {
		s.byPath = make(map[string]map[int]func(CloseRequest))
	}
	if s.byPath[key] == nil {
		s.byPath[key] = make(map[int]func(CloseRequest))
	}
	id := s.nextID
	s.nextID++
	s.byPath[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.byPath[key], id)
	}
}

func (s *subscribers) forPath(path string) []func(CloseRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.byPath[filepath.Clean(path)]
	out := make([]func(CloseRequest), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

// LocalBus delivers close requests between instances in the same process.
type LocalBus struct {
	subs subscribers
	wg   sync.WaitGroup
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish delivers req asynchronously to every subscriber of req.Path.
func (b *LocalBus) Publish(req CloseRequest) error {
	for _, fn := range b.subs.forPath(req.Path) {
		b.wg.Add(1)
		go func(fn func(CloseRequest)) {
			defer b.wg.Done()
			fn(req)
		}(fn)
	}
	return nil
}

func (b *LocalBus) Subscribe(path string, fn func(CloseRequest)) func() {
	return b.subs.add(path, fn)
}

// Close waits for in-flight deliveries.
func (b *LocalBus) Close() error {
	b.wg.Wait()
	return nil
}

// FileBus delivers close requests across processes through a signal file
// next to the database, watched with fsnotify.
type FileBus struct {
	signalPath string
	watcher    *fsnotify.Watcher
	logger     *slog.Logger
	subs       subscribers
	done       chan struct{}
	closeOnce  sync.Once
}

// NewFileBus watches the directory of dbPath for close requests.
func NewFileBus(dbPath string, logger *slog.Logger) (*FileBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	b := &FileBus{
		signalPath: signalPath(dbPath),
		watcher:    watcher,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

func signalPath(dbPath string) string {
	return filepath.Clean(dbPath) + ".close-request"
}

// Publish writes the request to the signal file with an atomic rename.
func (b *FileBus) Publish(req CloseRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal close request: %w", err)
	}
	tmp := b.signalPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write close request: %w", err)
	}
	if err := os.Rename(tmp, b.signalPath); err != nil {
		return fmt.Errorf("failed to publish close request: %w", err)
	}
	return nil
}

func (b *FileBus) Subscribe(path string, fn func(CloseRequest)) func() {
	return b.subs.add(path, fn)
}

func (b *FileBus) loop() {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != b.signalPath {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			b.deliver()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("Close-request watcher error", "err", err)
		}
	}
}

func (b *FileBus) deliver() {
	data, err := os.ReadFile(b.signalPath)
	if err != nil {
		return
	}
	var req CloseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.logger.Debug("Ignoring unreadable close request", "err", err)
		return
	}
	for _, fn := range b.subs.forPath(req.Path) {
		fn(req)
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (b *FileBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.watcher.Close()
		<-b.done
	})
	return err
}
