package storage

import (
	"sync"

	"github.com/lehigh-university-libraries/ephemera/internal/models"
)

// ProgressStore keeps the latest progress report of each batch run so the
// HTTP API can poll it.
type ProgressStore struct {
	progress map[string]models.Progress
	mu       sync.RWMutex
}

func New() *ProgressStore {
	return &ProgressStore{
		progress: make(map[string]models.Progress),
	}
}

func (s *ProgressStore) Get(batchID string) (models.Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.progress[batchID]
	return p, exists
}

// Observe records p; it has the signature of a batch progress observer.
func (s *ProgressStore) Observe(p models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[p.BatchID] = p
}

func (s *ProgressStore) GetAll() map[string]models.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]models.Progress, len(s.progress))
	for k, v := range s.progress {
		result[k] = v
	}
	return result
}

func (s *ProgressStore) Delete(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, batchID)
}
