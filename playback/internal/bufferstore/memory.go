package bufferstore

import (
	"context"
	"sort"
	"sync"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// MemoryStore is a process-local Store for development and tests. Its cursor
// is the last key of the previous page, so deletes between pages never cause skips.
type MemoryStore struct {
	records map[string]models.BufferRecord
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.BufferRecord),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec models.BufferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.PartitionKey] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.BufferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[key]
	if !exists {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, cursor string, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := Page{}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		page.Cursor = keys[len(keys)-1]
	}

	page.Records = make([]models.BufferRecord, 0, len(keys))
	for _, k := range keys {
		page.Records = append(page.Records, s.records[k])
	}
	return page, nil
}

// Len returns the number of buffered records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
