package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

type recordID struct {
	stamp int64
	key   string
}

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	slots map[int64]map[recordID]models.EventRecord
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[int64]map[recordID]models.EventRecord),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec models.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := rec.Slot.UnixMilli()
	records, ok := s.slots[slot]
	if !ok {
		records = make(map[recordID]models.EventRecord)
		s.slots[slot] = records
	}

	id := recordID{stamp: rec.Stamp.UnixMilli(), key: rec.Key}
	if existing, ok := records[id]; ok && rec.NextSlot == nil {
		rec.NextSlot = existing.NextSlot
	}
	records[id] = rec
	return nil
}

func (s *MemoryStore) First(ctx context.Context, slot time.Time) (*models.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := s.sortedSlot(slot)
	if len(sorted) == 0 {
		return nil, ErrNotFound
	}
	return &sorted[0], nil
}

func (s *MemoryStore) QuerySlot(ctx context.Context, slot time.Time, cursor string, limit int) (Page, error) {
	pos, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []models.EventRecord
	for _, rec := range s.sortedSlot(slot) {
		if pos == nil || pos.before(rec) {
			records = append(records, rec)
		}
	}

	page := Page{Records: records}
	if limit > 0 && len(records) > limit {
		page.Records = records[:limit]
		page.Cursor = encodeCursor(page.Records[limit-1])
	}
	return page, nil
}

// All returns every stored record ordered by slot, stamp and key.
func (s *MemoryStore) All() []models.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := make([]int64, 0, len(s.slots))
	for slot := range s.slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	var out []models.EventRecord
	for _, slot := range slots {
		out = append(out, s.sortedSlot(time.UnixMilli(slot))...)
	}
	return out
}

func (s *MemoryStore) Close() error {
	return nil
}

// sortedSlot must be called with mu held.
func (s *MemoryStore) sortedSlot(slot time.Time) []models.EventRecord {
	records := s.slots[slot.UnixMilli()]
	out := make([]models.EventRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Stamp.Equal(b.Stamp) {
			return a.Stamp.Before(b.Stamp)
		}
		return a.Key < b.Key
	})
	return out
}
