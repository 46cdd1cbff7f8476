package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the in-process Store used by tests and single-binary dev
// runs. Behavior mirrors RedisStore, including cursor semantics.
type MemoryStore struct {
	mu       sync.Mutex
	seeds    map[string]string
	cursors  map[string]uint32
	reserved map[string]map[uint32]bool
	watches  map[string]WatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seeds:    make(map[string]string),
		cursors:  make(map[string]uint32),
		reserved: make(map[string]map[uint32]bool),
		watches:  make(map[string]WatchRecord),
	}
}

func (s *MemoryStore) PutSeed(ctx context.Context, merchantID, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[merchantID] = blob
	return nil
}

func (s *MemoryStore) GetSeed(ctx context.Context, merchantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.seeds[merchantID]
	if !ok {
		return "", fmt.Errorf("%w: seed for merchant %s", ErrNotFound, merchantID)
	}
	return blob, nil
}

func (s *MemoryStore) NextIndex(ctx context.Context, merchantID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.cursors[merchantID]
	s.cursors[merchantID] = idx + 1
	return idx, nil
}

func (s *MemoryStore) ReserveIndex(ctx context.Context, merchantID string, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reserved[merchantID] == nil {
		s.reserved[merchantID] = make(map[uint32]bool)
	}
	if s.reserved[merchantID][index] {
		return fmt.Errorf("%w: merchant %s index %d", ErrDerivationReuse, merchantID, index)
	}
	s.reserved[merchantID][index] = true
	return nil
}

func (s *MemoryStore) PutWatch(ctx context.Context, rec WatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches[rec.OrderID] = rec
	return nil
}

func (s *MemoryStore) GetWatch(ctx context.Context, orderID string) (WatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.watches[orderID]
	if !ok {
		return WatchRecord{}, fmt.Errorf("%w: watch %s", ErrNotFound, orderID)
	}
	return rec, nil
}

func (s *MemoryStore) ListActiveWatches(ctx context.Context) ([]WatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WatchRecord, 0, len(s.watches))
	for _, rec := range s.watches {
		if isTerminalState(rec.State) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
