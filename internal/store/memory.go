package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with an in-memory slice. Nothing survives a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.Entry
	ids     map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) Append(_ context.Context, entry *model.Entry) error {
	if entry.ID == "" {
		return ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[entry.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
	}
	s.ids[entry.ID] = struct{}{}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *MemoryStore) EntriesByMarket(_ context.Context, market common.Address) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if e.Market == market {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EntriesByTrader(_ context.Context, trader common.Address) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if e.Trader == trader || (e.Liquidator != nil && *e.Liquidator == trader) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	result := make([]model.Entry, 0, limit)
	for i := len(s.entries) - 1; i >= len(s.entries)-limit; i-- {
		result = append(result, s.entries[i])
	}
	return result, nil
}
