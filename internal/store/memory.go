package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/energy-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]*model.MarketSummary
	ledger    []model.TradeRecord
	tradeIDs  map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[string]*model.MarketSummary),
		tradeIDs:  make(map[string]bool),
	}
}

func (s *MemoryStore) SaveMarketSummary(_ context.Context, sum *model.MarketSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *sum
	s.summaries[sum.MarketID] = &copy
	return nil
}

func (s *MemoryStore) GetMarketSummary(_ context.Context, marketID string) (*model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	copy := *sum
	return &copy, nil
}

func (s *MemoryStore) ListMarketSummaries(_ context.Context, area string) ([]model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.MarketSummary, 0)
	for _, sum := range s.summaries {
		if sum.Area == area {
			result = append(result, *sum)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimeSlot.Before(result[j].TimeSlot)
	})
	return result, nil
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if s.tradeIDs[t.ID] {
			continue
		}
		s.tradeIDs[t.ID] = true
		s.ledger = append(s.ledger, t)
	}
	return nil
}

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.ledger {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByParticipant(_ context.Context, name string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.ledger {
		if t.Buyer == name || t.Seller == name {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Time.Before(result[j].Time)
	})
	return result, nil
}
