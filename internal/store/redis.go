package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveMarketSummary(ctx context.Context, m *model.MarketSummary) error {
	if err := s.primary.SaveMarketSummary(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, areaSummariesKey(m.Area))
	s.cache(ctx, summaryKey(m.MarketID), m)
	return nil
}

func (s *CachedStore) InsertTrades(ctx context.Context, trades []model.TradeRecord) error {
	if err := s.primary.InsertTrades(ctx, trades); err != nil {
		return err
	}
	// Invalidate participant ledgers touched by the batch.
	keys := make(map[string]bool)
	for _, t := range trades {
		keys[participantKey(t.Seller)] = true
		keys[participantKey(t.Buyer)] = true
	}
	for k := range keys {
		s.rdb.Del(ctx, k)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error) {
	var m model.MarketSummary
	if s.cached(ctx, summaryKey(marketID), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetMarketSummary(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, summaryKey(marketID), got)
	return got, nil
}

func (s *CachedStore) ListMarketSummaries(ctx context.Context, area string) ([]model.MarketSummary, error) {
	var summaries []model.MarketSummary
	if s.cached(ctx, areaSummariesKey(area), &summaries) {
		return summaries, nil
	}

	summaries, err := s.primary.ListMarketSummaries(ctx, area)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, areaSummariesKey(area), summaries)
	return summaries, nil
}

func (s *CachedStore) GetTradesByParticipant(ctx context.Context, name string) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	if s.cached(ctx, participantKey(name), &trades) {
		return trades, nil
	}

	trades, err := s.primary.GetTradesByParticipant(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, participantKey(name), trades)
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func summaryKey(id string) string { return fmt.Sprintf("summary:%s", id) }
func areaSummariesKey(a string) string { return fmt.Sprintf("summaries:%s", a) }
func participantKey(name string) string { return fmt.Sprintf("trades:%s", name) }
