// Package store defines the archive of past markets. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache), and
// in-memory (for testing and single-process runs).
package store

import (
	"context"
	"errors"

	"github.com/atmx/energy-exchange/internal/model"
)

// ErrNotFound is returned when an archived market does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market summaries ---

	// SaveMarketSummary archives the snapshot of a market that moved to
	// the past. Saving the same market again replaces the snapshot.
	SaveMarketSummary(ctx context.Context, s *model.MarketSummary) error

	// GetMarketSummary retrieves an archived market by its ID.
	GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error)

	// ListMarketSummaries returns the archived markets of an area,
	// ascending by time slot.
	ListMarketSummaries(ctx context.Context, area string) ([]model.MarketSummary, error)

	// --- Immutable trade ledger ---

	// InsertTrades appends trade records. Records already present are
	// skipped.
	InsertTrades(ctx context.Context, trades []model.TradeRecord) error

	// GetTradesByMarket returns the archived trades of a market.
	GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error)

	// GetTradesByParticipant returns every archived trade where name was
	// buyer or seller, ascending by trade time.
	GetTradesByParticipant(ctx context.Context, name string) ([]model.TradeRecord, error)
}
