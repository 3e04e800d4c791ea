package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// Schema creates the archive tables. Migrate applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS market_summaries (
	market_id                TEXT PRIMARY KEY,
	area                     TEXT NOT NULL,
	kind                     TEXT NOT NULL,
	time_slot                TIMESTAMPTZ NOT NULL,
	readonly                 BOOLEAN NOT NULL,
	offer_count              INTEGER NOT NULL,
	bid_count                INTEGER NOT NULL,
	trade_count              INTEGER NOT NULL,
	accumulated_trade_price  NUMERIC NOT NULL,
	accumulated_trade_energy NUMERIC NOT NULL,
	avg_trade_rate           NUMERIC NOT NULL,
	min_trade_rate           NUMERIC NOT NULL,
	max_trade_rate           NUMERIC NOT NULL,
	min_offer_rate           NUMERIC NOT NULL,
	max_offer_rate           NUMERIC NOT NULL,
	avg_offer_rate           NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS market_summaries_area_slot ON market_summaries (area, time_slot);

CREATE TABLE IF NOT EXISTS trades (
	id        TEXT PRIMARY KEY,
	market_id TEXT NOT NULL,
	area      TEXT NOT NULL,
	time_slot TIMESTAMPTZ NOT NULL,
	time      TIMESTAMPTZ NOT NULL,
	seller    TEXT NOT NULL,
	buyer     TEXT NOT NULL,
	energy    NUMERIC NOT NULL,
	price     NUMERIC NOT NULL,
	rate      NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market ON trades (market_id);
CREATE INDEX IF NOT EXISTS trades_seller ON trades (seller);
CREATE INDEX IF NOT EXISTS trades_buyer ON trades (buyer);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All prices and energies are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the archive tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) SaveMarketSummary(ctx context.Context, m *model.MarketSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_summaries (market_id, area, kind, time_slot, readonly,
		        offer_count, bid_count, trade_count,
		        accumulated_trade_price, accumulated_trade_energy,
		        avg_trade_rate, min_trade_rate, max_trade_rate,
		        min_offer_rate, max_offer_rate, avg_offer_rate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC)
		 ON CONFLICT (market_id) DO UPDATE SET
		        readonly = EXCLUDED.readonly,
		        offer_count = EXCLUDED.offer_count,
		        bid_count = EXCLUDED.bid_count,
		        trade_count = EXCLUDED.trade_count,
		        accumulated_trade_price = EXCLUDED.accumulated_trade_price,
		        accumulated_trade_energy = EXCLUDED.accumulated_trade_energy,
		        avg_trade_rate = EXCLUDED.avg_trade_rate,
		        min_trade_rate = EXCLUDED.min_trade_rate,
		        max_trade_rate = EXCLUDED.max_trade_rate,
		        min_offer_rate = EXCLUDED.min_offer_rate,
		        max_offer_rate = EXCLUDED.max_offer_rate,
		        avg_offer_rate = EXCLUDED.avg_offer_rate`,
		m.MarketID, m.Area, m.Kind, m.TimeSlot, m.ReadOnly,
		m.OfferCount, m.BidCount, m.TradeCount,
		m.AccumulatedTradePrice.String(), m.AccumulatedTradeEnergy.String(),
		m.AvgTradeRate.String(), m.MinTradeRate.String(), m.MaxTradeRate.String(),
		m.MinOfferRate.String(), m.MaxOfferRate.String(), m.AvgOfferRate.String(),
	)
	return err
}

const summaryColumns = `market_id, area, kind, time_slot, readonly,
		        offer_count, bid_count, trade_count,
		        accumulated_trade_price::TEXT, accumulated_trade_energy::TEXT,
		        avg_trade_rate::TEXT, min_trade_rate::TEXT, max_trade_rate::TEXT,
		        min_offer_rate::TEXT, max_offer_rate::TEXT, avg_offer_rate::TEXT`

func (s *PostgresStore) GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM market_summaries WHERE market_id = $1`, marketID)
	m, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get market summary %s: %w", marketID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarketSummaries(ctx context.Context, area string) ([]model.MarketSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM market_summaries WHERE area = $1 ORDER BY time_slot`, area)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]model.MarketSummary, 0)
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *m)
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(
			`INSERT INTO trades (id, market_id, area, time_slot, time, seller, buyer, energy, price, rate)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.MarketID, t.Area, t.TimeSlot, t.Time, t.Seller, t.Buyer,
			t.Energy.String(), t.Price.String(), t.Rate.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

const tradeColumns = `id, market_id, area, time_slot, time, seller, buyer,
		        energy::TEXT, price::TEXT, rate::TEXT`

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY time`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByParticipant(ctx context.Context, name string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE seller = $1 OR buyer = $1 ORDER BY time`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row rowScanner) (*model.MarketSummary, error) {
	var m model.MarketSummary
	var accPrice, accEnergy, avgTrade, minTrade, maxTrade, minOffer, maxOffer, avgOffer string

	if err := row.Scan(&m.MarketID, &m.Area, &m.Kind, &m.TimeSlot, &m.ReadOnly,
		&m.OfferCount, &m.BidCount, &m.TradeCount,
		&accPrice, &accEnergy,
		&avgTrade, &minTrade, &maxTrade,
		&minOffer, &maxOffer, &avgOffer); err != nil {
		return nil, err
	}

	m.AccumulatedTradePrice, _ = decimal.NewFromString(accPrice)
	m.AccumulatedTradeEnergy, _ = decimal.NewFromString(accEnergy)
	m.AvgTradeRate, _ = decimal.NewFromString(avgTrade)
	m.MinTradeRate, _ = decimal.NewFromString(minTrade)
	m.MaxTradeRate, _ = decimal.NewFromString(maxTrade)
	m.MinOfferRate, _ = decimal.NewFromString(minOffer)
	m.MaxOfferRate, _ = decimal.NewFromString(maxOffer)
	m.AvgOfferRate, _ = decimal.NewFromString(avgOffer)
	return &m, nil
}

// scanTrades reads pgx rows into TradeRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var energyS, priceS, rateS string

		if err := rows.Scan(&t.ID, &t.MarketID, &t.Area, &t.TimeSlot, &t.Time,
			&t.Seller, &t.Buyer, &energyS, &priceS, &rateS); err != nil {
			return nil, err
		}

		t.Energy, _ = decimal.NewFromString(energyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Rate, _ = decimal.NewFromString(rateS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
