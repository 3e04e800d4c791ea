// Package model defines the core domain types shared across the energy exchange.
// All prices and energies use shopspring/decimal, never float64.
//
// Orders and trades are immutable once created. Partial consumption never
// mutates an order; it replaces it with an accepted part and a residual.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Offer is a sell-side order: Energy kWh for Price in total.
// Balancing markets use negative Energy for demand-side offers.
type Offer struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Energy   decimal.Decimal `json:"energy"`
	Seller   string          `json:"seller"`
	MarketID string          `json:"market_id"`
}

// Rate returns price per kWh.
func (o *Offer) Rate() decimal.Decimal {
	return rate(o.Price, o.Energy)
}

// Bid is a buy-side order: willingness to pay Price for Energy kWh.
type Bid struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Energy   decimal.Decimal `json:"energy"`
	Buyer    string          `json:"buyer"`
	Seller   string          `json:"seller,omitempty"` // origin hint
	MarketID string          `json:"market_id"`
}

// Rate returns price per kWh.
func (b *Bid) Rate() decimal.Decimal {
	return rate(b.Price, b.Energy)
}

// Trade is the settled outcome of one matching action. Exactly one of
// Offer or Bid is set: the accepted (possibly split) order.
type Trade struct {
	ID            string    `json:"id"`
	MarketID      string    `json:"market_id"`
	Time          time.Time `json:"time"`
	Offer         *Offer    `json:"offer,omitempty"`
	Bid           *Bid      `json:"bid,omitempty"`
	Seller        string    `json:"seller"`
	Buyer         string    `json:"buyer"`
	ResidualOffer *Offer    `json:"residual_offer,omitempty"`
	ResidualBid   *Bid      `json:"residual_bid,omitempty"`
	PriceDrop     bool      `json:"price_drop"`
}

// IsBidTrade reports whether the trade consumed a bid.
func (t *Trade) IsBidTrade() bool { return t.Bid != nil }

// Energy returns the traded energy.
func (t *Trade) Energy() decimal.Decimal {
	if t.Bid != nil {
		return t.Bid.Energy
	}
	return t.Offer.Energy
}

// Price returns the total traded price.
func (t *Trade) Price() decimal.Decimal {
	if t.Bid != nil {
		return t.Bid.Price
	}
	return t.Offer.Price
}

// Rate returns the traded price per kWh.
func (t *Trade) Rate() decimal.Decimal {
	return rate(t.Price(), t.Energy())
}

// OrderID returns the id of the consumed order.
func (t *Trade) OrderID() string {
	if t.Bid != nil {
		return t.Bid.ID
	}
	return t.Offer.ID
}

// HasResidual reports whether the trade left a remainder in the book.
func (t *Trade) HasResidual() bool {
	return t.ResidualOffer != nil || t.ResidualBid != nil
}

// MarketSummary is a point-in-time snapshot of one market, used by
// statistics/export collaborators and the archive store.
type MarketSummary struct {
	MarketID               string          `json:"market_id" db:"market_id"`
	Area                   string          `json:"area" db:"area"`
	Kind                   string          `json:"kind" db:"kind"`
	TimeSlot               time.Time       `json:"time_slot" db:"time_slot"`
	ReadOnly               bool            `json:"readonly" db:"readonly"`
	OfferCount             int             `json:"offer_count" db:"offer_count"`
	BidCount               int             `json:"bid_count" db:"bid_count"`
	TradeCount             int             `json:"trade_count" db:"trade_count"`
	AccumulatedTradePrice  decimal.Decimal `json:"accumulated_trade_price" db:"accumulated_trade_price"`
	AccumulatedTradeEnergy decimal.Decimal `json:"accumulated_trade_energy" db:"accumulated_trade_energy"`
	AvgTradeRate           decimal.Decimal `json:"avg_trade_rate" db:"avg_trade_rate"`
	MinTradeRate           decimal.Decimal `json:"min_trade_rate" db:"min_trade_rate"`
	MaxTradeRate           decimal.Decimal `json:"max_trade_rate" db:"max_trade_rate"`
	MinOfferRate           decimal.Decimal `json:"min_offer_rate" db:"min_offer_rate"`
	MaxOfferRate           decimal.Decimal `json:"max_offer_rate" db:"max_offer_rate"`
	AvgOfferRate           decimal.Decimal `json:"avg_offer_rate" db:"avg_offer_rate"`
}

// TradeRecord is the flattened, immutable ledger form of a tracked trade.
type TradeRecord struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Area     string          `json:"area" db:"area"`
	TimeSlot time.Time       `json:"time_slot" db:"time_slot"`
	Time     time.Time       `json:"time" db:"time"`
	Seller   string          `json:"seller" db:"seller"`
	Buyer    string          `json:"buyer" db:"buyer"`
	Energy   decimal.Decimal `json:"energy" db:"energy"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Rate     decimal.Decimal `json:"rate" db:"rate"`
}

// NewTradeRecord flattens a trade for the ledger.
func NewTradeRecord(area string, slot time.Time, t *Trade) TradeRecord {
	return TradeRecord{
		ID:       t.ID,
		MarketID: t.MarketID,
		Area:     area,
		TimeSlot: slot,
		Time:     t.Time,
		Seller:   t.Seller,
		Buyer:    t.Buyer,
		Energy:   t.Energy(),
		Price:    t.Price(),
		Rate:     t.Rate(),
	}
}

func rate(price, energy decimal.Decimal) decimal.Decimal {
	if energy.IsZero() {
		return decimal.Zero
	}
	return price.Div(energy)
}
