// Package market implements the order books of the energy exchange: one
// market per time slot, holding offers and bids, matching them with one of
// the supported algorithms and keeping trade accounting.
//
// A Market owns its offers, bids and trades exclusively. Other components
// (inter-area agents, strategies) refer to orders by id only and must
// re-validate before acting: an id may have been traded or deleted since.
//
// All mutations are serialized behind one mutex. Event listeners run after
// the lock is released, on the mutating goroutine.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// Kind selects the matching algorithm of a market.
type Kind string

const (
	OneSided   Kind = "one_sided"
	PayAsBid   Kind = "pay_as_bid"
	PayAsClear Kind = "pay_as_clear"
	Balancing  Kind = "balancing"
)

// ParseKind validates a market kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case OneSided, PayAsBid, PayAsClear, Balancing:
		return k, nil
	}
	return "", fmt.Errorf("market: unknown market kind %q", s)
}

// TwoSided reports whether the kind accepts bids.
func (k Kind) TwoSided() bool { return k == PayAsBid || k == PayAsClear }

// ClearingRecord is one successful pay-as-clear round.
type ClearingRecord struct {
	Time   time.Time       `json:"time"`
	Rate   decimal.Decimal `json:"rate"`
	Energy decimal.Decimal `json:"energy"`
}

// Market is the order book for one time slot.
type Market struct {
	mu sync.RWMutex

	id       string
	kind     Kind
	timeSlot time.Time
	readOnly bool
	seq      uint64
	now      func() time.Time

	offers       map[string]*model.Offer
	offerIndex   *orderIndex
	offerHistory []*model.Offer
	bids         map[string]*model.Bid
	bidIndex     *orderIndex
	bidHistory   []*model.Bid
	trades       []*model.Trade

	accumulatedTradePrice  decimal.Decimal
	accumulatedTradeEnergy decimal.Decimal
	minTradeRate           decimal.Decimal
	maxTradeRate           decimal.Decimal
	tradedEnergy           map[string]decimal.Decimal
	ious                   map[string]map[string]decimal.Decimal
	clearing               []ClearingRecord

	// balancing markets allow negative (demand-side) energy and use the
	// balancing event names.
	balancing  bool
	offerEvent EventType
	tradeEvent EventType
	onTrade    func(*model.Trade) // called under lock for tracked trades

	listeners []Listener
}

// New creates an empty, writable market for the given slot.
func New(kind Kind, timeSlot time.Time) *Market {
	return &Market{
		id:           uuid.New().String(),
		kind:         kind,
		timeSlot:     timeSlot,
		now:          time.Now,
		offers:       make(map[string]*model.Offer),
		offerIndex:   newOrderIndex(false),
		bids:         make(map[string]*model.Bid),
		bidIndex:     newOrderIndex(true),
		tradedEnergy: make(map[string]decimal.Decimal),
		ious:         make(map[string]map[string]decimal.Decimal),
		offerEvent:   EventOffer,
		tradeEvent:   EventTrade,
	}
}

func (m *Market) ID() string          { return m.id }
func (m *Market) Kind() Kind          { return m.kind }
func (m *Market) TimeSlot() time.Time { return m.timeSlot }

// SetClock replaces the clock used to stamp trades. The simulation
// installs its simulated clock here.
func (m *Market) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Subscribe registers a listener for every event of this market.
func (m *Market) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ReadOnly reports whether the market has been closed.
func (m *Market) ReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// Close marks the market read-only. It is idempotent.
func (m *Market) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = true
}

// Purge drops every collection of a closed market. After Purge the
// market is read-only and empty.
func (m *Market) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = true
	m.offers = make(map[string]*model.Offer)
	m.offerIndex.clear()
	m.offerHistory = nil
	m.bids = make(map[string]*model.Bid)
	m.bidIndex.clear()
	m.bidHistory = nil
	m.trades = nil
	m.tradedEnergy = make(map[string]decimal.Decimal)
	m.ious = make(map[string]map[string]decimal.Decimal)
	m.clearing = nil
	m.listeners = nil
}

// Match runs one matching round for the market's algorithm and returns
// the tracked trades it produced. One-sided and balancing markets have no
// matcher: buyers accept offers directly.
func (m *Market) Match() []*model.Trade {
	switch m.kind {
	case PayAsBid:
		return m.matchPayAsBid()
	case PayAsClear:
		return m.matchPayAsClear()
	}
	return nil
}

// --- snapshots ---

// GetOffer returns an offer currently in the book.
func (m *Market) GetOffer(id string) (*model.Offer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	return o, ok
}

// GetBid returns a bid currently in the book.
func (m *Market) GetBid(id string) (*model.Bid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	return b, ok
}

// SortedOffers returns offers ascending by rate, ties in insertion order.
func (m *Market) SortedOffers() []*model.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offersByID(m.offerIndex.ids())
}

// MostAffordableOffers returns every offer at the minimum rate.
func (m *Market) MostAffordableOffers() []*model.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offersByID(m.offerIndex.idsAtFirstRate())
}

// SortedBids returns bids descending by rate, ties in insertion order.
func (m *Market) SortedBids() []*model.Bid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bidIndex.ids()
	out := make([]*model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.bids[id])
	}
	return out
}

// OfferHistory returns every offer ever inserted, including residuals.
func (m *Market) OfferHistory() []*model.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*model.Offer(nil), m.offerHistory...)
}

// BidHistory returns every bid ever inserted, including residuals.
func (m *Market) BidHistory() []*model.Bid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*model.Bid(nil), m.bidHistory...)
}

// Trades returns the tracked trades in the order they happened.
func (m *Market) Trades() []*model.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*model.Trade(nil), m.trades...)
}

// AccumulatedTradePrice is the sum of all tracked trade prices.
func (m *Market) AccumulatedTradePrice() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accumulatedTradePrice
}

// AccumulatedTradeEnergy is the sum of all tracked trade energies.
func (m *Market) AccumulatedTradeEnergy() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accumulatedTradeEnergy
}

// TradedEnergy returns the net traded energy of a participant: positive
// for net sellers, negative for net buyers.
func (m *Market) TradedEnergy(participant string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tradedEnergy[participant]
}

// TradedEnergyMap returns a copy of the per-participant net energy.
func (m *Market) TradedEnergyMap() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(m.tradedEnergy))
	for k, v := range m.tradedEnergy {
		out[k] = v
	}
	return out
}

// IOUs returns buyer → seller → amount owed.
func (m *Market) IOUs() map[string]map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]decimal.Decimal, len(m.ious))
	for buyer, sellers := range m.ious {
		inner := make(map[string]decimal.Decimal, len(sellers))
		for s, v := range sellers {
			inner[s] = v
		}
		out[buyer] = inner
	}
	return out
}

// AvgTradePrice returns the average trade rate (price per kWh), 0 when
// nothing has been traded.
func (m *Market) AvgTradePrice() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avgTradeRate()
}

// MinTradePrice returns the lowest trade rate seen.
func (m *Market) MinTradePrice() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minTradeRate
}

// MaxTradePrice returns the highest trade rate seen.
func (m *Market) MaxTradePrice() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTradeRate
}

// ClearingRates returns the pay-as-clear history.
func (m *Market) ClearingRates() []ClearingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ClearingRecord(nil), m.clearing...)
}

// Summary returns a consistent snapshot of the market statistics.
func (m *Market) Summary() model.MarketSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := model.MarketSummary{
		MarketID:               m.id,
		Kind:                   string(m.kind),
		TimeSlot:               m.timeSlot,
		ReadOnly:               m.readOnly,
		OfferCount:             len(m.offers),
		BidCount:               len(m.bids),
		TradeCount:             len(m.trades),
		AccumulatedTradePrice:  m.accumulatedTradePrice,
		AccumulatedTradeEnergy: m.accumulatedTradeEnergy,
		AvgTradeRate:           m.avgTradeRate(),
		MinTradeRate:           m.minTradeRate,
		MaxTradeRate:           m.maxTradeRate,
		AvgOfferRate:           m.offerIndex.avgRate(),
	}
	s.MinOfferRate, _ = m.offerIndex.firstRate()
	s.MaxOfferRate, _ = m.offerIndex.lastRate()
	return s
}

// --- internals, called with m.mu held ---

func (m *Market) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Market) offersByID(ids []string) []*model.Offer {
	out := make([]*model.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.offers[id])
	}
	return out
}

func (m *Market) avgTradeRate() decimal.Decimal {
	if m.accumulatedTradeEnergy.IsZero() {
		return decimal.Zero
	}
	return m.accumulatedTradePrice.Div(m.accumulatedTradeEnergy)
}

// recordTrade appends a tracked trade and updates accounting.
func (m *Market) recordTrade(t *model.Trade) {
	energy := t.Energy()
	price := t.Price()
	m.trades = append(m.trades, t)
	m.accumulatedTradePrice = m.accumulatedTradePrice.Add(price)
	m.accumulatedTradeEnergy = m.accumulatedTradeEnergy.Add(energy)
	m.tradedEnergy[t.Seller] = m.tradedEnergy[t.Seller].Add(energy)
	m.tradedEnergy[t.Buyer] = m.tradedEnergy[t.Buyer].Sub(energy)

	owed, ok := m.ious[t.Buyer]
	if !ok {
		owed = make(map[string]decimal.Decimal)
		m.ious[t.Buyer] = owed
	}
	owed[t.Seller] = owed[t.Seller].Add(price)

	r := t.Rate()
	if len(m.trades) == 1 || r.LessThan(m.minTradeRate) {
		m.minTradeRate = r
	}
	if len(m.trades) == 1 || r.GreaterThan(m.maxTradeRate) {
		m.maxTradeRate = r
	}
	if m.onTrade != nil {
		m.onTrade(t)
	}
}

// validateTradeEnergy checks a requested partial energy against the
// order's remaining energy.
func (m *Market) validateTradeEnergy(orderEnergy, requested decimal.Decimal) error {
	if m.balancing {
		if requested.IsZero() || requested.Sign() != orderEnergy.Sign() {
			return fmt.Errorf("%w: requested %s for offer of %s", ErrInvalidBalancingTrade, requested, orderEnergy)
		}
		if requested.Abs().GreaterThan(orderEnergy.Abs()) {
			return fmt.Errorf("%w: requested %s exceeds %s", ErrInvalidTrade, requested, orderEnergy)
		}
		return nil
	}
	if requested.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidTrade, requested)
	}
	if requested.GreaterThan(orderEnergy) {
		return fmt.Errorf("%w: requested %s exceeds %s", ErrInvalidTrade, requested, orderEnergy)
	}
	return nil
}

func (m *Market) event(t EventType) Event {
	return Event{Type: t, MarketID: m.id, TimeSlot: m.timeSlot}
}

// dispatch delivers events to a snapshot of the listeners. Must be called
// without holding m.mu.
func (m *Market) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}
