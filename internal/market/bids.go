package market

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// Bid inserts a buy order of energy kWh for price in total. seller is an
// optional origin hint carried on the bid.
func (m *Market) Bid(price, energy decimal.Decimal, buyer, seller string) (*model.Bid, error) {
	m.mu.Lock()
	bid, err := m.addBid(price, energy, buyer, seller)
	var events []Event
	if err == nil {
		ev := m.event(EventBid)
		ev.Bid = bid
		events = append(events, ev)
	}
	m.mu.Unlock()
	m.dispatch(events)
	return bid, err
}

func (m *Market) addBid(price, energy decimal.Decimal, buyer, seller string) (*model.Bid, error) {
	if m.readOnly {
		return nil, ErrMarketReadOnly
	}
	if !m.kind.TwoSided() {
		return nil, ErrBidsNotSupported
	}
	if energy.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidBid, energy)
	}
	bid := &model.Bid{
		ID:       uuid.New().String(),
		Price:    price,
		Energy:   energy,
		Buyer:    buyer,
		Seller:   seller,
		MarketID: m.id,
	}
	m.insertBid(bid)
	return bid, nil
}

func (m *Market) insertBid(b *model.Bid) {
	m.bids[b.ID] = b
	m.bidIndex.insert(b.ID, b.Rate(), m.nextSeq())
	m.bidHistory = append(m.bidHistory, b)
}

func (m *Market) removeBid(b *model.Bid) {
	delete(m.bids, b.ID)
	m.bidIndex.remove(b.ID)
}

func (m *Market) lookupBid(id string) (*model.Bid, error) {
	if m.readOnly {
		return nil, ErrMarketReadOnly
	}
	if !m.kind.TwoSided() {
		return nil, ErrBidsNotSupported
	}
	bid, ok := m.bids[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBidNotFound, id)
	}
	return bid, nil
}

// DeleteBid removes a bid from the book.
func (m *Market) DeleteBid(id string) error {
	m.mu.Lock()
	bid, err := m.lookupBid(id)
	var events []Event
	if err == nil {
		m.removeBid(bid)
		ev := m.event(EventBidDeleted)
		ev.Bid = bid
		events = append(events, ev)
	}
	m.mu.Unlock()
	m.dispatch(events)
	return err
}

// AcceptBid consumes a bid, fully or partially, on behalf of seller. It
// mirrors AcceptOffer: residual bids keep the original rate and a failed
// accept leaves the book unchanged.
func (m *Market) AcceptBid(id, seller string, opts ...AcceptOption) (*model.Trade, error) {
	o := buildAcceptOptions(opts)
	m.mu.Lock()
	trade, events, err := m.acceptBid(id, seller, o)
	m.mu.Unlock()
	m.dispatch(events)
	return trade, err
}

func (m *Market) acceptBid(id, seller string, o acceptOptions) (*model.Trade, []Event, error) {
	bid, err := m.lookupBid(id)
	if err != nil {
		return nil, nil, err
	}
	energy := bid.Energy
	if o.energy != nil {
		if err := m.validateTradeEnergy(bid.Energy, *o.energy); err != nil {
			return nil, nil, err
		}
		energy = *o.energy
	}

	var events []Event
	m.removeBid(bid)
	accepted := bid
	var residual *model.Bid
	if !energy.Equal(bid.Energy) {
		acceptedPrice := energy.Mul(bid.Rate())
		accepted = &model.Bid{
			ID:       bid.ID,
			Price:    acceptedPrice,
			Energy:   energy,
			Buyer:    bid.Buyer,
			Seller:   bid.Seller,
			MarketID: m.id,
		}
		residual = &model.Bid{
			ID:       uuid.New().String(),
			Price:    bid.Price.Sub(acceptedPrice),
			Energy:   bid.Energy.Sub(energy),
			Buyer:    bid.Buyer,
			Seller:   bid.Seller,
			MarketID: m.id,
		}
		m.insertBid(residual)
		ev := m.event(EventBidChanged)
		ev.Bid = residual
		ev.OriginalBid = bid
		events = append(events, ev)
	}

	priceDrop := false
	if o.tradeRate != nil {
		priceDrop = true
		accepted = &model.Bid{
			ID:       accepted.ID,
			Price:    accepted.Energy.Mul(*o.tradeRate),
			Energy:   accepted.Energy,
			Buyer:    accepted.Buyer,
			Seller:   accepted.Seller,
			MarketID: m.id,
		}
	}

	trade := &model.Trade{
		ID:          uuid.New().String(),
		MarketID:    m.id,
		Time:        m.tradeTime(o),
		Bid:         accepted,
		Seller:      seller,
		Buyer:       bid.Buyer,
		ResidualBid: residual,
		PriceDrop:   priceDrop,
	}
	ev := m.event(EventBidTraded)
	ev.Trade = trade
	events = append(events, ev)
	if !o.untracked {
		m.recordTrade(trade)
		ev := m.event(m.tradeEvent)
		ev.Trade = trade
		events = append(events, ev)
	}
	return trade, events, nil
}
