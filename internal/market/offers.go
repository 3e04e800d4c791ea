package market

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// AcceptOption tunes AcceptOffer and AcceptBid.
type AcceptOption func(*acceptOptions)

type acceptOptions struct {
	energy    *decimal.Decimal
	tradeRate *decimal.Decimal
	time      *time.Time
	untracked bool
}

// WithEnergy requests a partial accept. Without it the whole order is
// consumed.
func WithEnergy(e decimal.Decimal) AcceptOption {
	return func(o *acceptOptions) { o.energy = &e }
}

// WithTradeRate overrides the rate the accepted part is settled at and
// flags the trade as a price drop.
func WithTradeRate(r decimal.Decimal) AcceptOption {
	return func(o *acceptOptions) { o.tradeRate = &r }
}

// WithTime stamps the trade with t instead of the market clock.
func WithTime(t time.Time) AcceptOption {
	return func(o *acceptOptions) { o.time = &t }
}

// untracked marks the bid side of a matcher pair: it is notified but
// not counted, the offer side already is.
func untracked() AcceptOption {
	return func(o *acceptOptions) { o.untracked = true }
}

func buildAcceptOptions(opts []AcceptOption) acceptOptions {
	var o acceptOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Offer inserts a new sell offer of energy kWh for price in total.
func (m *Market) Offer(price, energy decimal.Decimal, seller string) (*model.Offer, error) {
	m.mu.Lock()
	offer, err := m.addOffer(price, energy, seller)
	var events []Event
	if err == nil {
		ev := m.event(m.offerEvent)
		ev.Offer = offer
		events = append(events, ev)
	}
	m.mu.Unlock()
	m.dispatch(events)
	return offer, err
}

func (m *Market) addOffer(price, energy decimal.Decimal, seller string) (*model.Offer, error) {
	if m.readOnly {
		return nil, ErrMarketReadOnly
	}
	if m.balancing {
		if energy.IsZero() {
			return nil, fmt.Errorf("%w: energy must be non-zero", ErrInvalidOffer)
		}
	} else if energy.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidOffer, energy)
	}
	offer := &model.Offer{
		ID:       uuid.New().String(),
		Price:    price,
		Energy:   energy,
		Seller:   seller,
		MarketID: m.id,
	}
	m.insertOffer(offer)
	return offer, nil
}

func (m *Market) insertOffer(o *model.Offer) {
	m.offers[o.ID] = o
	m.offerIndex.insert(o.ID, o.Rate(), m.nextSeq())
	m.offerHistory = append(m.offerHistory, o)
}

func (m *Market) removeOffer(o *model.Offer) {
	delete(m.offers, o.ID)
	m.offerIndex.remove(o.ID)
}

// DeleteOffer removes an offer from the book.
func (m *Market) DeleteOffer(id string) error {
	m.mu.Lock()
	offer, err := m.lookupOffer(id)
	var events []Event
	if err == nil {
		m.removeOffer(offer)
		ev := m.event(EventOfferDeleted)
		ev.Offer = offer
		events = append(events, ev)
	}
	m.mu.Unlock()
	m.dispatch(events)
	return err
}

func (m *Market) lookupOffer(id string) (*model.Offer, error) {
	if m.readOnly {
		return nil, ErrMarketReadOnly
	}
	offer, ok := m.offers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOfferNotFound, id)
	}
	return offer, nil
}

// AcceptOffer consumes an offer, fully or partially, on behalf of buyer.
//
// A partial accept splits the offer into an accepted part, which keeps the
// offer's id, and a residual at the same rate under a new id; the residual
// replaces the original in the book. Every validation happens before the
// book is touched, so a failed accept leaves the book unchanged.
func (m *Market) AcceptOffer(id, buyer string, opts ...AcceptOption) (*model.Trade, error) {
	o := buildAcceptOptions(opts)
	m.mu.Lock()
	trade, events, err := m.acceptOffer(id, buyer, o)
	m.mu.Unlock()
	m.dispatch(events)
	return trade, err
}

func (m *Market) acceptOffer(id, buyer string, o acceptOptions) (*model.Trade, []Event, error) {
	offer, err := m.lookupOffer(id)
	if err != nil {
		return nil, nil, err
	}
	energy := offer.Energy
	if o.energy != nil {
		if err := m.validateTradeEnergy(offer.Energy, *o.energy); err != nil {
			return nil, nil, err
		}
		energy = *o.energy
	}

	var events []Event
	m.removeOffer(offer)
	accepted := offer
	var residual *model.Offer
	if !energy.Equal(offer.Energy) {
		acceptedPrice := energy.Mul(offer.Rate())
		accepted = &model.Offer{
			ID:       offer.ID,
			Price:    acceptedPrice,
			Energy:   energy,
			Seller:   offer.Seller,
			MarketID: m.id,
		}
		residual = &model.Offer{
			ID:       uuid.New().String(),
			Price:    offer.Price.Sub(acceptedPrice),
			Energy:   offer.Energy.Sub(energy),
			Seller:   offer.Seller,
			MarketID: m.id,
		}
		m.insertOffer(residual)
		ev := m.event(EventOfferChanged)
		ev.Offer = residual
		ev.OriginalOffer = offer
		events = append(events, ev)
	}

	priceDrop := false
	if o.tradeRate != nil {
		priceDrop = true
		accepted = &model.Offer{
			ID:       accepted.ID,
			Price:    accepted.Energy.Mul(*o.tradeRate),
			Energy:   accepted.Energy,
			Seller:   accepted.Seller,
			MarketID: m.id,
		}
	}

	trade := &model.Trade{
		ID:            uuid.New().String(),
		MarketID:      m.id,
		Time:          m.tradeTime(o),
		Offer:         accepted,
		Seller:        offer.Seller,
		Buyer:         buyer,
		ResidualOffer: residual,
		PriceDrop:     priceDrop,
	}
	m.recordTrade(trade)
	ev := m.event(m.tradeEvent)
	ev.Trade = trade
	events = append(events, ev)
	return trade, events, nil
}

func (m *Market) tradeTime(o acceptOptions) time.Time {
	if o.time != nil {
		return *o.time
	}
	return m.now()
}
