package iaa

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/metrics"
	"github.com/atmx/energy-exchange/internal/model"
)

// Market is the view of an order book an engine needs on either side.
// *market.Market satisfies it; balancing markets are wrapped so that
// forwarded offers bypass the device registry.
type Market interface {
	ID() string
	Kind() market.Kind
	ReadOnly() bool
	SortedOffers() []*model.Offer
	SortedBids() []*model.Bid
	Offer(price, energy decimal.Decimal, seller string) (*model.Offer, error)
	Bid(price, energy decimal.Decimal, buyer, seller string) (*model.Bid, error)
	AcceptOffer(id, buyer string, opts ...market.AcceptOption) (*model.Trade, error)
	AcceptBid(id, seller string, opts ...market.AcceptOption) (*model.Trade, error)
	DeleteOffer(id string) error
	DeleteBid(id string) error
	Subscribe(l market.Listener)
}

// side selects which book an engine forwards.
type side string

const (
	offerSide side = "offer"
	bidSide   side = "bid"
)

// OrderInfo pairs an original order in the source market with the copy
// forwarded into the target market.
type OrderInfo struct {
	Source string
	Target string
}

// engine forwards one side of one direction: source → target.
type engine struct {
	agent     *Agent
	side      side
	direction string
	source    Market
	target    Market

	// forwarded is keyed by both the source and the target order id.
	forwarded map[string]*OrderInfo
	// firstSeen records the agent tick since which an owner has had orders
	// in the source market. Strategies replace their orders every tick, so
	// the age follows the owner rather than the order id.
	firstSeen map[string]int
	// replaying is the source id of an in-flight replay.
	replaying string
}

func newEngine(a *Agent, s side, direction string, source, target Market) *engine {
	return &engine{
		agent:     a,
		side:      s,
		direction: direction,
		source:    source,
		target:    target,
		forwarded: make(map[string]*OrderInfo),
		firstSeen: make(map[string]int),
	}
}

// tick forwards every eligible source order not yet forwarded. Owners
// without orders in the source market lose their age.
func (e *engine) tick(now int) {
	if e.source.ReadOnly() || e.target.ReadOnly() {
		return
	}
	present := make(map[string]bool)
	switch e.side {
	case offerSide:
		for _, o := range e.source.SortedOffers() {
			present[o.Seller] = true
			if e.eligible(o.ID, o.Seller, now) {
				e.forwardOffer(o)
			}
		}
	case bidSide:
		for _, b := range e.source.SortedBids() {
			present[b.Buyer] = true
			if e.eligible(b.ID, b.Buyer, now) {
				e.forwardBid(b)
			}
		}
	}
	for owner := range e.firstSeen {
		if !present[owner] {
			delete(e.firstSeen, owner)
		}
	}
}

func (e *engine) eligible(id, owner string, now int) bool {
	if _, ok := e.forwarded[id]; ok || owner == e.agent.name {
		return false
	}
	seen, ok := e.firstSeen[owner]
	if !ok {
		e.firstSeen[owner] = now
		seen = now
	}
	return now-seen >= e.agent.minOfferAge
}

func (e *engine) forwardOffer(o *model.Offer) {
	fwd, err := e.target.Offer(e.agent.markup(o.Price), o.Energy, e.agent.name)
	if err != nil {
		slog.Debug("offer not forwarded", "agent", e.agent.name, "direction", e.direction, "offer", o.ID, "err", err)
		metrics.ForwardFailures.WithLabelValues(string(offerSide)).Inc()
		return
	}
	e.track(o.ID, fwd.ID)
}

func (e *engine) forwardBid(b *model.Bid) {
	fwd, err := e.target.Bid(e.agent.markup(b.Price), b.Energy, e.agent.name, b.Buyer)
	if err != nil {
		slog.Debug("bid not forwarded", "agent", e.agent.name, "direction", e.direction, "bid", b.ID, "err", err)
		metrics.ForwardFailures.WithLabelValues(string(bidSide)).Inc()
		return
	}
	e.track(b.ID, fwd.ID)
}

func (e *engine) track(sourceID, targetID string) {
	info := &OrderInfo{Source: sourceID, Target: targetID}
	e.forwarded[sourceID] = info
	e.forwarded[targetID] = info
	metrics.OrdersForwarded.WithLabelValues(string(e.side), e.direction).Inc()
}

func (e *engine) untrack(info *OrderInfo) {
	delete(e.forwarded, info.Source)
	delete(e.forwarded, info.Target)
}

// handle reacts to an event of either market.
func (e *engine) handle(ev market.Event) {
	switch ev.Type {
	case market.EventTrade, market.EventBalancingTrade:
		if e.side == offerSide && ev.Trade != nil && !ev.Trade.IsBidTrade() {
			e.onTraded(ev.MarketID, ev.Trade)
		}
	case market.EventBidTraded:
		if e.side == bidSide && ev.Trade != nil {
			e.onTraded(ev.MarketID, ev.Trade)
		}
	case market.EventOfferDeleted:
		if e.side == offerSide && ev.Offer != nil {
			e.onDeleted(ev.MarketID, ev.Offer.ID)
		}
	case market.EventBidDeleted:
		if e.side == bidSide && ev.Bid != nil {
			e.onDeleted(ev.MarketID, ev.Bid.ID)
		}
	}
}

func (e *engine) onTraded(marketID string, t *model.Trade) {
	id := t.OrderID()
	info, ok := e.forwarded[id]
	if !ok {
		return
	}
	switch {
	case marketID == e.target.ID() && info.Target == id:
		e.replay(info, t)
	case marketID == e.source.ID() && info.Source == id:
		if e.replaying == id {
			return
		}
		// Traded by someone else in the source market: the forwarded copy
		// is stale. Any residual is forwarded afresh on the next tick.
		e.untrack(info)
		e.deleteCounterpart(e.target, info.Target)
	}
}

// replay mirrors a trade of the forwarded copy onto the source order.
func (e *engine) replay(info *OrderInfo, t *model.Trade) {
	opts := []market.AcceptOption{market.WithEnergy(t.Energy()), market.WithTime(t.Time)}
	if t.PriceDrop {
		opts = append(opts, market.WithTradeRate(e.agent.markdown(t.Rate())))
	}

	e.replaying = info.Source
	var (
		src *model.Trade
		err error
	)
	if e.side == offerSide {
		src, err = e.source.AcceptOffer(info.Source, e.agent.name, opts...)
	} else {
		src, err = e.source.AcceptBid(info.Source, e.agent.name, opts...)
	}
	e.replaying = ""

	e.untrack(info)
	if err != nil {
		slog.Warn("trade replay into source market failed",
			"agent", e.agent.name, "direction", e.direction, "side", e.side, "source", info.Source, "err", err)
		return
	}

	var sourceResidual, targetResidual string
	if src.ResidualOffer != nil {
		sourceResidual = src.ResidualOffer.ID
	} else if src.ResidualBid != nil {
		sourceResidual = src.ResidualBid.ID
	}
	if t.ResidualOffer != nil {
		targetResidual = t.ResidualOffer.ID
	} else if t.ResidualBid != nil {
		targetResidual = t.ResidualBid.ID
	}
	if sourceResidual != "" && targetResidual != "" {
		e.forwarded[sourceResidual] = info
		e.forwarded[targetResidual] = info
		info.Source, info.Target = sourceResidual, targetResidual
	}
}

func (e *engine) onDeleted(marketID, id string) {
	info, ok := e.forwarded[id]
	if !ok {
		return
	}
	e.untrack(info)
	switch {
	case marketID == e.source.ID() && info.Source == id:
		e.deleteCounterpart(e.target, info.Target)
	case marketID == e.target.ID() && info.Target == id:
		e.deleteCounterpart(e.source, info.Source)
	}
}

// deleteCounterpart removes the other copy of a pair. A copy that is
// already gone or frozen is an expected outcome.
func (e *engine) deleteCounterpart(m Market, id string) {
	var err error
	if e.side == offerSide {
		err = m.DeleteOffer(id)
	} else {
		err = m.DeleteBid(id)
	}
	switch {
	case err == nil:
	case errors.Is(err, market.ErrOfferNotFound), errors.Is(err, market.ErrBidNotFound), errors.Is(err, market.ErrMarketReadOnly):
		slog.Debug("counterpart already gone", "agent", e.agent.name, "side", e.side, "id", id, "err", err)
	default:
		slog.Warn("counterpart delete failed", "agent", e.agent.name, "side", e.side, "id", id, "err", err)
	}
}
