package market

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

type bidOfferPair struct {
	bid   *model.Bid
	offer *model.Offer
}

// pairPayAsBid selects at most one bid per offer. Offers are visited from
// the highest rate down; each takes the first unmatched bid (highest rate
// first) that covers its rate and does not belong to its own seller.
func pairPayAsBid(offers []*model.Offer, bids []*model.Bid) []bidOfferPair {
	matched := make(map[string]bool, len(bids))
	var pairs []bidOfferPair
	for _, offer := range offers {
		offerRate := offer.Rate()
		for _, bid := range bids {
			if matched[bid.ID] || bid.Buyer == offer.Seller {
				continue
			}
			if bid.Rate().GreaterThanOrEqual(offerRate) {
				matched[bid.ID] = true
				pairs = append(pairs, bidOfferPair{bid: bid, offer: offer})
				break
			}
		}
	}
	return pairs
}

func (m *Market) sortedOffersDescending() []*model.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offersByID(m.offerIndex.reverseIDs())
}

// matchPayAsBid settles every selected pair at the bid's rate. Unmatched
// orders stay in the book for the next tick.
func (m *Market) matchPayAsBid() []*model.Trade {
	if m.ReadOnly() {
		return nil
	}
	pairs := pairPayAsBid(m.sortedOffersDescending(), m.SortedBids())

	var trades []*model.Trade
	for _, p := range pairs {
		energy := decimal.Min(p.bid.Energy, p.offer.Energy)
		rate := p.bid.Rate()
		trade, err := m.AcceptOffer(p.offer.ID, p.bid.Buyer, WithEnergy(energy), WithTradeRate(rate))
		if err != nil {
			// A listener may have consumed the order since the pairs were built.
			slog.Debug("pay-as-bid offer accept skipped", "market", m.id, "offer", p.offer.ID, "err", err)
			continue
		}
		if _, err := m.AcceptBid(p.bid.ID, p.offer.Seller, WithEnergy(energy), WithTradeRate(rate), untracked()); err != nil {
			slog.Warn("pay-as-bid bid accept failed after offer trade", "market", m.id, "bid", p.bid.ID, "err", err)
		}
		trades = append(trades, trade)
	}
	return trades
}
