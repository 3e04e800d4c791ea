package market

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// step is one point of a cumulative step curve over integer rate buckets.
type step struct {
	rate   int64
	energy decimal.Decimal
}

// curve is a monotonic cumulative step function. For supply, at(r) is the
// energy offered at bucket <= r; for demand, the energy bid at bucket >= r.
type curve struct {
	steps  []step
	demand bool
}

func bucket(rate decimal.Decimal) int64 {
	return rate.Floor().IntPart()
}

// supplyCurve accumulates offer energy ascending by rate bucket.
func supplyCurve(offers []*model.Offer) curve {
	byBucket := make(map[int64]decimal.Decimal)
	for _, o := range offers {
		b := bucket(o.Rate())
		byBucket[b] = byBucket[b].Add(o.Energy)
	}
	rates := sortedBuckets(byBucket)
	steps := make([]step, 0, len(rates))
	cum := decimal.Zero
	for _, r := range rates {
		cum = cum.Add(byBucket[r])
		steps = append(steps, step{rate: r, energy: cum})
	}
	return curve{steps: steps}
}

// demandCurve accumulates bid energy descending by rate bucket.
func demandCurve(bids []*model.Bid) curve {
	byBucket := make(map[int64]decimal.Decimal)
	for _, b := range bids {
		k := bucket(b.Rate())
		byBucket[k] = byBucket[k].Add(b.Energy)
	}
	rates := sortedBuckets(byBucket)
	steps := make([]step, len(rates))
	cum := decimal.Zero
	for i := len(rates) - 1; i >= 0; i-- {
		cum = cum.Add(byBucket[rates[i]])
		steps[i] = step{rate: rates[i], energy: cum}
	}
	return curve{steps: steps, demand: true}
}

func sortedBuckets(m map[int64]decimal.Decimal) []int64 {
	out := make([]int64, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c curve) at(r int64) decimal.Decimal {
	if c.demand {
		// first step with rate >= r carries everything bid at or above r
		i := sort.Search(len(c.steps), func(i int) bool { return c.steps[i].rate >= r })
		if i == len(c.steps) {
			return decimal.Zero
		}
		return c.steps[i].energy
	}
	i := sort.Search(len(c.steps), func(i int) bool { return c.steps[i].rate > r })
	if i == 0 {
		return decimal.Zero
	}
	return c.steps[i-1].energy
}

func (c curve) maxRate() int64 {
	if len(c.steps) == 0 {
		return 0
	}
	return c.steps[len(c.steps)-1].rate
}

// clearingRate returns the smallest integer rate in [1, max_rate] at which
// cumulative supply covers cumulative demand. Both curves only change at
// bucket boundaries, so only those rates need evaluating. ok is false when
// the curves never cross with energy on both sides.
//
// Rates are floored into integer buckets: the result is the first
// crossing of the discretized curves, not an exact economic optimum.
func clearingRate(offers []*model.Offer, bids []*model.Bid) (rate int64, ok bool) {
	if len(offers) == 0 || len(bids) == 0 {
		return 0, false
	}
	supply := supplyCurve(offers)
	demand := demandCurve(bids)
	maxRate := supply.maxRate()
	if d := demand.maxRate(); d > maxRate {
		maxRate = d
	}
	if maxRate < 1 {
		return 0, false
	}

	candidates := map[int64]struct{}{1: {}}
	for _, s := range supply.steps {
		candidates[s.rate] = struct{}{}
	}
	for _, s := range demand.steps {
		candidates[s.rate+1] = struct{}{}
	}
	rates := make([]int64, 0, len(candidates))
	for r := range candidates {
		if r >= 1 && r <= maxRate {
			rates = append(rates, r)
		}
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })

	for _, r := range rates {
		s, d := supply.at(r), demand.at(r)
		if s.GreaterThanOrEqual(d) {
			if s.IsZero() || d.IsZero() {
				return 0, false
			}
			return r, true
		}
	}
	return 0, false
}

type clearingOrder struct {
	id    string
	party string
	left  decimal.Decimal
}

// matchPayAsClear runs one clearing round: every bid at or above the
// clearing rate is filled, offers at or below it are filled up to the
// remaining demand, all at the single clearing rate.
func (m *Market) matchPayAsClear() []*model.Trade {
	if m.ReadOnly() {
		return nil
	}
	offers := m.SortedOffers()
	bids := m.SortedBids()
	r, ok := clearingRate(offers, bids)
	if !ok {
		return nil
	}
	rate := decimal.NewFromInt(r)

	var sellers, buyers []*clearingOrder
	for _, o := range offers {
		if bucket(o.Rate()) <= r {
			sellers = append(sellers, &clearingOrder{id: o.ID, party: o.Seller, left: o.Energy})
		}
	}
	for _, b := range bids {
		if bucket(b.Rate()) >= r {
			buyers = append(buyers, &clearingOrder{id: b.ID, party: b.Buyer, left: b.Energy})
		}
	}

	var trades []*model.Trade
	cleared := decimal.Zero
	for _, buyer := range buyers {
		for _, seller := range sellers {
			if !buyer.left.IsPositive() {
				break
			}
			if !seller.left.IsPositive() || seller.party == buyer.party {
				continue
			}
			energy := decimal.Min(buyer.left, seller.left)
			trade, err := m.AcceptOffer(seller.id, buyer.party, WithEnergy(energy), WithTradeRate(rate))
			if err != nil {
				slog.Debug("pay-as-clear offer accept skipped", "market", m.id, "offer", seller.id, "err", err)
				seller.left = decimal.Zero
				continue
			}
			seller.left = seller.left.Sub(energy)
			if trade.ResidualOffer != nil {
				seller.id = trade.ResidualOffer.ID
			}
			trades = append(trades, trade)
			cleared = cleared.Add(energy)

			bidTrade, err := m.AcceptBid(buyer.id, seller.party, WithEnergy(energy), WithTradeRate(rate), untracked())
			if err != nil {
				slog.Warn("pay-as-clear bid accept failed after offer trade", "market", m.id, "bid", buyer.id, "err", err)
				buyer.left = decimal.Zero
				break
			}
			buyer.left = buyer.left.Sub(energy)
			if bidTrade.ResidualBid != nil {
				buyer.id = bidTrade.ResidualBid.ID
			}
		}
	}

	if len(trades) > 0 {
		m.mu.Lock()
		m.clearing = append(m.clearing, ClearingRecord{Time: m.now(), Rate: rate, Energy: cleared})
		m.mu.Unlock()
	}
	return trades
}
