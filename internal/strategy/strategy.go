// Package strategy implements the device strategies that trade in a leaf
// area's parent market: loads, PV generators, batteries and commercial
// producers. The set is closed; New dispatches on the configured kind.
package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/model"
	"github.com/atmx/energy-exchange/internal/registry"
)

// Kind names a strategy variant.
type Kind string

const (
	Load               Kind = "load"
	PV                 Kind = "pv"
	Storage            Kind = "storage"
	CommercialProducer Kind = "commercial_producer"
)

// ErrInvalidParams is returned by New for inconsistent strategy settings.
var ErrInvalidParams = errors.New("strategy: invalid parameters")

// Strategy is the behavior of one device.
type Strategy interface {
	Kind() Kind
	// EventMarketCycle runs once per slot after the markets rotated.
	EventMarketCycle(env Env)
	// EventTick runs once per tick, before inter-area forwarding.
	EventTick(env Env)
	// EnergyToBuy is the energy still wanted in the current market.
	EnergyToBuy(env Env) decimal.Decimal
	// EnergyToSell is the energy still available in the current market.
	EnergyToSell(env Env) decimal.Decimal
}

// Env is what a strategy sees of the simulation: the open markets of the
// area it trades in, ascending by slot, and the simulated clock.
// Settlement holds the open settlement markets by the slot they settle.
type Env struct {
	Name         string
	Markets      []*market.Market
	Balancing    map[time.Time]*market.BalancingMarket
	Settlement   map[time.Time]*market.Market
	Registry     *registry.Registry
	Now          time.Time
	Tick         int
	TicksPerSlot int
	SlotLength   time.Duration
}

// Current returns the market of the running slot, nil before the first
// cycle.
func (e Env) Current() *market.Market {
	if len(e.Markets) == 0 {
		return nil
	}
	return e.Markets[0]
}

// Progress is the fraction of the slot elapsed, in [0, 1).
func (e Env) Progress() decimal.Decimal {
	if e.TicksPerSlot <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(e.Tick)).Div(decimal.NewFromInt(int64(e.TicksPerSlot)))
}

// SlotHours is the slot length in hours.
func (e Env) SlotHours() decimal.Decimal {
	return decimal.NewFromFloat(e.SlotLength.Hours())
}

// New builds the strategy of a device from its configuration.
func New(name string, cfg config.StrategyConfig) (Strategy, error) {
	switch Kind(cfg.Kind) {
	case Load:
		return newLoad(name, cfg)
	case PV:
		return newPV(name, cfg)
	case Storage:
		return newStorage(name, cfg)
	case CommercialProducer:
		return newProducer(name, cfg)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, cfg.Kind)
}

// ramp interpolates linearly from start to end over the slot.
func ramp(start, end, progress decimal.Decimal) decimal.Decimal {
	return start.Add(end.Sub(start).Mul(progress))
}

// ownOffers returns the offers of seller currently in the book.
func ownOffers(m *market.Market, seller string) []*model.Offer {
	var out []*model.Offer
	for _, o := range m.SortedOffers() {
		if o.Seller == seller {
			out = append(out, o)
		}
	}
	return out
}

// ownBids returns the bids of buyer currently in the book.
func ownBids(m *market.Market, buyer string) []*model.Bid {
	var out []*model.Bid
	for _, b := range m.SortedBids() {
		if b.Buyer == buyer {
			out = append(out, b)
		}
	}
	return out
}

// repostOffers replaces the seller's offers with one offer of energy at rate.
func repostOffers(m *market.Market, seller string, energy, rate decimal.Decimal) {
	for _, o := range ownOffers(m, seller) {
		if err := m.DeleteOffer(o.ID); err != nil {
			slog.Debug("offer already gone", "device", seller, "offer", o.ID, "err", err)
		}
	}
	if !energy.IsPositive() {
		return
	}
	if _, err := m.Offer(energy.Mul(rate), energy, seller); err != nil {
		slog.Debug("offer rejected", "device", seller, "market", m.ID(), "err", err)
	}
}

// repostBids replaces the buyer's bids with one bid of energy at rate.
func repostBids(m *market.Market, buyer string, energy, rate decimal.Decimal) {
	for _, b := range ownBids(m, buyer) {
		if err := m.DeleteBid(b.ID); err != nil {
			slog.Debug("bid already gone", "device", buyer, "bid", b.ID, "err", err)
		}
	}
	if !energy.IsPositive() {
		return
	}
	if _, err := m.Bid(energy.Mul(rate), energy, buyer, ""); err != nil {
		slog.Debug("bid rejected", "device", buyer, "market", m.ID(), "err", err)
	}
}

// buyCheapest accepts offers at or below maxRate until energy is covered.
// It returns the energy bought.
func buyCheapest(m *market.Market, buyer string, energy, maxRate decimal.Decimal) decimal.Decimal {
	bought := decimal.Zero
	for _, o := range m.SortedOffers() {
		left := energy.Sub(bought)
		if !left.IsPositive() || o.Rate().GreaterThan(maxRate) {
			break
		}
		if o.Seller == buyer {
			continue
		}
		take := decimal.Min(left, o.Energy)
		if _, err := m.AcceptOffer(o.ID, buyer, market.WithEnergy(take)); err != nil {
			slog.Debug("offer accept skipped", "device", buyer, "offer", o.ID, "err", err)
			continue
		}
		bought = bought.Add(take)
	}
	return bought
}

// balancingOffer places a registry-priced balancing offer for the slot of m.
func balancingOffer(env Env, m *market.Market, energy decimal.Decimal) {
	bm, ok := env.Balancing[m.TimeSlot()]
	if !ok || energy.IsZero() || !env.Registry.Contains(env.Name) {
		return
	}
	price, err := env.Registry.OfferPrice(env.Name, energy)
	if err != nil {
		return
	}
	if _, err := bm.Offer(price, energy, env.Name); err != nil {
		slog.Debug("balancing offer rejected", "device", env.Name, "err", err)
	}
}

// settleOffer offers energy left unsold in the closed spot market m in the
// settlement market of its slot.
func settleOffer(env Env, m *market.Market, energy, rate decimal.Decimal) {
	sm, ok := env.Settlement[m.TimeSlot()]
	if !ok || !energy.IsPositive() {
		return
	}
	if _, err := sm.Offer(energy.Mul(rate), energy, env.Name); err != nil {
		slog.Debug("settlement offer rejected", "device", env.Name, "market", sm.ID(), "err", err)
	}
}

// settleBid bids for energy left unbought in the closed spot market m in
// the settlement market of its slot.
func settleBid(env Env, m *market.Market, energy, rate decimal.Decimal) {
	sm, ok := env.Settlement[m.TimeSlot()]
	if !ok || !energy.IsPositive() {
		return
	}
	if _, err := sm.Bid(energy.Mul(rate), energy, env.Name, ""); err != nil {
		slog.Debug("settlement bid rejected", "device", env.Name, "market", sm.ID(), "err", err)
	}
}

func positive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidParams, name)
	}
	return nil
}
