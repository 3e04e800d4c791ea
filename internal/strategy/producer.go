package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
)

// producerStrategy offers a fixed energy per slot at a fixed rate, and
// whatever a closed slot left unsold in its settlement market.
type producerStrategy struct {
	name    string
	energy  decimal.Decimal
	rate    decimal.Decimal
	markets map[string]*market.Market
}

func newProducer(name string, cfg config.StrategyConfig) (*producerStrategy, error) {
	if err := positive("energy_per_slot_kwh", cfg.EnergyPerSlotKWh); err != nil {
		return nil, err
	}
	if cfg.EnergyRate.IsNegative() {
		return nil, ErrInvalidParams
	}
	return &producerStrategy{
		name:    name,
		energy:  cfg.EnergyPerSlotKWh,
		rate:    cfg.EnergyRate,
		markets: make(map[string]*market.Market),
	}, nil
}

func (s *producerStrategy) Kind() Kind { return CommercialProducer }

func (s *producerStrategy) EventMarketCycle(env Env) {
	open := make(map[string]bool, len(env.Markets))
	for _, m := range env.Markets {
		open[m.ID()] = true
	}
	for id, m := range s.markets {
		if open[id] {
			continue
		}
		settleOffer(env, m, s.unsold(m), s.rate)
		delete(s.markets, id)
	}

	for _, m := range env.Markets {
		if _, ok := s.markets[m.ID()]; ok {
			continue
		}
		s.markets[m.ID()] = m
		repostOffers(m, s.name, s.energy, s.rate)
	}
}

func (s *producerStrategy) unsold(m *market.Market) decimal.Decimal {
	left := s.energy.Sub(m.TradedEnergy(s.name))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func (s *producerStrategy) EventTick(Env) {}

func (s *producerStrategy) EnergyToBuy(Env) decimal.Decimal { return decimal.Zero }

func (s *producerStrategy) EnergyToSell(env Env) decimal.Decimal {
	m := env.Current()
	if m == nil {
		return decimal.Zero
	}
	return s.unsold(m)
}
