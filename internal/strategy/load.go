package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
)

var thousand = decimal.NewFromInt(1000)

// loadStrategy consumes a constant average power. Its buying rate ramps
// from the initial to the final rate over each slot. Demand left unmet
// when a slot closes is bid into its settlement market at the final rate.
type loadStrategy struct {
	name        string
	avgPowerW   decimal.Decimal
	initialRate decimal.Decimal
	finalRate   decimal.Decimal

	// required energy per market id
	required map[string]decimal.Decimal
	markets  map[string]*market.Market
}

func newLoad(name string, cfg config.StrategyConfig) (*loadStrategy, error) {
	if err := positive("avg_power_w", cfg.AvgPowerW); err != nil {
		return nil, err
	}
	if cfg.InitialBuyingRate.IsNegative() || cfg.FinalBuyingRate.LessThan(cfg.InitialBuyingRate) {
		return nil, ErrInvalidParams
	}
	return &loadStrategy{
		name:        name,
		avgPowerW:   cfg.AvgPowerW,
		initialRate: cfg.InitialBuyingRate,
		finalRate:   cfg.FinalBuyingRate,
		required:    make(map[string]decimal.Decimal),
		markets:     make(map[string]*market.Market),
	}, nil
}

func (s *loadStrategy) Kind() Kind { return Load }

func (s *loadStrategy) EventMarketCycle(env Env) {
	open := make(map[string]bool, len(env.Markets))
	for _, m := range env.Markets {
		open[m.ID()] = true
	}
	for id, m := range s.markets {
		if open[id] {
			continue
		}
		settleBid(env, m, s.remaining(m), s.finalRate)
		delete(s.required, id)
		delete(s.markets, id)
	}

	for _, m := range env.Markets {
		if _, ok := s.required[m.ID()]; ok {
			continue
		}
		energy := s.avgPowerW.Div(thousand).Mul(env.SlotHours())
		s.required[m.ID()] = energy
		s.markets[m.ID()] = m
		if m.Kind().TwoSided() {
			repostBids(m, s.name, energy, s.initialRate)
		}
		balancingOffer(env, m, energy.Neg())
	}
}

func (s *loadStrategy) EventTick(env Env) {
	rate := ramp(s.initialRate, s.finalRate, env.Progress())
	for _, m := range env.Markets {
		left := s.remaining(m)
		if !left.IsPositive() {
			continue
		}
		if m.Kind().TwoSided() {
			repostBids(m, s.name, left, rate)
			continue
		}
		buyCheapest(m, s.name, left, rate)
	}
}

func (s *loadStrategy) remaining(m *market.Market) decimal.Decimal {
	// traded energy is negative for a net buyer
	left := s.required[m.ID()].Add(m.TradedEnergy(s.name))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func (s *loadStrategy) EnergyToBuy(env Env) decimal.Decimal {
	m := env.Current()
	if m == nil {
		return decimal.Zero
	}
	return s.remaining(m)
}

func (s *loadStrategy) EnergyToSell(Env) decimal.Decimal { return decimal.Zero }
