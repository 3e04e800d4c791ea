package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
)

// pvStrategy sells the output of a PV array. Output follows a half-sine
// daylight profile between 06:00 and 18:00; the selling rate decreases
// from the initial to the final rate over each slot. Energy left unsold
// when a slot closes is offered in its settlement market.
type pvStrategy struct {
	name        string
	capacityKW  decimal.Decimal
	initialRate decimal.Decimal
	finalRate   decimal.Decimal

	available map[string]decimal.Decimal
	markets   map[string]*market.Market
}

func newPV(name string, cfg config.StrategyConfig) (*pvStrategy, error) {
	if err := positive("capacity_kw", cfg.CapacityKW); err != nil {
		return nil, err
	}
	if cfg.FinalSellingRate.IsNegative() || cfg.FinalSellingRate.GreaterThan(cfg.InitialSellingRate) {
		return nil, ErrInvalidParams
	}
	return &pvStrategy{
		name:        name,
		capacityKW:  cfg.CapacityKW,
		initialRate: cfg.InitialSellingRate,
		finalRate:   cfg.FinalSellingRate,
		available:   make(map[string]decimal.Decimal),
		markets:     make(map[string]*market.Market),
	}, nil
}

// daylight returns the production factor in [0, 1] at t.
func daylight(t time.Time) decimal.Decimal {
	h := float64(t.Hour()) + float64(t.Minute())/60
	if h <= 6 || h >= 18 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sin(math.Pi * (h - 6) / 12)).Round(4)
}

func (s *pvStrategy) Kind() Kind { return PV }

func (s *pvStrategy) EventMarketCycle(env Env) {
	open := make(map[string]bool, len(env.Markets))
	for _, m := range env.Markets {
		open[m.ID()] = true
	}
	for id, m := range s.markets {
		if open[id] {
			continue
		}
		settleOffer(env, m, s.remaining(m), s.finalRate)
		delete(s.available, id)
		delete(s.markets, id)
	}

	for _, m := range env.Markets {
		if _, ok := s.available[m.ID()]; ok {
			continue
		}
		mid := m.TimeSlot().Add(env.SlotLength / 2)
		energy := s.capacityKW.Mul(daylight(mid)).Mul(env.SlotHours()).Round(6)
		s.available[m.ID()] = energy
		s.markets[m.ID()] = m
		repostOffers(m, s.name, energy, s.initialRate)
	}
}

func (s *pvStrategy) EventTick(env Env) {
	rate := ramp(s.initialRate, s.finalRate, env.Progress())
	for _, m := range env.Markets {
		left := s.remaining(m)
		if !left.IsPositive() {
			continue
		}
		repostOffers(m, s.name, left, rate)
	}
}

func (s *pvStrategy) remaining(m *market.Market) decimal.Decimal {
	left := s.available[m.ID()].Sub(m.TradedEnergy(s.name))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func (s *pvStrategy) EnergyToBuy(Env) decimal.Decimal { return decimal.Zero }

func (s *pvStrategy) EnergyToSell(env Env) decimal.Decimal {
	m := env.Current()
	if m == nil {
		return decimal.Zero
	}
	return s.remaining(m)
}
