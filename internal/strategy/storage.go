package strategy

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
)

// storageStrategy runs a battery: it buys at or below buyRate and sells at
// sellRate, within its state-of-charge bounds and power limit. The stored
// energy is settled from the traded energy of every market that closed.
type storageStrategy struct {
	name       string
	capacity   decimal.Decimal
	minEnergy  decimal.Decimal
	maxEnergy  decimal.Decimal
	maxPowerKW decimal.Decimal
	buyRate    decimal.Decimal
	sellRate   decimal.Decimal

	stored  decimal.Decimal
	markets map[string]*market.Market
}

func newStorage(name string, cfg config.StrategyConfig) (*storageStrategy, error) {
	if err := positive("battery_capacity_kwh", cfg.BatteryCapacityKWh); err != nil {
		return nil, err
	}
	if err := positive("max_power_kw", cfg.MaxPowerKW); err != nil {
		return nil, err
	}
	one := decimal.NewFromInt(1)
	if cfg.MinSOC.IsNegative() || cfg.MaxSOC.GreaterThan(one) || cfg.MinSOC.GreaterThan(cfg.MaxSOC) ||
		cfg.InitialSOC.LessThan(cfg.MinSOC) || cfg.InitialSOC.GreaterThan(cfg.MaxSOC) {
		return nil, ErrInvalidParams
	}
	if cfg.SellRate.LessThan(cfg.BuyRate) {
		return nil, ErrInvalidParams
	}
	return &storageStrategy{
		name:       name,
		capacity:   cfg.BatteryCapacityKWh,
		minEnergy:  cfg.BatteryCapacityKWh.Mul(cfg.MinSOC),
		maxEnergy:  cfg.BatteryCapacityKWh.Mul(cfg.MaxSOC),
		maxPowerKW: cfg.MaxPowerKW,
		buyRate:    cfg.BuyRate,
		sellRate:   cfg.SellRate,
		stored:     cfg.BatteryCapacityKWh.Mul(cfg.InitialSOC),
		markets:    make(map[string]*market.Market),
	}, nil
}

func (s *storageStrategy) Kind() Kind { return Storage }

// SOC returns the settled state of charge in [0, 1].
func (s *storageStrategy) SOC() decimal.Decimal {
	return s.stored.Div(s.capacity)
}

func (s *storageStrategy) EventMarketCycle(env Env) {
	open := make(map[string]bool, len(env.Markets))
	for _, m := range env.Markets {
		open[m.ID()] = true
	}
	for id, m := range s.markets {
		if open[id] {
			continue
		}
		s.stored = s.stored.Sub(m.TradedEnergy(s.name))
		if s.stored.LessThan(decimal.Zero) || s.stored.GreaterThan(s.capacity) {
			slog.Warn("battery settled outside capacity", "device", s.name, "stored", s.stored)
			s.stored = decimal.Max(decimal.Zero, decimal.Min(s.stored, s.capacity))
		}
		delete(s.markets, id)
	}

	for _, m := range env.Markets {
		if _, ok := s.markets[m.ID()]; ok {
			continue
		}
		s.markets[m.ID()] = m
		sell := s.sellable(env, m)
		repostOffers(m, s.name, sell, s.sellRate)
		if m.Kind().TwoSided() {
			repostBids(m, s.name, s.buyable(env, m), s.buyRate)
		}
		balancingOffer(env, m, sell)
	}
}

func (s *storageStrategy) EventTick(env Env) {
	for _, m := range env.Markets {
		if m.Kind().TwoSided() {
			continue
		}
		if left := s.buyable(env, m); left.IsPositive() {
			buyCheapest(m, s.name, left, s.buyRate)
		}
	}
}

// projected is the stored energy after every open market settles.
func (s *storageStrategy) projected() decimal.Decimal {
	e := s.stored
	for _, m := range s.markets {
		e = e.Sub(m.TradedEnergy(s.name))
	}
	return e
}

func (s *storageStrategy) perSlot(env Env) decimal.Decimal {
	return s.maxPowerKW.Mul(env.SlotHours())
}

// committed sums the energy the battery still offers and bids in every
// tracked market other than m.
func (s *storageStrategy) committed(m *market.Market) (offered, bid decimal.Decimal) {
	for id, other := range s.markets {
		if id == m.ID() {
			continue
		}
		for _, o := range ownOffers(other, s.name) {
			offered = offered.Add(o.Energy)
		}
		for _, b := range ownBids(other, s.name) {
			bid = bid.Add(b.Energy)
		}
	}
	return offered, bid
}

func (s *storageStrategy) sellable(env Env, m *market.Market) decimal.Decimal {
	offered, _ := s.committed(m)
	room := s.perSlot(env).Sub(m.TradedEnergy(s.name).Abs())
	v := decimal.Min(room, s.projected().Sub(s.minEnergy).Sub(offered))
	return decimal.Max(v, decimal.Zero)
}

func (s *storageStrategy) buyable(env Env, m *market.Market) decimal.Decimal {
	_, bid := s.committed(m)
	room := s.perSlot(env).Sub(m.TradedEnergy(s.name).Abs())
	v := decimal.Min(room, s.maxEnergy.Sub(s.projected()).Sub(bid))
	return decimal.Max(v, decimal.Zero)
}

func (s *storageStrategy) EnergyToBuy(env Env) decimal.Decimal {
	m := env.Current()
	if m == nil {
		return decimal.Zero
	}
	return s.buyable(env, m)
}

func (s *storageStrategy) EnergyToSell(env Env) decimal.Decimal {
	m := env.Current()
	if m == nil {
		return decimal.Zero
	}
	return s.sellable(env, m)
}
