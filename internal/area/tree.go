package area

import (
	"fmt"
	"time"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/iaa"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/strategy"
)

// Build creates the area tree described by cfg.
func Build(cfg config.AreaConfig, s *Settings) (*Area, error) {
	a := New(cfg.Name, s)
	if cfg.Strategy != nil {
		st, err := strategy.New(cfg.Name, *cfg.Strategy)
		if err != nil {
			return nil, fmt.Errorf("area %q: %w", cfg.Name, err)
		}
		a.Strategy = st
	}
	for _, cc := range cfg.Children {
		child, err := Build(cc, s)
		if err != nil {
			return nil, err
		}
		a.AddChild(child)
	}
	return a, nil
}

// Walk visits a and its descendants depth-first, parents first.
func (a *Area) Walk(fn func(*Area)) {
	fn(a)
	for _, c := range a.Children {
		c.Walk(fn)
	}
}

// Find returns the area called name in the subtree, or nil.
func (a *Area) Find(name string) *Area {
	if a.Name == name {
		return a
	}
	for _, c := range a.Children {
		if f := c.Find(name); f != nil {
			return f
		}
	}
	return nil
}

// CurrentSlot returns the slot of the last market cycle.
func (a *Area) CurrentSlot() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Markets returns the open spot markets ascending by slot.
func (a *Area) Markets() []*market.Market { return a.spot.Open() }

// PastMarkets returns the retained past spot markets ascending by slot.
func (a *Area) PastMarkets() []*market.Market { return a.spot.Past() }

// Market returns the open or past spot market of slot.
func (a *Area) Market(slot time.Time) (*market.Market, bool) {
	if m, ok := a.spot.Get(slot); ok {
		return m, true
	}
	return a.spot.GetPast(slot)
}

// BalancingMarkets returns the open balancing markets, nil when disabled.
func (a *Area) BalancingMarkets() []*market.BalancingMarket {
	if a.balancing == nil {
		return nil
	}
	return a.balancing.Open()
}

// SettlementMarkets returns the open settlement markets, nil when disabled.
func (a *Area) SettlementMarkets() []*market.Market {
	if a.settlement == nil {
		return nil
	}
	return a.settlement.Open()
}

// Agents returns the spot agents of slot.
func (a *Area) Agents(slot time.Time) []*iaa.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*iaa.Agent(nil), a.agents[slot]...)
}

// BalancingAgents returns the balancing agents of slot.
func (a *Area) BalancingAgents(slot time.Time) []*iaa.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*iaa.Agent(nil), a.balancingAgents[slot]...)
}

// SettlementAgents returns the settlement agents of slot.
func (a *Area) SettlementAgents(slot time.Time) []*iaa.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*iaa.Agent(nil), a.settlementAgents[slot]...)
}
