// Package area implements the area tree of the exchange. Every inner area
// owns one market per open time slot and one inter-area agent per inner
// child and slot; leaf areas are devices whose strategy trades in the
// parent's markets.
package area

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/iaa"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/metrics"
	"github.com/atmx/energy-exchange/internal/model"
	"github.com/atmx/energy-exchange/internal/registry"
	"github.com/atmx/energy-exchange/internal/strategy"
)

// Settings are shared by every area of a simulation.
type Settings struct {
	SlotLength       time.Duration
	TicksPerSlot     int
	MarketCount      int
	MarketKind       market.Kind
	ClearingInterval int
	Agent            iaa.Config
	KeepPastMarkets  bool
	Settlement       config.SettlementConfig
	Balancing        config.BalancingConfig
	Registry         *registry.Registry
	// Clock stamps trades with simulated time; nil uses the wall clock.
	Clock func() time.Time
}

// NewSettings derives area settings from the simulation configuration.
func NewSettings(sim config.SimulationConfig, reg *registry.Registry) (*Settings, error) {
	kind, err := market.ParseKind(sim.MarketType)
	if err != nil {
		return nil, err
	}
	return &Settings{
		SlotLength:       sim.SlotLength,
		TicksPerSlot:     sim.TicksPerSlot,
		MarketCount:      sim.MarketCount,
		MarketKind:       kind,
		ClearingInterval: sim.ClearingInterval(),
		Agent: iaa.Config{
			TransferFeePct: sim.TransferFeePct,
			MinOfferAge:    sim.MinOfferAge,
		},
		KeepPastMarkets: sim.KeepPastMarkets,
		Settlement:      sim.Settlement,
		Balancing:       sim.Balancing,
		Registry:        reg,
	}, nil
}

// retention is how long past spot markets are kept: one slot, extended by
// the settlement horizon when settlement markets are enabled.
func (s *Settings) retention() time.Duration {
	r := s.SlotLength
	if s.Settlement.Enabled {
		r += time.Duration(s.Settlement.HorizonHours) * time.Hour
	}
	return r
}

// Listener receives every event of every market of an area.
type Listener func(area string, ev market.Event)

// ArchiveFunc receives a spot market as it moves to past.
type ArchiveFunc func(area string, m *market.Market)

// Area is one node of the grid tree.
type Area struct {
	Name     string
	ID       string
	Parent   *Area
	Children []*Area
	Strategy strategy.Strategy

	settings   *Settings
	spot       *Rotator[*market.Market]
	balancing  *Rotator[*market.BalancingMarket]
	settlement *SettlementRotator[*market.Market]

	mu               sync.RWMutex
	agents           map[time.Time][]*iaa.Agent
	balancingAgents  map[time.Time][]*iaa.Agent
	settlementAgents map[time.Time][]*iaa.Agent
	// settled holds settlement slots opened since the last cycle that
	// still need agents.
	settled   []time.Time
	listeners []Listener
	archive   ArchiveFunc
	current   time.Time
}

// New creates an area. Markets are only created for areas with children.
func New(name string, s *Settings) *Area {
	a := &Area{
		Name:            name,
		ID:              uuid.New().String(),
		settings:        s,
		agents:           make(map[time.Time][]*iaa.Agent),
		balancingAgents:  make(map[time.Time][]*iaa.Agent),
		settlementAgents: make(map[time.Time][]*iaa.Agent),
	}
	a.spot = NewRotator[*market.Market]("spot", s.retention(), s.KeepPastMarkets)
	a.spot.OnPast = a.onSpotPast
	if s.Balancing.Enabled {
		a.balancing = NewRotator[*market.BalancingMarket]("balancing", s.retention(), s.KeepPastMarkets)
	}
	if s.Settlement.Enabled {
		a.settlement = NewSettlementRotator[*market.Market](s.Settlement.HorizonHours, s.KeepPastMarkets)
	}
	return a
}

// AddChild attaches child below a.
func (a *Area) AddChild(child *Area) {
	child.Parent = a
	a.Children = append(a.Children, child)
}

// IsLeaf reports whether the area is a device.
func (a *Area) IsLeaf() bool { return len(a.Children) == 0 }

// Subscribe registers l on every market this area and its descendants
// open from now on.
func (a *Area) Subscribe(l Listener) {
	a.Walk(func(x *Area) {
		x.mu.Lock()
		x.listeners = append(x.listeners, l)
		x.mu.Unlock()
	})
}

// SetArchive installs fn on this area and its descendants.
func (a *Area) SetArchive(fn ArchiveFunc) {
	a.Walk(func(x *Area) {
		x.mu.Lock()
		x.archive = fn
		x.mu.Unlock()
	})
}

// CycleMarkets advances the area tree to the slot starting at current:
// past slots are rotated out, markets for the lookahead window are opened,
// agents are created for the new spot and settlement markets and
// strategies are notified.
func (a *Area) CycleMarkets(current time.Time) {
	if a.IsLeaf() {
		return
	}
	a.mu.Lock()
	a.current = current
	a.mu.Unlock()

	a.rotate(current)
	opened := a.openMarkets(current)

	for _, c := range a.Children {
		c.CycleMarkets(current)
	}
	for _, slot := range opened {
		a.createAgents(slot)
	}
	a.createSettlementAgents()
	for _, c := range a.Children {
		if c.Strategy != nil {
			c.Strategy.EventMarketCycle(a.env(c, current, 0))
		}
	}
}

// Finish rotates every market of the tree with a slot before end into
// the past without opening new ones.
func (a *Area) Finish(end time.Time) {
	if a.IsLeaf() {
		return
	}
	a.rotate(end)
	for _, c := range a.Children {
		c.Finish(end)
	}
}

func (a *Area) rotate(current time.Time) {
	rotated := a.spot.Rotate(current)
	if a.balancing != nil {
		a.balancing.Rotate(current)
	}
	var settled []time.Time
	if a.settlement != nil {
		settled = a.settlement.Rotate(current)
	}
	if len(rotated) == 0 && len(settled) == 0 {
		return
	}
	a.mu.Lock()
	for _, slot := range rotated {
		delete(a.agents, slot)
		delete(a.balancingAgents, slot)
	}
	for _, slot := range settled {
		delete(a.settlementAgents, slot)
	}
	a.mu.Unlock()
}

// onSpotPast archives a market moving to past and opens its settlement
// market.
func (a *Area) onSpotPast(slot time.Time, m *market.Market) {
	a.mu.RLock()
	archive := a.archive
	a.mu.RUnlock()
	if archive != nil {
		archive(a.Name, m)
	}
	if a.settlement != nil {
		kind := a.settings.MarketKind
		if !kind.TwoSided() {
			kind = market.PayAsBid
		}
		sm := market.New(kind, slot)
		if a.settlement.Add(slot, sm) {
			a.attach(sm)
			a.mu.Lock()
			a.settled = append(a.settled, slot)
			a.mu.Unlock()
		}
	}
}

func (a *Area) openMarkets(current time.Time) []time.Time {
	var opened []time.Time
	for i := 0; i < a.settings.MarketCount; i++ {
		slot := current.Add(time.Duration(i) * a.settings.SlotLength)
		m := market.New(a.settings.MarketKind, slot)
		if !a.spot.Add(slot, m) {
			continue
		}
		a.attach(m)
		m.Subscribe(a.tradeMetrics(m))
		if a.balancing != nil {
			bm := market.NewBalancing(slot, a.settings.Registry)
			if a.balancing.Add(slot, bm) {
				a.attach(bm.Market)
				m.Subscribe(a.balancingTrigger(bm))
			}
		}
		opened = append(opened, slot)
	}
	return opened
}

// attach wires the clock and the area listeners into a new market.
func (a *Area) attach(m *market.Market) {
	if a.settings.Clock != nil {
		m.SetClock(a.settings.Clock)
	}
	a.mu.RLock()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.RUnlock()
	for _, l := range listeners {
		l := l
		m.Subscribe(func(ev market.Event) { l(a.Name, ev) })
	}
}

func (a *Area) tradeMetrics(m *market.Market) market.Listener {
	kind := string(m.Kind())
	return func(ev market.Event) {
		if ev.Type != market.EventTrade || ev.Trade == nil {
			return
		}
		metrics.TradesTotal.WithLabelValues(kind).Inc()
		metrics.TradedEnergy.WithLabelValues(a.Name).Add(ev.Trade.Energy().InexactFloat64())
	}
}

func (a *Area) createAgents(slot time.Time) {
	higher, ok := a.spot.Get(slot)
	if !ok {
		return
	}
	var hb *market.BalancingMarket
	if a.balancing != nil {
		hb, _ = a.balancing.Get(slot)
	}
	var agents, balancing []*iaa.Agent
	for _, c := range a.Children {
		if c.IsLeaf() {
			continue
		}
		lower, ok := c.spot.Get(slot)
		if !ok {
			continue
		}
		agents = append(agents, iaa.New(c.Name, lower, higher, a.settings.Agent))
		if hb != nil && c.balancing != nil {
			if lb, ok := c.balancing.Get(slot); ok {
				balancing = append(balancing, iaa.NewBalancing(c.Name, lb, hb, a.settings.Agent))
			}
		}
	}
	a.mu.Lock()
	a.agents[slot] = agents
	a.balancingAgents[slot] = balancing
	a.mu.Unlock()
}

// createSettlementAgents links the settlement markets opened during this
// cycle to the children's settlement markets of the same slot.
func (a *Area) createSettlementAgents() {
	if a.settlement == nil {
		return
	}
	a.mu.Lock()
	slots := a.settled
	a.settled = nil
	a.mu.Unlock()

	for _, slot := range slots {
		higher, ok := a.settlement.Get(slot)
		if !ok {
			continue
		}
		var agents []*iaa.Agent
		for _, c := range a.Children {
			if c.settlement == nil {
				continue
			}
			if lower, ok := c.settlement.Get(slot); ok {
				agents = append(agents, iaa.New(c.Name, lower, higher, a.settings.Agent))
			}
		}
		a.mu.Lock()
		a.settlementAgents[slot] = agents
		a.mu.Unlock()
	}
}

// Tick runs one tick of the area tree: children first, then the device
// strategies, then inter-area forwarding, then matching. tick is the tick
// index within the running slot.
func (a *Area) Tick(now time.Time, tick int) {
	if a.IsLeaf() {
		return
	}
	for _, c := range a.Children {
		c.Tick(now, tick)
	}
	for _, c := range a.Children {
		if c.Strategy != nil {
			c.Strategy.EventTick(a.env(c, now, tick))
		}
	}
	for _, ag := range a.allAgents() {
		ag.Tick()
	}
	a.match(tick)
}

func (a *Area) allAgents() []*iaa.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*iaa.Agent
	for _, slot := range keys(a.agents) {
		out = append(out, a.agents[slot]...)
		out = append(out, a.balancingAgents[slot]...)
	}
	for _, slot := range keys(a.settlementAgents) {
		out = append(out, a.settlementAgents[slot]...)
	}
	return out
}

func (a *Area) match(tick int) {
	clearing := a.settings.ClearingInterval > 0 && (tick+1)%a.settings.ClearingInterval == 0
	for _, m := range a.spot.Open() {
		switch m.Kind() {
		case market.PayAsBid:
			m.Match()
		case market.PayAsClear:
			if !clearing {
				continue
			}
			if len(m.Match()) > 0 {
				rates := m.ClearingRates()
				metrics.ClearingRate.WithLabelValues(a.Name).Set(rates[len(rates)-1].Rate.InexactFloat64())
			}
		}
	}
	if a.settlement != nil {
		for _, m := range a.settlement.Open() {
			m.Match()
		}
	}
}

func (a *Area) env(device *Area, now time.Time, tick int) strategy.Env {
	env := strategy.Env{
		Name:         device.Name,
		Markets:      a.spot.Open(),
		Registry:     a.settings.Registry,
		Now:          now,
		Tick:         tick,
		TicksPerSlot: a.settings.TicksPerSlot,
		SlotLength:   a.settings.SlotLength,
	}
	if a.balancing != nil {
		env.Balancing = make(map[time.Time]*market.BalancingMarket)
		for _, bm := range a.balancing.Open() {
			env.Balancing[bm.TimeSlot()] = bm
		}
	}
	if a.settlement != nil {
		env.Settlement = make(map[time.Time]*market.Market)
		for _, sm := range a.settlement.Open() {
			env.Settlement[sm.TimeSlot()] = sm
		}
	}
	return env
}

// balancingTrigger buys balancing energy for registered devices that
// bought spot energy: supply for supply_ratio of the energy and demand for
// demand_ratio of it, cheapest offers first.
func (a *Area) balancingTrigger(bm *market.BalancingMarket) market.Listener {
	return func(ev market.Event) {
		if ev.Type != market.EventTrade || ev.Trade == nil {
			return
		}
		if !a.settings.Registry.Contains(ev.Trade.Buyer) {
			return
		}
		energy := ev.Trade.Energy()
		supply := energy.Mul(a.settings.Balancing.SupplyRatio)
		demand := energy.Mul(a.settings.Balancing.DemandRatio)
		a.acceptBalancing(bm, supply, true)
		a.acceptBalancing(bm, demand, false)
	}
}

func (a *Area) acceptBalancing(bm *market.BalancingMarket, energy decimal.Decimal, supply bool) {
	var offers []*model.Offer
	for _, o := range bm.SortedOffers() {
		if o.Energy.IsPositive() == supply {
			offers = append(offers, o)
		}
	}
	if !supply {
		// demand rates are negative
		sort.SliceStable(offers, func(i, j int) bool {
			return offers[i].Rate().Abs().LessThan(offers[j].Rate().Abs())
		})
	}
	left := energy
	for _, o := range offers {
		if !left.IsPositive() {
			return
		}
		take := decimal.Min(left, o.Energy.Abs())
		want := take
		if !supply {
			want = take.Neg()
		}
		if _, err := bm.AcceptOffer(o.ID, a.Name, market.WithEnergy(want)); err != nil {
			slog.Debug("balancing offer accept skipped", "area", a.Name, "offer", o.ID, "err", err)
			continue
		}
		left = left.Sub(take)
	}
}
