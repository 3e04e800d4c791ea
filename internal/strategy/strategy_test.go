package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/registry"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var noon = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func envFor(name string, slotLen time.Duration, markets ...*market.Market) Env {
	return Env{
		Name:         name,
		Markets:      markets,
		Now:          noon,
		TicksPerSlot: 10,
		SlotLength:   slotLen,
	}
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New("x", config.StrategyConfig{Kind: "wind"}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestNew_InvalidParams(t *testing.T) {
	tests := []config.StrategyConfig{
		{Kind: "load"},
		{Kind: "load", AvgPowerW: d(100), InitialBuyingRate: d(30), FinalBuyingRate: d(10)},
		{Kind: "pv"},
		{Kind: "storage", BatteryCapacityKWh: d(10), MaxPowerKW: d(1), MinSOC: d(0.5), MaxSOC: d(0.4)},
		{Kind: "storage", BatteryCapacityKWh: d(10), MaxPowerKW: d(1), MaxSOC: d(1), InitialSOC: d(0.5), BuyRate: d(20), SellRate: d(10)},
		{Kind: "commercial_producer"},
	}
	for _, cfg := range tests {
		if _, err := New("x", cfg); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%+v: expected ErrInvalidParams, got %v", cfg, err)
		}
	}
}

func TestNew_Kinds(t *testing.T) {
	cfg := config.Default()
	var kinds []Kind
	var walk func(a config.AreaConfig)
	walk = func(a config.AreaConfig) {
		if a.Strategy != nil {
			s, err := New(a.Name, *a.Strategy)
			if err != nil {
				t.Fatalf("%s: %v", a.Name, err)
			}
			kinds = append(kinds, s.Kind())
		}
		for _, c := range a.Children {
			walk(c)
		}
	}
	walk(cfg.Grid)
	seen := map[Kind]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	for _, k := range []Kind{Load, PV, Storage, CommercialProducer} {
		if !seen[k] {
			t.Errorf("default config should exercise %s", k)
		}
	}
}

// --- load ---

func newTestLoad(t *testing.T) Strategy {
	t.Helper()
	s, err := New("fridge", config.StrategyConfig{
		Kind:              "load",
		AvgPowerW:         d(1000),
		InitialBuyingRate: d(10),
		FinalBuyingRate:   d(30),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoad_OneSidedBuysCheapest(t *testing.T) {
	m := market.New(market.OneSided, noon)
	if _, err := m.Offer(d(50), d(1), "expensive"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Offer(d(5), d(1), "cheap"); err != nil {
		t.Fatal(err)
	}
	s := newTestLoad(t)
	env := envFor("fridge", 15*time.Minute, m)

	s.EventMarketCycle(env)
	if !s.EnergyToBuy(env).Equal(d(0.25)) {
		t.Fatalf("expected 0.25 kWh demand, got %s", s.EnergyToBuy(env))
	}
	s.EventTick(env)

	if !s.EnergyToBuy(env).IsZero() {
		t.Errorf("demand should be covered, %s left", s.EnergyToBuy(env))
	}
	trades := m.Trades()
	if len(trades) != 1 || trades[0].Seller != "cheap" || !trades[0].Energy().Equal(d(0.25)) {
		t.Errorf("expected 0.25 kWh from the cheap offer, got %+v", trades)
	}
}

func TestLoad_NothingBelowRate(t *testing.T) {
	m := market.New(market.OneSided, noon)
	if _, err := m.Offer(d(50), d(1), "expensive"); err != nil {
		t.Fatal(err)
	}
	s := newTestLoad(t)
	env := envFor("fridge", 15*time.Minute, m)
	s.EventMarketCycle(env)
	s.EventTick(env)
	if len(m.Trades()) != 0 {
		t.Error("load must not buy above its rate")
	}
}

func TestLoad_TwoSidedBidRamps(t *testing.T) {
	m := market.New(market.PayAsBid, noon)
	s := newTestLoad(t)
	env := envFor("fridge", 15*time.Minute, m)

	s.EventMarketCycle(env)
	bids := m.SortedBids()
	if len(bids) != 1 || !bids[0].Rate().Equal(d(10)) || !bids[0].Energy.Equal(d(0.25)) {
		t.Fatalf("expected initial bid of 0.25 kWh at 10, got %+v", bids)
	}

	env.Tick = 5
	s.EventTick(env)
	bids = m.SortedBids()
	if len(bids) != 1 || !bids[0].Rate().Equal(d(20)) {
		t.Fatalf("expected one bid at the mid-slot rate 20, got %+v", bids)
	}
}

func TestLoad_DemandBalancingOffer(t *testing.T) {
	m := market.New(market.OneSided, noon)
	reg := registry.New(map[string]registry.Rates{"fridge": {Demand: d(30), Supply: d(25)}})
	bm := market.NewBalancing(noon, reg)
	env := envFor("fridge", 15*time.Minute, m)
	env.Registry = reg
	env.Balancing = map[time.Time]*market.BalancingMarket{noon: bm}

	newTestLoad(t).EventMarketCycle(env)

	offers := bm.SortedOffers()
	if len(offers) != 1 {
		t.Fatalf("expected a balancing offer, got %d", len(offers))
	}
	if !offers[0].Energy.Equal(d(-0.25)) || !offers[0].Price.Equal(d(7.5)) {
		t.Errorf("expected -0.25 kWh for 7.5, got %s/%s", offers[0].Energy, offers[0].Price)
	}
}

func TestLoad_UnmetDemandBidInSettlement(t *testing.T) {
	m := market.New(market.OneSided, noon)
	s := newTestLoad(t)
	s.EventMarketCycle(envFor("fridge", 15*time.Minute, m))
	s.EventTick(envFor("fridge", 15*time.Minute, m))
	m.Close()

	sm := market.New(market.PayAsBid, noon)
	env := envFor("fridge", 15*time.Minute, market.New(market.OneSided, noon.Add(15*time.Minute)))
	env.Settlement = map[time.Time]*market.Market{noon: sm}
	s.EventMarketCycle(env)

	bids := sm.SortedBids()
	if len(bids) != 1 || !bids[0].Energy.Equal(d(0.25)) || !bids[0].Rate().Equal(d(30)) {
		t.Errorf("expected a 0.25 kWh settlement bid at the final rate, got %+v", bids)
	}
}

// --- pv ---

func TestDaylight(t *testing.T) {
	if !daylight(noon.Add(-12 * time.Hour)).IsZero() {
		t.Error("no output at midnight")
	}
	if !daylight(noon).Equal(d(1)) {
		t.Errorf("full output at noon, got %s", daylight(noon))
	}
	if !daylight(noon.Add(6 * time.Hour)).IsZero() {
		t.Error("no output at 18:00")
	}
}

func TestPV_OffersOutputAndRamps(t *testing.T) {
	s, err := New("roof", config.StrategyConfig{
		Kind:               "pv",
		CapacityKW:         d(4),
		InitialSellingRate: d(30),
		FinalSellingRate:   d(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon)
	env := envFor("roof", time.Hour, m)

	s.EventMarketCycle(env)
	offers := m.SortedOffers()
	if len(offers) != 1 || !offers[0].Rate().Equal(d(30)) {
		t.Fatalf("expected one offer at 30, got %+v", offers)
	}
	sell := s.EnergyToSell(env)
	if !sell.IsPositive() || sell.GreaterThan(d(4)) {
		t.Errorf("noon output should be in (0, 4] kWh, got %s", sell)
	}

	env.Tick = 5
	s.EventTick(env)
	offers = m.SortedOffers()
	if len(offers) != 1 || !offers[0].Rate().Equal(d(20)) {
		t.Errorf("expected the offer re-priced to 20, got %+v", offers)
	}
}

func TestPV_NightOffersNothing(t *testing.T) {
	s, err := New("roof", config.StrategyConfig{Kind: "pv", CapacityKW: d(4), InitialSellingRate: d(30), FinalSellingRate: d(10)})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon.Add(10*time.Hour))
	s.EventMarketCycle(envFor("roof", time.Hour, m))
	if len(m.SortedOffers()) != 0 {
		t.Error("no offers at night")
	}
}

func TestPV_UnsoldOfferedInSettlement(t *testing.T) {
	s, err := New("roof", config.StrategyConfig{Kind: "pv", CapacityKW: d(4), InitialSellingRate: d(30), FinalSellingRate: d(10)})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon)
	s.EventMarketCycle(envFor("roof", time.Hour, m))
	want := s.EnergyToSell(envFor("roof", time.Hour, m))
	m.Close()

	sm := market.New(market.PayAsBid, noon)
	env := envFor("roof", time.Hour, market.New(market.OneSided, noon.Add(time.Hour)))
	env.Settlement = map[time.Time]*market.Market{noon: sm}
	s.EventMarketCycle(env)

	offers := sm.SortedOffers()
	if len(offers) != 1 || !offers[0].Energy.Equal(want) || !offers[0].Rate().Equal(d(10)) {
		t.Errorf("expected %s kWh in settlement at the final rate, got %+v", want, offers)
	}
}

// --- storage ---

func newTestBattery(t *testing.T) *storageStrategy {
	t.Helper()
	s, err := newStorage("battery", config.StrategyConfig{
		Kind:               "storage",
		BatteryCapacityKWh: d(10),
		MinSOC:             d(0.1),
		MaxSOC:             d(1),
		InitialSOC:         d(0.5),
		MaxPowerKW:         d(2),
		BuyRate:            d(12),
		SellRate:           d(26),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStorage_SellsAndSettles(t *testing.T) {
	s := newTestBattery(t)
	m := market.New(market.OneSided, noon)
	env := envFor("battery", time.Hour, m)

	s.EventMarketCycle(env)
	offers := m.SortedOffers()
	if len(offers) != 1 || !offers[0].Energy.Equal(d(2)) || !offers[0].Rate().Equal(d(26)) {
		t.Fatalf("expected a 2 kWh offer at 26 (power limited), got %+v", offers)
	}
	if _, err := m.AcceptOffer(offers[0].ID, "load", market.WithEnergy(d(1.5))); err != nil {
		t.Fatal(err)
	}

	next := market.New(market.OneSided, noon.Add(time.Hour))
	s.EventMarketCycle(envFor("battery", time.Hour, next))
	if !s.SOC().Equal(d(0.35)) {
		t.Errorf("expected SOC 0.35 after selling 1.5 kWh, got %s", s.SOC())
	}
}

func TestStorage_BuysBelowRate(t *testing.T) {
	s := newTestBattery(t)
	m := market.New(market.OneSided, noon)
	if _, err := m.Offer(d(100), d(10), "pv"); err != nil { // rate 10
		t.Fatal(err)
	}
	env := envFor("battery", time.Hour, m)
	s.EventMarketCycle(env)
	s.EventTick(env)

	if got := m.TradedEnergy("battery"); !got.Equal(d(-2)) {
		t.Errorf("expected to buy the 2 kWh power limit, got %s", got)
	}
	if !s.EnergyToBuy(env).IsZero() {
		t.Error("power limit reached for this slot")
	}
}

func TestStorage_RespectsMinSOC(t *testing.T) {
	s, err := newStorage("battery", config.StrategyConfig{
		Kind:               "storage",
		BatteryCapacityKWh: d(10),
		MinSOC:             d(0.4),
		MaxSOC:             d(1),
		InitialSOC:         d(0.5),
		MaxPowerKW:         d(5),
		BuyRate:            d(12),
		SellRate:           d(26),
	})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon)
	env := envFor("battery", time.Hour, m)
	if got := s.EnergyToSell(env); !got.Equal(d(1)) {
		t.Errorf("only 1 kWh above min SOC, got %s", got)
	}
}

func TestStorage_NoOversellAcrossMarkets(t *testing.T) {
	s, err := newStorage("battery", config.StrategyConfig{
		Kind:               "storage",
		BatteryCapacityKWh: d(10),
		MinSOC:             d(0.1),
		MaxSOC:             d(1),
		InitialSOC:         d(0.5),
		MaxPowerKW:         d(5),
		BuyRate:            d(12),
		SellRate:           d(26),
	})
	if err != nil {
		t.Fatal(err)
	}
	markets := []*market.Market{
		market.New(market.OneSided, noon),
		market.New(market.OneSided, noon.Add(time.Hour)),
		market.New(market.OneSided, noon.Add(2*time.Hour)),
	}
	s.EventMarketCycle(envFor("battery", time.Hour, markets...))

	offered := decimal.Zero
	for _, m := range markets {
		for _, o := range m.SortedOffers() {
			offered = offered.Add(o.Energy)
			if _, err := m.AcceptOffer(o.ID, "load"); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !offered.Equal(d(4)) {
		t.Errorf("only 4 kWh above min SOC may be offered, got %s", offered)
	}
	if s.projected().LessThan(d(1)) {
		t.Errorf("projected charge %s fell below min SOC", s.projected())
	}
}

// --- commercial producer ---

func TestProducer_OffersOncePerSlot(t *testing.T) {
	s, err := New("utility", config.StrategyConfig{Kind: "commercial_producer", EnergyPerSlotKWh: d(50), EnergyRate: d(30)})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon)
	env := envFor("utility", 15*time.Minute, m)

	s.EventMarketCycle(env)
	s.EventMarketCycle(env)
	s.EventTick(env)
	offers := m.SortedOffers()
	if len(offers) != 1 || !offers[0].Energy.Equal(d(50)) || !offers[0].Rate().Equal(d(30)) {
		t.Fatalf("expected one 50 kWh offer at 30, got %+v", offers)
	}
	if _, err := m.AcceptOffer(offers[0].ID, "load", market.WithEnergy(d(20))); err != nil {
		t.Fatal(err)
	}
	if !s.EnergyToSell(env).Equal(d(30)) {
		t.Errorf("expected 30 kWh left, got %s", s.EnergyToSell(env))
	}
}

func TestProducer_UnsoldGoesToSettlement(t *testing.T) {
	s, err := New("utility", config.StrategyConfig{Kind: "commercial_producer", EnergyPerSlotKWh: d(50), EnergyRate: d(30)})
	if err != nil {
		t.Fatal(err)
	}
	m := market.New(market.OneSided, noon)
	s.EventMarketCycle(envFor("utility", 15*time.Minute, m))
	offers := m.SortedOffers()
	if _, err := m.AcceptOffer(offers[0].ID, "load", market.WithEnergy(d(20))); err != nil {
		t.Fatal(err)
	}
	m.Close()

	sm := market.New(market.PayAsBid, noon)
	env := envFor("utility", 15*time.Minute, market.New(market.OneSided, noon.Add(15*time.Minute)))
	env.Settlement = map[time.Time]*market.Market{noon: sm}
	s.EventMarketCycle(env)

	settled := sm.SortedOffers()
	if len(settled) != 1 || !settled[0].Energy.Equal(d(30)) || !settled[0].Rate().Equal(d(30)) {
		t.Errorf("expected the unsold 30 kWh in settlement at 30, got %+v", settled)
	}
}

func TestEnv_Progress(t *testing.T) {
	env := Env{Tick: 3, TicksPerSlot: 12}
	if !env.Progress().Equal(d(0.25)) {
		t.Errorf("expected 0.25, got %s", env.Progress())
	}
	if (Env{}).Current() != nil {
		t.Error("no current market before the first cycle")
	}
}
