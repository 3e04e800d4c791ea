package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var slot = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func mustOffer(t *testing.T, m *Market, price, energy float64, seller string) *model.Offer {
	t.Helper()
	o, err := m.Offer(d(price), d(energy), seller)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	return o
}

func mustBid(t *testing.T, m *Market, price, energy float64, buyer string) *model.Bid {
	t.Helper()
	b, err := m.Bid(d(price), d(energy), buyer, "")
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	return b
}

// --- offers ---

func TestOffer_Valid(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 2, "A")

	if o.ID == "" {
		t.Error("expected non-empty offer id")
	}
	if o.MarketID != m.ID() {
		t.Errorf("expected market id %s, got %s", m.ID(), o.MarketID)
	}
	if !o.Rate().Equal(d(5)) {
		t.Errorf("expected rate 5, got %s", o.Rate())
	}
	if got, ok := m.GetOffer(o.ID); !ok || got != o {
		t.Error("offer should be in the book")
	}
}

func TestOffer_NonPositiveEnergy(t *testing.T) {
	m := New(OneSided, slot)
	for _, e := range []float64{0, -1} {
		if _, err := m.Offer(d(10), d(e), "A"); !errors.Is(err, ErrInvalidOffer) {
			t.Errorf("energy=%v: expected ErrInvalidOffer, got %v", e, err)
		}
	}
	if len(m.SortedOffers()) != 0 {
		t.Error("book should stay empty")
	}
}

func TestSortedOffers_AscendingStableOnTies(t *testing.T) {
	m := New(OneSided, slot)
	a := mustOffer(t, m, 30, 1, "A") // 30
	b := mustOffer(t, m, 10, 1, "B") // 10
	c := mustOffer(t, m, 20, 2, "C") // 10, inserted after b
	e := mustOffer(t, m, 5, 1, "E")  // 5

	got := m.SortedOffers()
	want := []*model.Offer{e, b, c, a}
	if len(got) != len(want) {
		t.Fatalf("expected %d offers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("position %d: expected %s, got %s", i, want[i].Seller, got[i].Seller)
		}
	}

	cheapest := m.MostAffordableOffers()
	if len(cheapest) != 1 || cheapest[0].ID != e.ID {
		t.Errorf("expected only E to be most affordable, got %d offers", len(cheapest))
	}
	if err := m.DeleteOffer(e.ID); err != nil {
		t.Fatal(err)
	}
	cheapest = m.MostAffordableOffers()
	if len(cheapest) != 2 || cheapest[0].ID != b.ID || cheapest[1].ID != c.ID {
		t.Errorf("expected B and C at the minimum rate, got %+v", cheapest)
	}
}

func TestDeleteOffer_Stats(t *testing.T) {
	m := New(OneSided, slot)
	mustOffer(t, m, 10, 1, "A")
	o := mustOffer(t, m, 30, 1, "B")

	s := m.Summary()
	if !s.MinOfferRate.Equal(d(10)) || !s.MaxOfferRate.Equal(d(30)) || !s.AvgOfferRate.Equal(d(20)) {
		t.Errorf("unexpected offer stats: min=%s max=%s avg=%s", s.MinOfferRate, s.MaxOfferRate, s.AvgOfferRate)
	}
	if err := m.DeleteOffer(o.ID); err != nil {
		t.Fatal(err)
	}
	s = m.Summary()
	if !s.MaxOfferRate.Equal(d(10)) || !s.AvgOfferRate.Equal(d(10)) {
		t.Errorf("stats not recomputed after delete: max=%s avg=%s", s.MaxOfferRate, s.AvgOfferRate)
	}
}

func TestDeleteOffer_AlreadyTraded(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 2, "A")
	other := mustOffer(t, m, 12, 2, "C")
	if _, err := m.AcceptOffer(o.ID, "B"); err != nil {
		t.Fatal(err)
	}

	err := m.DeleteOffer(o.ID)
	if !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	offers := m.SortedOffers()
	if len(offers) != 1 || offers[0].ID != other.ID {
		t.Error("book should be unchanged by failed delete")
	}
	if len(m.Trades()) != 1 {
		t.Error("trade list should be unchanged by failed delete")
	}
}

// --- accept offer ---

func TestAcceptOffer_Partial(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 2, "A")

	trade, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade.Offer.ID != o.ID {
		t.Error("accepted part should keep the offer id")
	}
	if !trade.Offer.Price.Equal(d(5)) || !trade.Offer.Energy.Equal(d(1)) {
		t.Errorf("accepted offer: expected price=5 energy=1, got price=%s energy=%s", trade.Offer.Price, trade.Offer.Energy)
	}
	res := trade.ResidualOffer
	if res == nil {
		t.Fatal("expected residual offer")
	}
	if !res.Price.Equal(d(5)) || !res.Energy.Equal(d(1)) {
		t.Errorf("residual: expected price=5 energy=1, got price=%s energy=%s", res.Price, res.Energy)
	}
	if len(m.Trades()) != 1 || !m.Trades()[0].Energy().Equal(d(1)) {
		t.Error("expected exactly one trade of 1 kWh")
	}
	if _, ok := m.GetOffer(o.ID); ok {
		t.Error("original offer must leave the book")
	}
	if _, ok := m.GetOffer(res.ID); !ok {
		t.Error("residual must be in the book")
	}
	if trade.Seller != "A" || trade.Buyer != "B" {
		t.Errorf("unexpected parties %s -> %s", trade.Seller, trade.Buyer)
	}
}

func TestAcceptOffer_ResidualConsistency(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 3, "A")

	trade, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1)))
	if err != nil {
		t.Fatal(err)
	}
	sumE := trade.Offer.Energy.Add(trade.ResidualOffer.Energy)
	sumP := trade.Offer.Price.Add(trade.ResidualOffer.Price)
	if !sumE.Equal(o.Energy) {
		t.Errorf("energy not conserved: %s != %s", sumE, o.Energy)
	}
	if sumP.Sub(o.Price).Abs().GreaterThan(d(1e-9)) {
		t.Errorf("price not conserved: %s != %s", sumP, o.Price)
	}
	if trade.Offer.Rate().Sub(o.Rate()).Abs().GreaterThan(d(1e-9)) {
		t.Errorf("accepted part should keep rate %s, got %s", o.Rate(), trade.Offer.Rate())
	}
}

func TestAcceptOffer_Full(t *testing.T) {
	for _, opts := range [][]AcceptOption{nil, {WithEnergy(d(2))}} {
		m := New(OneSided, slot)
		o := mustOffer(t, m, 10, 2, "A")
		trade, err := m.AcceptOffer(o.ID, "B", opts...)
		if err != nil {
			t.Fatal(err)
		}
		if trade.ResidualOffer != nil {
			t.Error("full accept must not leave a residual")
		}
		if len(m.SortedOffers()) != 0 {
			t.Error("book should be empty")
		}
	}
}

func TestAcceptOffer_InvalidEnergyLeavesBookIntact(t *testing.T) {
	tests := []float64{0, -1, 2.5}
	for _, e := range tests {
		m := New(OneSided, slot)
		o := mustOffer(t, m, 10, 2, "A")

		_, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(e)))
		if !errors.Is(err, ErrInvalidTrade) {
			t.Errorf("energy=%v: expected ErrInvalidTrade, got %v", e, err)
		}
		got, ok := m.GetOffer(o.ID)
		if !ok || got != o {
			t.Errorf("energy=%v: original offer must be restored", e)
		}
		if len(m.SortedOffers()) != 1 || len(m.Trades()) != 0 {
			t.Errorf("energy=%v: no partial side effects expected", e)
		}
		if !m.TradedEnergy("A").IsZero() {
			t.Errorf("energy=%v: accounting must be untouched", e)
		}
	}
}

func TestAcceptOffer_NotFound(t *testing.T) {
	m := New(OneSided, slot)
	if _, err := m.AcceptOffer("missing", "B"); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestAcceptOffer_TradeRateOverride(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 2, "A")

	trade, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1)), WithTradeRate(d(8)))
	if err != nil {
		t.Fatal(err)
	}
	if !trade.PriceDrop {
		t.Error("rate override should flag price drop")
	}
	if !trade.Rate().Equal(d(8)) {
		t.Errorf("expected trade rate 8, got %s", trade.Rate())
	}
	if !trade.ResidualOffer.Rate().Equal(d(5)) {
		t.Errorf("residual keeps original rate 5, got %s", trade.ResidualOffer.Rate())
	}
}

func TestAcceptOffer_Accounting(t *testing.T) {
	m := New(OneSided, slot)
	o1 := mustOffer(t, m, 10, 2, "A")
	o2 := mustOffer(t, m, 9, 3, "C")

	if _, err := m.AcceptOffer(o1.ID, "B"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcceptOffer(o2.ID, "B", WithEnergy(d(1))); err != nil {
		t.Fatal(err)
	}

	if !m.AccumulatedTradePrice().Equal(d(13)) {
		t.Errorf("expected accumulated price 13, got %s", m.AccumulatedTradePrice())
	}
	if !m.AccumulatedTradeEnergy().Equal(d(3)) {
		t.Errorf("expected accumulated energy 3, got %s", m.AccumulatedTradeEnergy())
	}
	if !m.TradedEnergy("A").Equal(d(2)) || !m.TradedEnergy("C").Equal(d(1)) || !m.TradedEnergy("B").Equal(d(-3)) {
		t.Errorf("unexpected traded energy: %v", m.TradedEnergyMap())
	}
	if !m.MinTradePrice().Equal(d(3)) || !m.MaxTradePrice().Equal(d(5)) {
		t.Errorf("unexpected min/max trade rate: %s/%s", m.MinTradePrice(), m.MaxTradePrice())
	}
	avg := m.AvgTradePrice()
	if avg.Sub(d(13.0/3.0)).Abs().GreaterThan(d(1e-9)) {
		t.Errorf("unexpected avg trade rate %s", avg)
	}
	ious := m.IOUs()
	if !ious["B"]["A"].Equal(d(10)) || !ious["B"]["C"].Equal(d(3)) {
		t.Errorf("unexpected ious: %v", ious)
	}
}

func TestEnergyConservation(t *testing.T) {
	m := New(PayAsBid, slot)
	mustOffer(t, m, 10, 2, "A")
	mustOffer(t, m, 21, 3, "C")
	mustBid(t, m, 40, 4, "B")
	mustBid(t, m, 9, 1, "D")
	m.Match()
	m.Match()
	m.Close()

	sum := decimal.Zero
	for _, e := range m.TradedEnergyMap() {
		sum = sum.Add(e)
	}
	if !sum.IsZero() {
		t.Errorf("net traded energy should be zero, got %s", sum)
	}
	for _, tr := range m.Trades() {
		if tr.IsBidTrade() {
			t.Error("matcher bid-side trades must not be tracked")
		}
	}
}

// --- bids ---

func TestBid_OneSidedRejected(t *testing.T) {
	m := New(OneSided, slot)
	if _, err := m.Bid(d(10), d(1), "B", ""); !errors.Is(err, ErrBidsNotSupported) {
		t.Errorf("expected ErrBidsNotSupported, got %v", err)
	}
}

func TestBid_InvalidEnergy(t *testing.T) {
	m := New(PayAsBid, slot)
	if _, err := m.Bid(d(10), d(0), "B", ""); !errors.Is(err, ErrInvalidBid) {
		t.Errorf("expected ErrInvalidBid, got %v", err)
	}
}

func TestSortedBids_Descending(t *testing.T) {
	m := New(PayAsBid, slot)
	low := mustBid(t, m, 3, 1, "L")
	high := mustBid(t, m, 8, 1, "H")
	tie := mustBid(t, m, 16, 2, "T")

	got := m.SortedBids()
	if got[0].ID != high.ID || got[1].ID != tie.ID || got[2].ID != low.ID {
		t.Errorf("unexpected bid order: %s %s %s", got[0].Buyer, got[1].Buyer, got[2].Buyer)
	}
}

func TestAcceptBid_Partial(t *testing.T) {
	m := New(PayAsBid, slot)
	b := mustBid(t, m, 12, 4, "B")

	trade, err := m.AcceptBid(b.ID, "A", WithEnergy(d(1)))
	if err != nil {
		t.Fatal(err)
	}
	if !trade.Bid.Price.Equal(d(3)) || !trade.ResidualBid.Price.Equal(d(9)) {
		t.Errorf("unexpected split: accepted=%s residual=%s", trade.Bid.Price, trade.ResidualBid.Price)
	}
	if !trade.Bid.Energy.Add(trade.ResidualBid.Energy).Equal(b.Energy) {
		t.Error("bid energy not conserved")
	}
	if trade.Seller != "A" || trade.Buyer != "B" {
		t.Errorf("unexpected parties %s -> %s", trade.Seller, trade.Buyer)
	}
	if len(m.Trades()) != 1 || !m.TradedEnergy("B").Equal(d(-1)) {
		t.Error("direct bid accept must be tracked")
	}
	if _, err := m.AcceptBid(b.ID, "A"); !errors.Is(err, ErrBidNotFound) {
		t.Errorf("original bid should be gone, got %v", err)
	}
}

func TestAcceptBid_EmitsTrade(t *testing.T) {
	m := New(PayAsBid, slot)
	var got []EventType
	var traded *model.Trade
	m.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
		if ev.Type == EventTrade {
			traded = ev.Trade
		}
	})
	b := mustBid(t, m, 12, 4, "B")

	trade, err := m.AcceptBid(b.ID, "A", WithEnergy(d(1)))
	if err != nil {
		t.Fatal(err)
	}
	want := []EventType{EventBid, EventBidChanged, EventBidTraded, EventTrade}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if traded != trade {
		t.Error("TRADE event should carry the bid trade")
	}
}

func TestDeleteBid(t *testing.T) {
	m := New(PayAsBid, slot)
	b := mustBid(t, m, 12, 4, "B")
	if err := m.DeleteBid(b.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteBid(b.ID); !errors.Is(err, ErrBidNotFound) {
		t.Errorf("expected ErrBidNotFound, got %v", err)
	}
}

// --- read-only ---

func TestReadOnly_RejectsEveryMutation(t *testing.T) {
	m := New(PayAsBid, slot)
	o := mustOffer(t, m, 10, 2, "A")
	b := mustBid(t, m, 10, 2, "B")
	m.Close()

	ops := map[string]func() error{
		"offer":        func() error { _, err := m.Offer(d(1), d(1), "A"); return err },
		"bid":          func() error { _, err := m.Bid(d(1), d(1), "B", ""); return err },
		"accept_offer": func() error { _, err := m.AcceptOffer(o.ID, "B"); return err },
		"accept_bid":   func() error { _, err := m.AcceptBid(b.ID, "A"); return err },
		"delete_offer": func() error { return m.DeleteOffer(o.ID) },
		"delete_bid":   func() error { return m.DeleteBid(b.ID) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrMarketReadOnly) {
			t.Errorf("%s: expected ErrMarketReadOnly, got %v", name, err)
		}
	}
	if len(m.SortedOffers()) != 1 || len(m.SortedBids()) != 1 || len(m.Trades()) != 0 {
		t.Error("collections must be unchanged")
	}
	if m.Match() != nil {
		t.Error("closed market must not match")
	}
}

func TestPurge(t *testing.T) {
	m := New(OneSided, slot)
	o := mustOffer(t, m, 10, 2, "A")
	if _, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1))); err != nil {
		t.Fatal(err)
	}
	m.Purge()

	if !m.ReadOnly() {
		t.Error("purged market must be read-only")
	}
	if len(m.SortedOffers()) != 0 || len(m.Trades()) != 0 || len(m.OfferHistory()) != 0 || len(m.TradedEnergyMap()) != 0 {
		t.Error("purge must clear every collection")
	}
}

// --- events ---

func TestEvents_PartialAccept(t *testing.T) {
	m := New(OneSided, slot)
	var got []EventType
	m.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	o := mustOffer(t, m, 10, 2, "A")
	if _, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1))); err != nil {
		t.Fatal(err)
	}
	res := m.SortedOffers()[0]
	if err := m.DeleteOffer(res.ID); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventOffer, EventOfferChanged, EventTrade, EventOfferDeleted}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEvents_ListenerMayReenter(t *testing.T) {
	m := New(OneSided, slot)
	m.Subscribe(func(ev Event) {
		if ev.Type == EventTrade && ev.Trade.ResidualOffer != nil {
			// re-entrant delete of the residual from inside a listener
			if err := m.DeleteOffer(ev.Trade.ResidualOffer.ID); err != nil {
				t.Errorf("reentrant delete: %v", err)
			}
		}
	})
	o := mustOffer(t, m, 10, 2, "A")
	if _, err := m.AcceptOffer(o.ID, "B", WithEnergy(d(1))); err != nil {
		t.Fatal(err)
	}
	if len(m.SortedOffers()) != 0 {
		t.Error("residual should have been deleted by the listener")
	}
}

func TestTradeTime_UsesClock(t *testing.T) {
	m := New(OneSided, slot)
	m.SetClock(func() time.Time { return slot.Add(time.Minute) })
	o := mustOffer(t, m, 10, 2, "A")
	trade, err := m.AcceptOffer(o.ID, "B")
	if err != nil {
		t.Fatal(err)
	}
	if !trade.Time.Equal(slot.Add(time.Minute)) {
		t.Errorf("expected simulated time, got %v", trade.Time)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("pay_as_clear"); err != nil || k != PayAsClear {
		t.Errorf("unexpected %v %v", k, err)
	}
	if _, err := ParseKind("dutch"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
