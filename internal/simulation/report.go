package simulation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/area"
)

// AreaReport aggregates the archived markets of one area.
type AreaReport struct {
	Area    string          `json:"area"`
	Markets int             `json:"markets"`
	Trades  int             `json:"trades"`
	Energy  decimal.Decimal `json:"energy_kwh"`
	Price   decimal.Decimal `json:"price"`
	AvgRate decimal.Decimal `json:"avg_rate"`
}

// Report summarizes the archive per market-owning area, parents first.
// It is empty when the simulation has no store.
func (s *Simulation) Report(ctx context.Context) ([]AreaReport, error) {
	if s.store == nil {
		return nil, nil
	}
	var (
		reports []AreaReport
		err     error
	)
	s.root.Walk(func(a *area.Area) {
		if err != nil || a.IsLeaf() {
			return
		}
		sums, e := s.store.ListMarketSummaries(ctx, a.Name)
		if e != nil {
			err = e
			return
		}
		r := AreaReport{Area: a.Name, Markets: len(sums)}
		for _, m := range sums {
			r.Trades += m.TradeCount
			r.Energy = r.Energy.Add(m.AccumulatedTradeEnergy)
			r.Price = r.Price.Add(m.AccumulatedTradePrice)
		}
		if r.Energy.IsPositive() {
			r.AvgRate = r.Price.Div(r.Energy).Round(4)
		}
		reports = append(reports, r)
	})
	return reports, err
}
