// Package api provides the read-only HTTP handlers over a running
// simulation: the area tree, open and past market books, the archive and
// a websocket feed of market events.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/area"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/model"
	"github.com/atmx/energy-exchange/internal/simulation"
	"github.com/atmx/energy-exchange/internal/store"
)

// Source is the simulation state the handlers read.
type Source interface {
	Root() *area.Area
	Status() simulation.Status
}

// Service serves snapshots of the simulation and its archive.
type Service struct {
	src   Source
	store store.Store
}

// NewService creates a new API service.
func NewService(src Source, st store.Store) *Service {
	return &Service{src: src, store: st}
}

// --- Response types ---

// AreaView is one node of the area tree.
type AreaView struct {
	Name     string     `json:"name"`
	ID       string     `json:"id"`
	Strategy string     `json:"strategy,omitempty"`
	Markets  int        `json:"open_markets"`
	Children []AreaView `json:"children,omitempty"`
}

// MarketDetail is the full statistics view of one market.
type MarketDetail struct {
	model.MarketSummary
	ClearingRates []market.ClearingRecord               `json:"clearing_rates,omitempty"`
	TradedEnergy  map[string]decimal.Decimal            `json:"traded_energy"`
	IOUs          map[string]map[string]decimal.Decimal `json:"ious"`
}

// --- HTTP Handlers ---

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Status())
}

// ListAreas handles GET /api/v1/areas
// Returns the area tree.
func (s *Service) ListAreas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, view(s.src.Root()))
}

func view(a *area.Area) AreaView {
	v := AreaView{Name: a.Name, ID: a.ID, Markets: len(a.Markets())}
	if a.Strategy != nil {
		v.Strategy = string(a.Strategy.Kind())
	}
	for _, c := range a.Children {
		v.Children = append(v.Children, view(c))
	}
	return v
}

// ListMarkets handles GET /api/v1/areas/{area}/markets
// Returns the open markets, plus retained past markets with ?past=true.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	a, ok := s.area(w, r)
	if !ok {
		return
	}
	markets := a.Markets()
	if r.URL.Query().Get("past") == "true" {
		markets = append(a.PastMarkets(), markets...)
	}
	summaries := make([]model.MarketSummary, 0, len(markets))
	for _, m := range markets {
		summaries = append(summaries, summarize(a.Name, m))
	}
	writeJSON(w, summaries)
}

// GetMarket handles GET /api/v1/areas/{area}/markets/{slot}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	a, m, ok := s.market(w, r)
	if !ok {
		return
	}
	writeJSON(w, MarketDetail{
		MarketSummary: summarize(a.Name, m),
		ClearingRates: m.ClearingRates(),
		TradedEnergy:  m.TradedEnergyMap(),
		IOUs:          m.IOUs(),
	})
}

// GetOffers handles GET /api/v1/areas/{area}/markets/{slot}/offers
// Returns the open offers ascending by rate.
func (s *Service) GetOffers(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.market(w, r)
	if !ok {
		return
	}
	offers := m.SortedOffers()
	if offers == nil {
		offers = []*model.Offer{}
	}
	writeJSON(w, offers)
}

// GetBids handles GET /api/v1/areas/{area}/markets/{slot}/bids
// Returns the open bids descending by rate.
func (s *Service) GetBids(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.market(w, r)
	if !ok {
		return
	}
	bids := m.SortedBids()
	if bids == nil {
		bids = []*model.Bid{}
	}
	writeJSON(w, bids)
}

// GetTrades handles GET /api/v1/areas/{area}/markets/{slot}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.market(w, r)
	if !ok {
		return
	}
	trades := m.Trades()
	if trades == nil {
		trades = []*model.Trade{}
	}
	writeJSON(w, trades)
}

// GetHistory handles GET /api/v1/areas/{area}/history
// Returns the archived summaries of the area's past markets.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.area(w, r)
	if !ok {
		return
	}
	summaries, err := s.store.ListMarketSummaries(r.Context(), a.Name)
	if err != nil {
		writeError(w, "failed to load market history", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []model.MarketSummary{}
	}
	writeJSON(w, summaries)
}

// GetArchivedMarket handles GET /api/v1/archive/markets/{marketID}
func (s *Service) GetArchivedMarket(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.GetMarketSummary(r.Context(), chi.URLParam(r, "marketID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sum)
}

// GetParticipantTrades handles GET /api/v1/participants/{name}/trades
// Returns the archived trades where name was buyer or seller.
func (s *Service) GetParticipantTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByParticipant(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, trades)
}

// --- helpers ---

func (s *Service) area(w http.ResponseWriter, r *http.Request) (*area.Area, bool) {
	name := chi.URLParam(r, "area")
	a := s.src.Root().Find(name)
	if a == nil {
		writeError(w, "area not found: "+name, http.StatusNotFound)
		return nil, false
	}
	return a, true
}

func (s *Service) market(w http.ResponseWriter, r *http.Request) (*area.Area, *market.Market, bool) {
	a, ok := s.area(w, r)
	if !ok {
		return nil, nil, false
	}
	slot, err := time.Parse(time.RFC3339, chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, "slot must be an RFC3339 time", http.StatusBadRequest)
		return nil, nil, false
	}
	m, ok := a.Market(slot)
	if !ok {
		writeError(w, "no market for slot "+slot.Format(time.RFC3339), http.StatusNotFound)
		return nil, nil, false
	}
	return a, m, true
}

func summarize(areaName string, m *market.Market) model.MarketSummary {
	sum := m.Summary()
	sum.Area = areaName
	return sum
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
