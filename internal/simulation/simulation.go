// Package simulation drives an area tree through simulated time: one
// market cycle per slot followed by ticks_per_slot ticks, archiving every
// market that rotates into the past.
package simulation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/energy-exchange/internal/area"
	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/metrics"
	"github.com/atmx/energy-exchange/internal/model"
	"github.com/atmx/energy-exchange/internal/registry"
	"github.com/atmx/energy-exchange/internal/store"
)

// Publisher receives every market event of the tree, e.g. a websocket hub.
type Publisher interface {
	Publish(area string, ev market.Event)
}

// Status is the position of the simulation clock.
type Status struct {
	Now   time.Time `json:"now"`
	Slot  int       `json:"slot"`
	Tick  int       `json:"tick"`
	Slots int       `json:"slots"`
	Done  bool      `json:"done"`
}

// Simulation owns the area tree and the simulated clock.
type Simulation struct {
	cfg      config.SimulationConfig
	root     *area.Area
	registry *registry.Registry
	store    store.Store

	mu     sync.RWMutex
	status Status
}

// New builds the area tree of cfg. st and pub may be nil.
func New(cfg *config.Config, st store.Store, pub Publisher) (*Simulation, error) {
	s := &Simulation{
		cfg:      cfg.Simulation,
		registry: registry.New(cfg.DeviceRegistry),
		store:    st,
	}
	s.status = Status{
		Now:   cfg.Simulation.Start,
		Slots: int(cfg.Simulation.Duration / cfg.Simulation.SlotLength),
	}

	settings, err := area.NewSettings(cfg.Simulation, s.registry)
	if err != nil {
		return nil, err
	}
	settings.Clock = s.Now

	root, err := area.Build(cfg.Grid, settings)
	if err != nil {
		return nil, err
	}
	s.root = root
	if st != nil {
		root.SetArchive(s.archive)
	}
	if pub != nil {
		root.Subscribe(pub.Publish)
	}
	return s, nil
}

// Root returns the root area.
func (s *Simulation) Root() *area.Area { return s.root }

// Registry returns the device registry shared by the tree.
func (s *Simulation) Registry() *registry.Registry { return s.registry }

// Now returns the simulated time.
func (s *Simulation) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Now
}

// Status returns the clock position.
func (s *Simulation) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Simulation) set(now time.Time, slot, tick int) {
	s.mu.Lock()
	s.status.Now, s.status.Slot, s.status.Tick = now, slot, tick
	s.mu.Unlock()
}

// Run advances the simulation to its end. Ticks are paced by the
// configured tick interval; with none the simulation runs as fast as
// possible. Run stops between ticks when ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	var pace <-chan time.Time
	if s.cfg.TickInterval > 0 {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		pace = ticker.C
	}

	tickLen := s.cfg.TickLength()
	slots := s.status.Slots
	slog.Info("simulation started", "start", s.cfg.Start, "slots", slots, "ticks_per_slot", s.cfg.TicksPerSlot)

	for i := 0; i < slots; i++ {
		slot := s.cfg.Start.Add(time.Duration(i) * s.cfg.SlotLength)
		s.set(slot, i, 0)
		s.root.CycleMarkets(slot)

		for t := 0; t < s.cfg.TicksPerSlot; t++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			now := slot.Add(time.Duration(t) * tickLen)
			s.set(now, i, t)

			start := time.Now()
			s.root.Tick(now, t)
			metrics.TickDuration.Observe(time.Since(start).Seconds())

			if pace != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-pace:
				}
			}
		}
		slog.Debug("slot finished", "slot", slot)
	}

	end := s.cfg.Start.Add(time.Duration(slots) * s.cfg.SlotLength)
	s.set(end, slots, 0)
	s.root.Finish(end)

	s.mu.Lock()
	s.status.Done = true
	s.mu.Unlock()
	slog.Info("simulation finished", "end", end)
	return nil
}

// archive stores the summary and trades of a market moving to past.
func (s *Simulation) archive(areaName string, m *market.Market) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum := m.Summary()
	sum.Area = areaName
	if err := s.store.SaveMarketSummary(ctx, &sum); err != nil {
		slog.Warn("archive market summary failed", "area", areaName, "slot", m.TimeSlot(), "err", err)
		return
	}

	trades := m.Trades()
	if len(trades) == 0 {
		return
	}
	records := make([]model.TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = model.NewTradeRecord(areaName, m.TimeSlot(), t)
	}
	if err := s.store.InsertTrades(ctx, records); err != nil {
		slog.Warn("archive trades failed", "area", areaName, "slot", m.TimeSlot(), "err", err)
	}
}
