package area

import (
	"sort"
	"sync"
	"time"

	"github.com/atmx/energy-exchange/internal/metrics"
)

// Rotatable is a market that can be frozen and emptied.
type Rotatable interface {
	Close()
	Purge()
}

// Rotator keeps the open and past markets of one market family, keyed by
// time slot. A slot moves from open to past exactly once; a slot that is
// or was past can never be reopened.
type Rotator[M Rotatable] struct {
	mu        sync.RWMutex
	family    string
	retention time.Duration
	keepPast  bool
	open      map[time.Time]M
	past      map[time.Time]M

	// OnPast runs for every market moved to past, after the rotator lock
	// is released and before any purge of that market.
	OnPast func(slot time.Time, m M)
}

// NewRotator creates a rotator. Past markets older than retention are
// purged unless keepPast is set.
func NewRotator[M Rotatable](family string, retention time.Duration, keepPast bool) *Rotator[M] {
	return &Rotator[M]{
		family:    family,
		retention: retention,
		keepPast:  keepPast,
		open:      make(map[time.Time]M),
		past:      make(map[time.Time]M),
	}
}

// Add opens a market for slot. It reports false if the slot is already
// open or has been rotated.
func (r *Rotator[M]) Add(slot time.Time, m M) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[slot]; ok {
		return false
	}
	if _, ok := r.past[slot]; ok {
		return false
	}
	r.open[slot] = m
	metrics.ActiveMarkets.Inc()
	return true
}

// Rotate moves every open market with a slot before current to past and
// purges past markets that fell out of the retention window. It returns
// the rotated slots in ascending order. Rotating twice with the same
// current is the same as rotating once.
func (r *Rotator[M]) Rotate(current time.Time) []time.Time {
	r.mu.Lock()
	var rotated []time.Time
	for slot, m := range r.open {
		if !slot.Before(current) {
			continue
		}
		m.Close()
		delete(r.open, slot)
		r.past[slot] = m
		rotated = append(rotated, slot)
	}
	sortSlots(rotated)
	moved := make([]M, len(rotated))
	for i, slot := range rotated {
		moved[i] = r.past[slot]
	}
	metrics.ActiveMarkets.Sub(float64(len(rotated)))
	metrics.MarketRotations.WithLabelValues(r.family).Add(float64(len(rotated)))
	r.mu.Unlock()

	if r.OnPast != nil {
		for i, slot := range rotated {
			r.OnPast(slot, moved[i])
		}
	}
	r.purge(current)
	return rotated
}

func (r *Rotator[M]) purge(current time.Time) {
	if r.keepPast {
		return
	}
	cutoff := current.Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for slot, m := range r.past {
		if slot.Before(cutoff) {
			m.Purge()
			delete(r.past, slot)
			metrics.MarketsPurged.WithLabelValues(r.family).Inc()
		}
	}
}

// Get returns the open market of slot.
func (r *Rotator[M]) Get(slot time.Time) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.open[slot]
	return m, ok
}

// GetPast returns the past market of slot.
func (r *Rotator[M]) GetPast(slot time.Time) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.past[slot]
	return m, ok
}

// Open returns the open markets ascending by slot.
func (r *Rotator[M]) Open() []M {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return inOrder(r.open)
}

// Past returns the past markets ascending by slot.
func (r *Rotator[M]) Past() []M {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return inOrder(r.past)
}

// OpenSlots returns the open slots ascending.
func (r *Rotator[M]) OpenSlots() []time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.open)
}

// PastSlots returns the past slots ascending.
func (r *Rotator[M]) PastSlots() []time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.past)
}

func keys[M any](m map[time.Time]M) []time.Time {
	out := make([]time.Time, 0, len(m))
	for slot := range m {
		out = append(out, slot)
	}
	sortSlots(out)
	return out
}

func inOrder[M any](m map[time.Time]M) []M {
	slots := keys(m)
	out := make([]M, len(slots))
	for i, slot := range slots {
		out[i] = m[slot]
	}
	return out
}

func sortSlots(s []time.Time) {
	sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
}

// SettlementRotator keeps settlement markets writable for a horizon
// after their slot ended, then closes and purges them together.
type SettlementRotator[M Rotatable] struct {
	*Rotator[M]
	horizon time.Duration
}

// NewSettlementRotator creates a settlement rotator with a horizon in
// hours.
func NewSettlementRotator[M Rotatable](horizonHours int, keepPast bool) *SettlementRotator[M] {
	return &SettlementRotator[M]{
		Rotator: NewRotator[M]("settlement", 0, keepPast),
		horizon: time.Duration(horizonHours) * time.Hour,
	}
}

// Horizon returns how long a settlement market stays open after its slot.
func (r *SettlementRotator[M]) Horizon() time.Duration { return r.horizon }

// Rotate closes and purges settlement markets whose slot is more than the
// horizon before current.
func (r *SettlementRotator[M]) Rotate(current time.Time) []time.Time {
	return r.Rotator.Rotate(current.Add(-r.horizon))
}
