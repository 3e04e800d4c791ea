// Package registry holds the device registry: the devices allowed to take
// part in balancing markets and the rates they offer balancing energy at.
//
// The registry is a value owned by the simulation root and handed to every
// balancing market at construction time. It is immutable after New, so it
// is safe for concurrent readers.
package registry

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownDevice is returned when a device has no registry entry.
var ErrUnknownDevice = errors.New("registry: device not registered")

// Rates are the balancing rates of one device.
type Rates struct {
	// Demand is the rate for demand-side (negative energy) balancing offers.
	Demand decimal.Decimal `yaml:"demand" json:"demand"`
	// Supply is the rate for supply-side (positive energy) balancing offers.
	Supply decimal.Decimal `yaml:"supply" json:"supply"`
}

// Registry maps device names to balancing rates.
type Registry struct {
	devices map[string]Rates
}

// New copies devices into a registry. A nil map yields an empty registry
// that rejects every device.
func New(devices map[string]Rates) *Registry {
	r := &Registry{devices: make(map[string]Rates, len(devices))}
	for name, rates := range devices {
		r.devices[name] = rates
	}
	return r
}

// Contains reports whether name is a registered device.
func (r *Registry) Contains(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.devices[name]
	return ok
}

// Rates returns the balancing rates of a device.
func (r *Registry) Rates(name string) (Rates, error) {
	if r == nil {
		return Rates{}, ErrUnknownDevice
	}
	rates, ok := r.devices[name]
	if !ok {
		return Rates{}, ErrUnknownDevice
	}
	return rates, nil
}

// OfferPrice prices a balancing offer of energy kWh for a device: supply
// (positive energy) at the supply rate, demand (negative) at the demand
// rate. The price is never negative.
func (r *Registry) OfferPrice(name string, energy decimal.Decimal) (decimal.Decimal, error) {
	rates, err := r.Rates(name)
	if err != nil {
		return decimal.Zero, err
	}
	rate := rates.Supply
	if energy.IsNegative() {
		rate = rates.Demand
	}
	return energy.Abs().Mul(rate), nil
}

// Names returns the registered device names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.devices))
	for name := range r.devices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.devices)
}
