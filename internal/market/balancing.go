package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/model"
)

// DeviceRegistry answers whether a seller may place balancing offers.
type DeviceRegistry interface {
	Contains(name string) bool
}

// BalancingMarket is a one-sided market for up/down balancing energy.
// Positive energy is supply, negative energy is demand. Only devices of
// the registry (or inter-area agents) may offer.
type BalancingMarket struct {
	*Market
	registry DeviceRegistry

	// guarded by Market.mu
	supplyPrice  decimal.Decimal
	supplyEnergy decimal.Decimal
	demandPrice  decimal.Decimal
	demandEnergy decimal.Decimal
}

// NewBalancing creates a balancing market. A nil registry rejects every
// non-agent seller.
func NewBalancing(timeSlot time.Time, registry DeviceRegistry) *BalancingMarket {
	b := &BalancingMarket{
		Market:   New(Balancing, timeSlot),
		registry: registry,
	}
	b.balancing = true
	b.offerEvent = EventBalancingOffer
	b.tradeEvent = EventBalancingTrade
	b.onTrade = b.trackBalancing
	return b
}

// Offer places a balancing offer on behalf of a registered device.
func (b *BalancingMarket) Offer(price, energy decimal.Decimal, seller string) (*model.Offer, error) {
	return b.BalancingOffer(price, energy, seller, false)
}

// BalancingOffer places a balancing offer. fromAgent bypasses the device
// registry check for inter-area agents forwarding offers.
func (b *BalancingMarket) BalancingOffer(price, energy decimal.Decimal, seller string, fromAgent bool) (*model.Offer, error) {
	if !fromAgent && (b.registry == nil || !b.registry.Contains(seller)) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotInRegistry, seller)
	}
	return b.Market.Offer(price, energy, seller)
}

func (b *BalancingMarket) trackBalancing(t *model.Trade) {
	energy := t.Energy()
	if energy.IsPositive() {
		b.supplyPrice = b.supplyPrice.Add(t.Price())
		b.supplyEnergy = b.supplyEnergy.Add(energy)
		return
	}
	b.demandPrice = b.demandPrice.Add(t.Price())
	b.demandEnergy = b.demandEnergy.Add(energy.Abs())
}

// AccumulatedSupplyTrade returns total price and energy of supply trades.
func (b *BalancingMarket) AccumulatedSupplyTrade() (price, energy decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supplyPrice, b.supplyEnergy
}

// AccumulatedDemandTrade returns total price and absolute energy of
// demand trades.
func (b *BalancingMarket) AccumulatedDemandTrade() (price, energy decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.demandPrice, b.demandEnergy
}

// AvgSupplyBalancingTradeRate is 0 when no supply energy was traded.
func (b *BalancingMarket) AvgSupplyBalancingTradeRate() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.supplyEnergy.IsZero() {
		return decimal.Zero
	}
	return b.supplyPrice.Div(b.supplyEnergy)
}

// AvgDemandBalancingTradeRate is 0 when no demand energy was traded.
func (b *BalancingMarket) AvgDemandBalancingTradeRate() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.demandEnergy.IsZero() {
		return decimal.Zero
	}
	return b.demandPrice.Div(b.demandEnergy)
}

// Purge also resets the balancing accumulators.
func (b *BalancingMarket) Purge() {
	b.Market.Purge()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supplyPrice, b.supplyEnergy = decimal.Zero, decimal.Zero
	b.demandPrice, b.demandEnergy = decimal.Zero, decimal.Zero
}
