package iaa

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/model"
)

// balancingSide places offers as an inter-area agent, which the device
// registry check does not apply to.
type balancingSide struct {
	*market.BalancingMarket
}

func (b balancingSide) Offer(price, energy decimal.Decimal, seller string) (*model.Offer, error) {
	return b.BalancingOffer(price, energy, seller, true)
}

// NewBalancing creates an agent between a child and a parent balancing
// market. Balancing markets are one-sided, so only offers are forwarded.
func NewBalancing(child string, lower, higher *market.BalancingMarket, cfg Config) *Agent {
	return New(child, balancingSide{lower}, balancingSide{higher}, cfg)
}
