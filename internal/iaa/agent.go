// Package iaa implements inter-area agents: the engines that link a child
// area's market (lower) to its parent's market (higher) for one time slot.
//
// An agent forwards orders it has not placed itself in both directions,
// adding the transfer fee, and reconciles trades: a trade of a forwarded
// copy is replayed onto the original, a trade or deletion of the original
// retires the copy. Engines hold order ids only and tolerate orders that
// vanished in the meantime.
package iaa

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/market"
)

var hundred = decimal.NewFromInt(100)

// Config holds the forwarding parameters of an agent.
type Config struct {
	// TransferFeePct is added to forwarded prices, in percent.
	TransferFeePct decimal.Decimal
	// MinOfferAge is the number of ticks an order must have been seen
	// before it is forwarded.
	MinOfferAge int
}

// Agent links one child market to its parent market.
type Agent struct {
	name        string
	lower       Market
	higher      Market
	feeFactor   decimal.Decimal
	minOfferAge int
	ticks       int
	engines     []*engine
}

// Name returns the agent name for a child area.
func Name(child string) string { return "IAA " + child }

// New creates an agent for child linking lower (the child's market) and
// higher (the parent's market) and subscribes it to both. Bid engines
// exist only when both markets are two-sided.
func New(child string, lower, higher Market, cfg Config) *Agent {
	a := &Agent{
		name:        Name(child),
		lower:       lower,
		higher:      higher,
		feeFactor:   decimal.NewFromInt(1).Add(cfg.TransferFeePct.Div(hundred)),
		minOfferAge: cfg.MinOfferAge,
	}
	a.engines = append(a.engines,
		newEngine(a, offerSide, "up", lower, higher),
		newEngine(a, offerSide, "down", higher, lower),
	)
	if lower.Kind().TwoSided() && higher.Kind().TwoSided() {
		a.engines = append(a.engines,
			newEngine(a, bidSide, "up", lower, higher),
			newEngine(a, bidSide, "down", higher, lower),
		)
	}
	lower.Subscribe(a.handle)
	higher.Subscribe(a.handle)
	return a
}

func (a *Agent) Name() string     { return a.name }
func (a *Agent) Lower() Market    { return a.lower }
func (a *Agent) Higher() Market   { return a.higher }
func (a *Agent) EngineCount() int { return len(a.engines) }

// Tick runs one forwarding pass over every engine.
func (a *Agent) Tick() {
	a.ticks++
	for _, e := range a.engines {
		e.tick(a.ticks)
	}
}

// Forwarded returns the number of live forwarded pairs.
func (a *Agent) Forwarded() int {
	n := 0
	for _, e := range a.engines {
		n += len(e.forwarded) / 2
	}
	return n
}

func (a *Agent) handle(ev market.Event) {
	for _, e := range a.engines {
		e.handle(ev)
	}
}

func (a *Agent) markup(price decimal.Decimal) decimal.Decimal {
	return price.Mul(a.feeFactor)
}

func (a *Agent) markdown(rate decimal.Decimal) decimal.Decimal {
	return rate.Div(a.feeFactor)
}
