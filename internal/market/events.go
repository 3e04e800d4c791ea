package market

import (
	"time"

	"github.com/atmx/energy-exchange/internal/model"
)

// EventType names a market notification.
type EventType string

const (
	EventOffer          EventType = "OFFER"
	EventOfferChanged   EventType = "OFFER_CHANGED"
	EventOfferDeleted   EventType = "OFFER_DELETED"
	EventBid            EventType = "BID"
	EventBidChanged     EventType = "BID_CHANGED"
	EventBidDeleted     EventType = "BID_DELETED"
	EventTrade          EventType = "TRADE"
	EventBidTraded      EventType = "BID_TRADED"
	EventBalancingOffer EventType = "BALANCING_OFFER"
	EventBalancingTrade EventType = "BALANCING_TRADE"
)

// Event carries the order or trade a notification is about.
//
// For *_CHANGED events Offer/Bid is the residual and OriginalOffer/
// OriginalBid the order it replaced.
type Event struct {
	Type          EventType    `json:"type"`
	MarketID      string       `json:"market_id"`
	TimeSlot      time.Time    `json:"time_slot"`
	Offer         *model.Offer `json:"offer,omitempty"`
	OriginalOffer *model.Offer `json:"original_offer,omitempty"`
	Bid           *model.Bid   `json:"bid,omitempty"`
	OriginalBid   *model.Bid   `json:"original_bid,omitempty"`
	Trade         *model.Trade `json:"trade,omitempty"`
}

// Listener receives market events. Listeners run synchronously on the
// goroutine that mutated the market, after the market lock is released,
// so they may call back into any market.
type Listener func(Event)
