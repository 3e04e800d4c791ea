package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/metrics"
	"github.com/atmx/energy-exchange/internal/model"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
)

// WSMessage is one market event on the live feed.
type WSMessage struct {
	Type     market.EventType `json:"type"`
	Area     string           `json:"area"`
	MarketID string           `json:"market_id"`
	TimeSlot time.Time        `json:"time_slot"`
	Offer    *model.Offer     `json:"offer,omitempty"`
	Bid      *model.Bid       `json:"bid,omitempty"`
	Trade    *model.Trade     `json:"trade,omitempty"`
}

// feedClient is one subscriber of the feed. An empty area follows the
// whole tree.
type feedClient struct {
	conn *websocket.Conn
	area string
}

func (c *feedClient) follows(area string) bool {
	return c.area == "" || c.area == area
}

type feedEvent struct {
	area string
	data []byte
}

// WSHub fans market events of the simulation out to websocket
// subscribers, optionally filtered by area. The simulation never blocks
// on a slow subscriber: events that do not fit the queue are dropped.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}

	events chan feedEvent
	join   chan *feedClient
	leave  chan *feedClient
	done   chan struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*feedClient]struct{}),
		events:  make(chan feedEvent, 256),
		join:    make(chan *feedClient),
		leave:   make(chan *feedClient),
		done:    make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is done, then disconnects every
// subscriber.
func (h *WSHub) Run(ctx context.Context) {
	defer metrics.WebSocketClients.Set(0)
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
			}
			h.clients = make(map[*feedClient]struct{})
			h.mu.Unlock()
			return
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			slog.Info("feed subscriber joined", "area", c.area, "total", h.ClientCount())
		case c := <-h.leave:
			h.drop(c)
		case ev := <-h.events:
			h.deliver(ev)
		}
		metrics.WebSocketClients.Set(float64(h.ClientCount()))
	}
}

func (h *WSHub) deliver(ev feedEvent) {
	h.mu.RLock()
	var failed []*feedClient
	for c := range h.clients {
		if !c.follows(ev.area) {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range failed {
		h.drop(c)
	}
}

func (h *WSHub) drop(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
}

// ClientCount returns the number of subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) subscribed(c *feedClient) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c]
	return ok
}

// Publish queues a market event of area for the feed. Deletions and the
// bid side of matched pairs are bookkeeping and stay off the feed.
func (h *WSHub) Publish(area string, ev market.Event) {
	switch ev.Type {
	case market.EventOfferDeleted, market.EventBidDeleted, market.EventBidTraded:
		return
	}
	data, err := json.Marshal(WSMessage{
		Type:     ev.Type,
		Area:     area,
		MarketID: ev.MarketID,
		TimeSlot: ev.TimeSlot,
		Offer:    ev.Offer,
		Bid:      ev.Bid,
		Trade:    ev.Trade,
	})
	if err != nil {
		slog.Warn("feed event not encoded", "area", area, "type", ev.Type, "err", err)
		return
	}
	select {
	case h.events <- feedEvent{area: area, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws[?area=name] to a feed subscription.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &feedClient{conn: conn, area: r.URL.Query().Get("area")}

	select {
	case h.join <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.readLoop(c)
	go h.pingLoop(c)
}

// readLoop discards client frames; a read error means the client left.
func (h *WSHub) readLoop(c *feedClient) {
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !h.subscribed(c) {
			return
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
			return
		}
	}
}
