// WebSocket hub for real-time mark price and funding broadcasts.

package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/metrics"
)

// WebSocket message types.
const (
	MsgMarketListed   = "market_listed"
	MsgTradeExecuted  = "trade_executed"
	MsgOracleUpdated  = "oracle_updated"
	MsgFundingUpdated = "funding_updated"
)

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients. Fixed-point values
// are raw integer strings at their usual precision.
type WSMessage struct {
	Type                  string `json:"type"`
	MarketIndex           uint64 `json:"market_index"`
	Market                string `json:"market"`
	MarkPrice             string `json:"mark_price,omitempty"`
	OraclePrice           string `json:"oracle_price,omitempty"`
	Direction             string `json:"direction,omitempty"`
	BaseAssetAmount       string `json:"base_asset_amount,omitempty"`
	FundingRate           string `json:"funding_rate,omitempty"`
	CumulativeFundingRate string `json:"cumulative_funding_rate,omitempty"`
}

// wsSubscriber is one connection and the market it follows. An empty market
// follows every market.
type wsSubscriber struct {
	conn   *websocket.Conn
	market string
}

func (s *wsSubscriber) wants(msg WSMessage) bool {
	return s.market == "" || s.market == msg.Market || s.market == strconv.FormatUint(msg.MarketIndex, 10)
}

// WSHub fans market events out to WebSocket subscribers. Connect to
// /api/v1/ws?market=LUNA-PERP (or ?market=1) to follow a single market.
type WSHub struct {
	mu   sync.RWMutex
	subs map[*websocket.Conn]*wsSubscriber

	events chan WSMessage
	join   chan *wsSubscriber
	leave  chan *websocket.Conn
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		subs:   make(map[*websocket.Conn]*wsSubscriber),
		events: make(chan WSMessage, 256),
		join:   make(chan *wsSubscriber),
		leave:  make(chan *websocket.Conn),
		done:   make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is done, then closes every
// connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
			}
			h.subs = make(map[*websocket.Conn]*wsSubscriber)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub.conn] = sub
			h.mu.Unlock()
			slog.Info("ws client connected", "market", sub.market, "total", h.count())

		case conn := <-h.leave:
			h.drop(conn)

		case msg := <-h.events:
			h.fanOut(msg)
		}
		metrics.WebSocketClients.Set(float64(h.count()))
	}
}

func (h *WSHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		conn.Close()
	}
}

// fanOut writes msg to every interested subscriber, dropping those whose
// write fails.
func (h *WSHub) fanOut(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "type", msg.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, sub := range h.subs {
		if !sub.wants(msg) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.subs, conn)
		}
	}
}

// Broadcast queues msg for delivery. It never blocks: when the queue is full
// the message is dropped. A nil hub drops everything.
func (h *WSHub) Broadcast(msg WSMessage) {
	if h == nil {
		return
	}
	select {
	case h.events <- msg:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?market=
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &wsSubscriber{conn: conn, market: r.URL.Query().Get("market")}
	select {
	case h.join <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingPump(conn)
}

// readPump discards client frames and unsubscribes on disconnect.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.leave <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingPump keeps the connection alive through proxies until it is dropped.
func (h *WSHub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.subs[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}
