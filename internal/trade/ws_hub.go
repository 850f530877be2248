package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients. Type is the
// journal entry kind that caused it.
type WSMessage struct {
	Type       string `json:"type"`
	EntryID    string `json:"entry_id"`
	Symbol     string `json:"symbol"`
	Market     string `json:"market"`
	Trader     string `json:"trader,omitempty"`
	MarkPrice  string `json:"mark_price"`
	IndexPrice string `json:"index_price,omitempty"`
	Base       string `json:"base,omitempty"`
	Quote      string `json:"quote,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// entryMessage renders a market journal entry. Callers hold mu.
func (s *Service) entryMessage(e *model.Entry) WSMessage {
	msg := WSMessage{
		Type:      string(e.Kind),
		EntryID:   e.ID,
		Symbol:    e.Symbol,
		Market:    e.Market.Hex(),
		MarkPrice: e.MarkPrice.String(),
		Timestamp: e.Timestamp.Unix(),
	}
	if e.Kind != model.EntryFunding {
		msg.Trader = e.Trader.Hex()
	}
	if m, err := s.ex.Market(e.Market); err == nil {
		msg.IndexPrice = fixed.ToDecimal(m.IndexPriceX96()).String()
	}
	if e.Base != nil {
		msg.Base = fromUnits(e.Base).String()
	}
	if e.Quote != nil {
		msg.Quote = fromUnits(e.Quote).String()
	}
	switch {
	case e.Kind == model.EntryFunding:
		msg.Amount = fixed.ToDecimal(e.Amount).String()
	case e.Amount != nil:
		msg.Amount = fromUnits(e.Amount).String()
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when markets change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the ledger.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
