package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mastertrade/core/internal/fabric"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer; the socket itself
		// accepts any origin.
		return true
	},
}

// whaleFilters is the per-client view of the whale stream.
type whaleFilters struct {
	MinAmountUSD float64
	Symbol       string
}

func (f whaleFilters) matches(p fabric.WhaleAlertPayload) bool {
	if p.AmountUSD < f.MinAmountUSD {
		return false
	}
	if f.Symbol != "" && f.Symbol != p.Symbol {
		return false
	}
	return true
}

// WhaleClient is one connected whale-alert subscriber.
type WhaleClient struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *WhaleHub
	mu      sync.Mutex
	filters whaleFilters
}

func (c *WhaleClient) getFilters() whaleFilters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

func (c *WhaleClient) setFilters(f whaleFilters) {
	c.mu.Lock()
	c.filters = f
	c.mu.Unlock()
}

// WhaleHub fans the whale-alert queue out to WebSocket clients, applying
// each client's filters.
type WhaleHub struct {
	mu      sync.RWMutex
	clients map[*WhaleClient]bool
	bus     *fabric.Fabric
	logger  zerolog.Logger
}

// NewWhaleHub builds the hub.
func NewWhaleHub(bus *fabric.Fabric, logger zerolog.Logger) *WhaleHub {
	return &WhaleHub{
		clients: make(map[*WhaleClient]bool),
		bus:     bus,
		logger:  logger.With().Str("component", "whale_ws").Logger(),
	}
}

// Run consumes the whale-alert queue until ctx ends.
func (h *WhaleHub) Run(ctx context.Context) {
	if err := h.bus.Consume(ctx, fabric.QueueWhaleAlerts, h.handleWhaleAlert); err != nil && ctx.Err() == nil {
		h.logger.Error().Err(err).Msg("whale alert consume stopped")
	}
}

// ClientCount returns the number of connected clients.
func (h *WhaleHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WhaleHub) register(c *WhaleClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *WhaleHub) unregister(c *WhaleClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// handleWhaleAlert pushes one transfer to every client whose filters
// match.
func (h *WhaleHub) handleWhaleAlert(ctx context.Context, env fabric.Envelope, routingKey string) error {
	var payload fabric.WhaleAlertPayload
	if err := env.Decode(&payload); err != nil {
		return fabric.ErrPoison
	}

	frame, err := json.Marshal(map[string]interface{}{
		"type":        "whale_alert",
		"symbol":      payload.Symbol,
		"amount_usd":  payload.AmountUSD,
		"direction":   payload.Direction,
		"tx_hash":     payload.TxHash,
		"detected_at": payload.DetectedAt,
	})
	if err != nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.getFilters().matches(payload) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow client; drop the frame rather than block the queue.
		}
	}
	return nil
}

// handleWhaleAlertsWS upgrades the connection and starts the pumps.
// Initial filters come from min_amount and symbol query parameters.
func (s *Server) handleWhaleAlertsWS(c *gin.Context) {
	if s.cfg.Server.JWTSecret != "" {
		if _, err := s.actorFromToken(c.Query("api_key")); err != nil {
			apiError(c, http.StatusUnauthorized, "unauthorized", "valid api_key is required")
			return
		}
	}

	filters := whaleFilters{Symbol: c.Query("symbol")}
	if raw := c.Query("min_amount"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			filters.MinAmountUSD = v
		}
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &WhaleClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		hub:     s.hub,
		filters: filters,
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// clientFrame is what subscribers may send: filter updates and pings.
type clientFrame struct {
	Type         string  `json:"type"`
	MinAmountUSD float64 `json:"min_amount,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
}

func (c *WhaleClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "update_filters":
			c.setFilters(whaleFilters{MinAmountUSD: frame.MinAmountUSD, Symbol: frame.Symbol})
		case "ping":
			select {
			case c.send <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

func (c *WhaleClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
