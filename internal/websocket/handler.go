package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bengkel/payments-service/internal/order"

	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// Clients only answer pings; anything larger is a misbehaving peer.
	maxMessageSize = 512
)

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	orders   order.Reader
	logger   *slog.Logger
	pongWait time.Duration
}

func NewHandler(hub *Hub, orders order.Reader, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger, pongWait: pongWait}
}

// ServeWS streams status updates for one order, starting with its current
// state.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderID")
	o, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load order for websocket", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	snapshot, err := json.Marshal(updateFrom(*o))
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(gw.TextMessage, snapshot); err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, 16),
		orderID:  orderID,
		pongWait: h.pongWait,
	}
	if !h.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(gw.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
