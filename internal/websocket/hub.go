package websocket

import (
	"context"
	"encoding/json"
	"time"

	"bengkel/payments-service/internal/order"
)

type OrderUpdate struct {
	OrderID        string     `json:"order_id"`
	Status         string     `json:"status"`
	GatewayOrderID string     `json:"gateway_order_id,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func updateFrom(o order.Order) OrderUpdate {
	return OrderUpdate{
		OrderID:        o.ID,
		Status:         string(o.Status),
		GatewayOrderID: o.GatewayOrderID,
		CompletedAt:    o.CompletedAt,
	}
}

type Client struct {
	hub      *Hub
	conn     *Conn
	send     chan []byte
	orderID  string
	pongWait time.Duration
}

// Hub fans order updates out to the sockets watching each order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan OrderUpdate
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan OrderUpdate, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.remove(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[upd.OrderID] {
				select {
				case c.send <- msg:
				default:
					h.remove(c)
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

func (h *Hub) Broadcast(u OrderUpdate) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	default:
		go func() {
			select {
			case h.broadcast <- u:
			case <-h.done:
			}
		}()
	}
}

// OrderStatusChanged pushes a committed transition to connected clients.
func (h *Hub) OrderStatusChanged(o order.Order) {
	h.Broadcast(updateFrom(o))
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
