package contracts

import "time"

const (
	EventOrderStatusChanged = "orders.status_changed"
	CommandVerifyOrder      = "orders.verify"
)

// OrderStatusChangedEvent is published once per terminal transition.
type OrderStatusChangedEvent struct {
	EventID        string    `json:"event_id"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id"`
	ProductID      string    `json:"product_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	GatewayOrderID string    `json:"gateway_order_id,omitempty"`
	ChangedAt      time.Time `json:"changed_at"`
}

// VerifyOrderCommand asks a worker to poll the gateway for one order.
type VerifyOrderCommand struct {
	CommandID   string    `json:"command_id"`
	OrderID     string    `json:"order_id"`
	RequestedAt time.Time `json:"requested_at"`
}
