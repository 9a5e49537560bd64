package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

var (
	ErrDuplicateOrderID = errors.New("duplicate order id")
	ErrNotFound         = errors.New("order not found")
	ErrConflict         = errors.New("order status conflict")
)

type Order struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	UserEmail      string     `json:"user_email,omitempty"`
	ProductID      string     `json:"product_id"`
	ProductName    string     `json:"product_name"`
	ProductType    string     `json:"product_type,omitempty"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         Status     `json:"status"`
	GatewayOrderID string     `json:"gateway_order_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// Transaction is the gateway-side settlement record of a completed order.
type Transaction struct {
	ID                   string    `json:"id"`
	OrderID              string    `json:"order_id"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	Type                 string    `json:"transaction_type"`
	Status               string    `json:"status"`
	Amount               int64     `json:"amount"`
	Fee                  int64     `json:"fee"`
	NetAmount            int64     `json:"net_amount"`
	PaymentMethod        string    `json:"payment_method,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	CompletedAt          time.Time `json:"completed_at"`
}

func (t Transaction) normalize(o *Order, now time.Time) Transaction {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = string(StatusCompleted)
	}
	if t.Amount == 0 {
		t.Amount = o.Amount
	}
	if t.NetAmount == 0 {
		t.NetAmount = t.Amount - t.Fee
	}
	t.OrderID = o.ID
	t.CreatedAt = now
	t.CompletedAt = now
	return t
}

// StatusChange describes one conditional write applied by CompareAndSetStatus.
// Expected == Next == StatusPending only attaches GatewayOrderID.
type StatusChange struct {
	Expected       Status
	Next           Status
	GatewayOrderID string
	Settlement     *Transaction
}

func (c StatusChange) validate() error {
	if !c.Expected.Valid() || !c.Next.Valid() {
		return errors.New("invalid status")
	}
	if c.Expected.Terminal() {
		return ErrConflict
	}
	if c.Settlement != nil && c.Next != StatusCompleted {
		return errors.New("settlement requires completed status")
	}
	return nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
