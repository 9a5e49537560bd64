package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"bengkel/payments-service/internal/gateway"
	"bengkel/payments-service/internal/order"
)

// Delivery is one inbound notification ready for Ingest.
type Delivery struct {
	ID         string
	OrderID    string
	EventType  string
	Status     string
	Payload    []byte
	Settlement *order.Transaction
}

type notification struct {
	OrderID       string              `json:"orderId"`
	OrderIDSnake  string              `json:"order_id"`
	Event         string              `json:"event"`
	EventType     string              `json:"eventType"`
	Status        string              `json:"status"`
	TransactionID string              `json:"transactionId"`
	Amount        *gateway.MinorUnits `json:"amount"`
	Fee           *gateway.MinorUnits `json:"fee"`
	NetAmount     *gateway.MinorUnits `json:"netAmount"`
	PaymentMethod string              `json:"paymentMethod"`
	OrderAmount   *notificationAmount `json:"orderAmount"`
}

type notificationAmount struct {
	Value gateway.MinorUnits `json:"value"`
}

// ParseDelivery decodes a gateway notification body. The payload must be a
// JSON object naming an order and carrying a status or event field.
func ParseDelivery(id string, raw []byte) (Delivery, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Delivery{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	d := Delivery{
		ID:        id,
		OrderID:   strings.TrimSpace(firstNonEmpty(n.OrderID, n.OrderIDSnake)),
		EventType: firstNonEmpty(n.Event, n.EventType),
		Status:    strings.ToUpper(strings.TrimSpace(n.Status)),
		Payload:   raw,
	}
	if d.OrderID == "" {
		return Delivery{}, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	if d.Status == "" && d.EventType == "" {
		return Delivery{}, fmt.Errorf("%w: missing status", ErrMalformedPayload)
	}

	if n.TransactionID != "" || n.Fee != nil || n.NetAmount != nil {
		t := &order.Transaction{
			GatewayTransactionID: n.TransactionID,
			Type:                 "payment",
			PaymentMethod:        n.PaymentMethod,
		}
		switch {
		case n.Amount != nil:
			t.Amount = int64(*n.Amount)
		case n.OrderAmount != nil:
			t.Amount = int64(n.OrderAmount.Value)
		}
		if n.Fee != nil {
			t.Fee = int64(*n.Fee)
		}
		if n.NetAmount != nil {
			t.NetAmount = int64(*n.NetAmount)
		}
		d.Settlement = t
	}
	return d, nil
}

// observedStatus maps the gateway vocabulary onto the local tri-state.
// The status field wins over the event name when both are present.
func (d Delivery) observedStatus() order.Status {
	if d.Status != "" {
		return gateway.OrderStatus(d.Status)
	}
	return gateway.OrderStatus(d.EventType)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
