package gateway

import (
	"strings"

	"bengkel/payments-service/internal/order"
)

// OrderStatus maps the gateway status vocabulary onto the local tri-state.
// Anything that is not a recognised outcome maps to StatusPending.
func OrderStatus(remote string) order.Status {
	switch strings.ToUpper(strings.TrimSpace(remote)) {
	case "COMPLETED", "SETTLED":
		return order.StatusCompleted
	case "FAILED", "EXPIRED":
		return order.StatusFailed
	default:
		return order.StatusPending
	}
}
