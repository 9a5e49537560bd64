package webhook

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusApplied  Status = "APPLIED"
	StatusIgnored  Status = "IGNORED"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrEventNotFound    = errors.New("webhook event not found")
)

// Event is one recorded delivery. ID is assigned by the receiver.
type Event struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	EventType   string     `json:"event_type"`
	Payload     string     `json:"payload"`
	Status      Status     `json:"status"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

type Store interface {
	// Record inserts e unless its ID is already known. It reports whether
	// the row was inserted.
	Record(ctx context.Context, e *Event) (bool, error)
	// Mark moves a RECEIVED event to a terminal status. Events that are
	// already terminal keep their status.
	Mark(ctx context.Context, id string, status Status) error
	Get(ctx context.Context, id string) (*Event, error)
}
