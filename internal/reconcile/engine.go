package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bengkel/payments-service/internal/metrics"
	"bengkel/payments-service/internal/order"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// Observation is one report of an order's gateway-side status.
type Observation struct {
	OrderID    string
	Status     order.Status
	Source     Source
	Settlement *order.Transaction
}

type Outcome struct {
	Order   *order.Order
	Applied bool
}

// Listener is notified after a terminal transition has been committed.
type Listener interface {
	OrderStatusChanged(o order.Order)
}

// Engine is the only writer of terminal order status.
type Engine struct {
	orders    order.Store
	listeners []Listener
	logger    *slog.Logger
}

func NewEngine(orders order.Store, logger *slog.Logger, listeners ...Listener) *Engine {
	return &Engine{
		orders:    orders,
		listeners: listeners,
		logger:    logger,
	}
}

// Reconcile moves a PENDING order to the observed terminal status. Stale and
// duplicate observations, including losing a concurrent race, succeed
// without changing anything.
func (e *Engine) Reconcile(ctx context.Context, obs Observation) (*Outcome, error) {
	current, err := e.orders.Get(ctx, obs.OrderID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues(string(obs.Source), "error").Inc()
		return nil, fmt.Errorf("load order %s: %w", obs.OrderID, err)
	}

	if current.Status.Terminal() {
		if obs.Status.Terminal() && obs.Status != current.Status {
			e.logger.Warn("stale observation ignored",
				"order_id", obs.OrderID,
				"current", current.Status,
				"observed", obs.Status,
				"source", obs.Source,
			)
		}
		metrics.Reconciliations.WithLabelValues(string(obs.Source), "noop").Inc()
		return &Outcome{Order: current}, nil
	}
	if !obs.Status.Terminal() {
		metrics.Reconciliations.WithLabelValues(string(obs.Source), "pending").Inc()
		return &Outcome{Order: current}, nil
	}

	change := order.StatusChange{
		Expected: order.StatusPending,
		Next:     obs.Status,
	}
	if obs.Status == order.StatusCompleted {
		change.Settlement = obs.Settlement
	}

	updated, err := e.orders.CompareAndSetStatus(ctx, obs.OrderID, change)
	if errors.Is(err, order.ErrConflict) {
		metrics.Reconciliations.WithLabelValues(string(obs.Source), "conflict").Inc()
		latest, getErr := e.orders.Get(ctx, obs.OrderID)
		if getErr != nil {
			return nil, fmt.Errorf("reload order %s: %w", obs.OrderID, getErr)
		}
		return &Outcome{Order: latest}, nil
	}
	if err != nil {
		metrics.Reconciliations.WithLabelValues(string(obs.Source), "error").Inc()
		return nil, fmt.Errorf("apply %s to order %s: %w", obs.Status, obs.OrderID, err)
	}

	metrics.Reconciliations.WithLabelValues(string(obs.Source), "applied").Inc()
	e.logger.Info("order reconciled",
		"order_id", updated.ID,
		"status", updated.Status,
		"source", obs.Source,
	)
	for _, l := range e.listeners {
		l.OrderStatusChanged(*updated)
	}
	return &Outcome{Order: updated, Applied: true}, nil
}
