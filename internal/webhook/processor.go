package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bengkel/payments-service/internal/metrics"
	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/internal/reconcile"
)

type Reconciler interface {
	Reconcile(ctx context.Context, obs reconcile.Observation) (*reconcile.Outcome, error)
}

// Result describes what Ingest did with a delivery. Duplicate and
// UnknownOrder deliveries are still successes.
type Result struct {
	Status       Status
	Duplicate    bool
	UnknownOrder bool
	Order        *order.Order
}

type Processor struct {
	events     Store
	orders     order.Reader
	reconciler Reconciler
	logger     *slog.Logger
}

func NewProcessor(events Store, orders order.Reader, reconciler Reconciler, logger *slog.Logger) *Processor {
	return &Processor{
		events:     events,
		orders:     orders,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Ingest records a delivery exactly once and applies it. A delivery ID that
// was already recorded returns immediately without side effects.
func (p *Processor) Ingest(ctx context.Context, d Delivery) (*Result, error) {
	if d.ID == "" {
		return nil, errors.New("delivery id is required")
	}
	if d.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}

	inserted, err := p.events.Record(ctx, &Event{
		ID:        d.ID,
		OrderID:   d.OrderID,
		EventType: d.EventType,
		Payload:   string(d.Payload),
	})
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return nil, err
	}
	if !inserted {
		metrics.WebhookDeliveries.WithLabelValues("duplicate").Inc()
		p.logger.Info("duplicate webhook delivery", "delivery_id", d.ID, "order_id", d.OrderID)
		return &Result{Status: StatusIgnored, Duplicate: true}, nil
	}

	current, err := p.orders.Get(ctx, d.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		p.logger.Warn("webhook for unknown order", "delivery_id", d.ID, "order_id", d.OrderID)
		return p.finish(ctx, d.ID, &Result{Status: StatusIgnored, UnknownOrder: true})
	}
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return nil, err
	}

	observed := d.observedStatus()
	if !observed.Terminal() {
		p.logger.Info("webhook status not actionable",
			"delivery_id", d.ID,
			"order_id", d.OrderID,
			"status", d.Status,
			"event", d.EventType,
		)
		return p.finish(ctx, d.ID, &Result{Status: StatusIgnored, Order: current})
	}

	out, err := p.reconciler.Reconcile(ctx, reconcile.Observation{
		OrderID:    d.OrderID,
		Status:     observed,
		Source:     reconcile.SourceWebhook,
		Settlement: d.Settlement,
	})
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reconcile delivery %s: %w", d.ID, err)
	}
	return p.finish(ctx, d.ID, &Result{Status: StatusApplied, Order: out.Order})
}

func (p *Processor) finish(ctx context.Context, id string, res *Result) (*Result, error) {
	if err := p.events.Mark(ctx, id, res.Status); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("mark delivery %s: %w", id, err)
	}
	metrics.WebhookDeliveries.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

// Event returns the recorded delivery.
func (p *Processor) Event(ctx context.Context, id string) (*Event, error) {
	return p.events.Get(ctx, id)
}
