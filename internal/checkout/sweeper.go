package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"bengkel/payments-service/internal/order"
	"bengkel/payments-service/pkg/contracts"

	"github.com/google/uuid"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// Sweeper periodically queues verification for registered orders that have
// stayed PENDING longer than staleAfter, covering webhooks that never arrive.
type Sweeper struct {
	orders     order.Store
	publisher  Publisher
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewSweeper(orders order.Store, publisher Publisher, interval, staleAfter time.Duration, batch int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		orders:     orders,
		publisher:  publisher,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batch,
		logger:     logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("pending order sweep failed", "err", err)
			continue
		}
		if n > 0 {
			s.logger.Info("queued stale orders for verification", "count", n)
		}
	}
}

// Sweep enqueues one verify command per stale order and returns how many
// were queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	orders, err := s.orders.ListStalePending(ctx, time.Now().UTC().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, o := range orders {
		cmd := contracts.VerifyOrderCommand{
			CommandID:   uuid.NewString(),
			OrderID:     o.ID,
			RequestedAt: time.Now().UTC(),
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			return queued, fmt.Errorf("marshal verify command: %w", err)
		}
		if err := s.publisher.Publish(ctx, contracts.CommandVerifyOrder, payload); err != nil {
			return queued, fmt.Errorf("publish verify command for %s: %w", o.ID, err)
		}
		queued++
	}
	return queued, nil
}
