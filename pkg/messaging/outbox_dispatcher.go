package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxConfig struct {
	Table       string
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
}

// OutboxDispatcher relays rows committed to an outbox table to a Publisher.
// Each row is published at least once; rows that keep failing are parked
// with status 'failed' after MaxAttempts.
type OutboxDispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	cfg       OutboxConfig
	logger    *slog.Logger
}

type outboxRow struct {
	ID        int64
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

func NewOutboxDispatcher(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *slog.Logger) *OutboxDispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &OutboxDispatcher{
		pool:      pool,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed", "table", d.cfg.Table, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch publishes one batch and returns how many rows were sent.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) (int, error) {
	rows, err := d.lease(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		if err := d.publishOne(ctx, row); err != nil {
			d.logger.Warn("publish event failed",
				"table", d.cfg.Table,
				"event_id", row.EventID,
				"event_type", row.EventType,
				"attempts", row.Attempts+1,
				"err", err,
			)
			continue
		}
		sent++
	}
	return sent, nil
}

// lease claims a batch by pushing next_retry past the lease window, so a
// crashed dispatcher's rows become visible again once it expires.
func (d *OutboxDispatcher) lease(ctx context.Context) ([]outboxRow, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT id, event_id, event_type, payload, attempts
		FROM %s
		WHERE status IN ('pending', 'processing') AND next_retry <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, d.cfg.Table), d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (outboxRow, error) {
		var row outboxRow
		err := r.Scan(&row.ID, &row.EventID, &row.EventType, &row.Payload, &row.Attempts)
		return row, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i, row := range items {
		ids[i] = row.ID
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', next_retry = $2, updated_at = NOW()
		WHERE id = ANY($1)`, d.cfg.Table), ids, time.Now().Add(d.cfg.Lease)); err != nil {
		return nil, fmt.Errorf("lease outbox rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, row outboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, row.EventType, row.Payload); err != nil {
		return d.markFailure(ctx, row, err)
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1`, d.cfg.Table), row.ID)
	return err
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, row outboxRow, publishErr error) error {
	attempts := row.Attempts + 1
	status := "pending"
	if attempts >= d.cfg.MaxAttempts {
		status = "failed"
	}
	_, err := d.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
		    attempts = $3,
		    next_retry = $4,
		    updated_at = NOW()
		WHERE id = $1`, d.cfg.Table), row.ID, status, attempts, time.Now().Add(retryDelay(attempts)))
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	return publishErr
}

// retryDelay doubles from one second and caps at one minute.
func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		attempts = 6
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
