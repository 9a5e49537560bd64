package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Record(ctx context.Context, e *Event) (bool, error) {
	e.Status = StatusReceived
	e.ReceivedAt = time.Now().UTC()
	e.ProcessedAt = nil

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payment_webhooks (id, order_id, event_type, payload, status, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.OrderID, e.EventType, e.Payload, e.Status, e.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Mark(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_webhooks
		SET status = $2, processed_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, status, StatusReceived,
	)
	if err != nil {
		return fmt.Errorf("mark webhook: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payment_webhooks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check webhook: %w", err)
	}
	if !exists {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(order_id, ''), COALESCE(event_type, ''), payload, status, created_at, processed_at
		FROM payment_webhooks
		WHERE id = $1`, id,
	).Scan(&e.ID, &e.OrderID, &e.EventType, &e.Payload, &status, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}

type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

func (s *MemoryStore) Record(_ context.Context, e *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return false, nil
	}
	e.Status = StatusReceived
	e.ReceivedAt = time.Now().UTC()
	e.ProcessedAt = nil
	s.events[e.ID] = *e
	return true, nil
}

func (s *MemoryStore) Mark(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if e.Status != StatusReceived {
		return nil
	}
	now := time.Now().UTC()
	e.Status = status
	e.ProcessedAt = &now
	s.events[id] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &e, nil
}
