package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bengkel/payments-service/pkg/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader is the read-only view of the order store.
type Reader interface {
	Get(ctx context.Context, id string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	Transactions(ctx context.Context, orderID string) ([]Transaction, error)
}

type Store interface {
	Reader
	Create(ctx context.Context, o *Order) error
	CompareAndSetStatus(ctx context.Context, id string, change StatusChange) (*Order, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Order, error)
}

const orderColumns = `
	id, user_id, COALESCE(user_email, ''), product_id, product_name,
	COALESCE(product_type, ''), amount, currency, status,
	COALESCE(gateway_order_id, ''), created_at, updated_at, completed_at,
	COALESCE(notes, '')`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	if o.ID == "" {
		return errors.New("order id is required")
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, user_email, product_id, product_name, product_type,
			amount, currency, status, created_at, updated_at, notes)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $10, NULLIF($11, ''))`,
		o.ID, o.UserID, o.UserEmail, o.ProductID, o.ProductName, o.ProductType,
		o.Amount, o.Currency, StatusPending, now, o.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("insert order: %w", err)
	}

	o.Status = StatusPending
	o.GatewayOrderID = ""
	o.CompletedAt = nil
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND gateway_order_id IS NOT NULL AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, StatusPending, olderThan, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *PostgresStore) Transactions(ctx context.Context, orderID string) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, COALESCE(gateway_transaction_id, ''), COALESCE(transaction_type, ''),
			status, amount, fee, net_amount, COALESCE(payment_method, ''), created_at, completed_at
		FROM transactions
		WHERE order_id = $1
		ORDER BY created_at`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.OrderID, &t.GatewayTransactionID, &t.Type, &t.Status,
			&t.Amount, &t.Fee, &t.NetAmount, &t.PaymentMethod, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CompareAndSetStatus applies change only while the stored status still equals
// change.Expected. The settlement row and the outbox event for a terminal
// transition are written in the same database transaction.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, change StatusChange) (*Order, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $3::text,
		    gateway_order_id = COALESCE(gateway_order_id, NULLIF($4::text, '')),
		    updated_at = $5,
		    completed_at = CASE WHEN $3::text = 'COMPLETED' THEN $5 ELSE completed_at END
		WHERE id = $1
		  AND status = $2::text
		  AND (NULLIF($4::text, '') IS NULL OR gateway_order_id IS NULL OR gateway_order_id = $4::text)
		RETURNING `+orderColumns,
		id, string(change.Expected), string(change.Next), change.GatewayOrderID, now,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missOrConflict(ctx, tx, id)
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if change.Settlement != nil {
		if err := insertSettlement(ctx, tx, o, *change.Settlement, now); err != nil {
			return nil, err
		}
	}

	if change.Next.Terminal() {
		if err := insertStatusEvent(ctx, tx, o); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func insertSettlement(ctx context.Context, tx pgx.Tx, o *Order, t Transaction, now time.Time) error {
	t = t.normalize(o, now)
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, order_id, gateway_transaction_id, transaction_type, status,
			amount, fee, net_amount, payment_method, created_at, completed_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, $10)
		ON CONFLICT (gateway_transaction_id) DO NOTHING`,
		t.ID, t.OrderID, t.GatewayTransactionID, t.Type, t.Status,
		t.Amount, t.Fee, t.NetAmount, t.PaymentMethod, now,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func insertStatusEvent(ctx context.Context, tx pgx.Tx, o *Order) error {
	event := contracts.OrderStatusChangedEvent{
		EventID:        uuid.NewString(),
		OrderID:        o.ID,
		UserID:         o.UserID,
		ProductID:      o.ProductID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		Status:         string(o.Status),
		GatewayOrderID: o.GatewayOrderID,
		ChangedAt:      o.UpdatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		event.EventID, contracts.EventOrderStatusChanged, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.UserEmail, &o.ProductID, &o.ProductName,
		&o.ProductType, &o.Amount, &o.Currency, &status, &o.GatewayOrderID,
		&o.CreatedAt, &o.UpdatedAt, &o.CompletedAt, &o.Notes)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
