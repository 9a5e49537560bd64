package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"bengkel/payments-service/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	changes []order.Order
}

func (l *recordingListener) OrderStatusChanged(o order.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, o)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes)
}

func setup(t *testing.T, ids ...string) (*Engine, *order.MemoryStore, *recordingListener) {
	t.Helper()
	store := order.NewMemoryStore()
	for _, id := range ids {
		require.NoError(t, store.Create(context.Background(), &order.Order{
			ID:          id,
			UserID:      "user-1",
			ProductID:   "doc_premium_1",
			ProductName: "Premium Document Access",
			Amount:      50000,
			Currency:    "IDR",
		}))
	}
	listener := &recordingListener{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, logger, listener), store, listener
}

func TestReconcile_AppliesTerminalStatus(t *testing.T) {
	ctx := context.Background()
	engine, store, listener := setup(t, "o1")

	out, err := engine.Reconcile(ctx, Observation{
		OrderID: "o1",
		Status:  order.StatusCompleted,
		Source:  SourceWebhook,
		Settlement: &order.Transaction{
			GatewayTransactionID: "tx-1",
			Fee:                  1000,
		},
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, order.StatusCompleted, out.Order.Status)
	assert.NotNil(t, out.Order.CompletedAt)
	assert.Equal(t, 1, listener.count())

	txs, err := store.Transactions(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(49000), txs[0].NetAmount)
}

func TestReconcile_CompletesWithoutSettlement(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setup(t, "o1")

	out, err := engine.Reconcile(ctx, Observation{OrderID: "o1", Status: order.StatusCompleted, Source: SourcePoll})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	txs, err := store.Transactions(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReconcile_FailedThenCompletedIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, store, listener := setup(t, "o2")

	out, err := engine.Reconcile(ctx, Observation{OrderID: "o2", Status: order.StatusFailed, Source: SourcePoll})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = engine.Reconcile(ctx, Observation{
		OrderID:    "o2",
		Status:     order.StatusCompleted,
		Source:     SourceWebhook,
		Settlement: &order.Transaction{GatewayTransactionID: "tx-late"},
	})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, order.StatusFailed, out.Order.Status)
	assert.Equal(t, 1, listener.count())

	got, err := store.Get(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, got.Status)
	txs, err := store.Transactions(ctx, "o2")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReconcile_PendingObservationIsNoop(t *testing.T) {
	engine, _, listener := setup(t, "o1")

	out, err := engine.Reconcile(context.Background(), Observation{OrderID: "o1", Status: order.StatusPending, Source: SourcePoll})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, order.StatusPending, out.Order.Status)
	assert.Zero(t, listener.count())
}

func TestReconcile_UnknownOrder(t *testing.T) {
	engine, _, _ := setup(t)

	_, err := engine.Reconcile(context.Background(), Observation{OrderID: "missing", Status: order.StatusCompleted, Source: SourceWebhook})
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestReconcile_ConcurrentObservationsApplyOnce(t *testing.T) {
	ctx := context.Background()
	engine, store, listener := setup(t, "o1")

	const workers = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		source := SourceWebhook
		if i%2 == 0 {
			source = SourcePoll
		}
		go func(source Source) {
			defer wg.Done()
			out, err := engine.Reconcile(ctx, Observation{
				OrderID:    "o1",
				Status:     order.StatusCompleted,
				Source:     source,
				Settlement: &order.Transaction{Fee: 500},
			})
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, order.StatusCompleted, out.Order.Status)
			if out.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(source)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, listener.count())
	txs, err := store.Transactions(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestReconcile_RacingOppositeObservations(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setup(t, "o1")

	var wg sync.WaitGroup
	for _, status := range []order.Status{order.StatusCompleted, order.StatusFailed} {
		wg.Add(1)
		go func(status order.Status) {
			defer wg.Done()
			_, err := engine.Reconcile(ctx, Observation{OrderID: "o1", Status: status, Source: SourceWebhook})
			assert.NoError(t, err)
		}(status)
	}
	wg.Wait()

	got, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())

	// whichever status won stays put
	_, err = engine.Reconcile(ctx, Observation{OrderID: "o1", Status: order.StatusPending, Source: SourcePoll})
	require.NoError(t, err)
	again, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, got.Status, again.Status)
}
