package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Each order carries its own lock, so
// compare-and-set on one order never blocks writers of another.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*memEntry

	txMu         sync.Mutex
	transactions map[string][]Transaction
	gatewayTxIDs map[string]struct{}
	gatewayIDs   map[string]string

	now func() time.Time
}

type memEntry struct {
	mu    sync.Mutex
	order Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*memEntry),
		transactions: make(map[string][]Transaction),
		gatewayTxIDs: make(map[string]struct{}),
		gatewayIDs:   make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	if o.ID == "" {
		return errors.New("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicateOrderID
	}

	now := s.now()
	o.Status = StatusPending
	o.GatewayOrderID = ""
	o.CompletedAt = nil
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = &memEntry{order: *o}
	return nil
}

func (s *MemoryStore) entry(id string) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.orders[id]
	return e, ok
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.order
	return &o, nil
}

func (s *MemoryStore) snapshot() []Order {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.orders))
	for _, e := range s.orders {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.order)
		e.mu.Unlock()
	}
	return result
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Order, error) {
	var result []Order
	for _, o := range s.snapshot() {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Order, error) {
	var result []Order
	for _, o := range s.snapshot() {
		if o.Status == StatusPending && o.GatewayOrderID != "" && o.UpdatedAt.Before(olderThan) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if n := clampLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (s *MemoryStore) Transactions(_ context.Context, orderID string) ([]Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return append([]Transaction(nil), s.transactions[orderID]...), nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, change StatusChange) (*Order, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.order.Status != change.Expected {
		return nil, ErrConflict
	}
	if change.GatewayOrderID != "" && e.order.GatewayOrderID != "" && e.order.GatewayOrderID != change.GatewayOrderID {
		return nil, ErrConflict
	}

	// txMu guards only the cross-order indexes; a plain transition never
	// touches them.
	assignGatewayID := change.GatewayOrderID != "" && e.order.GatewayOrderID == ""
	if assignGatewayID || change.Settlement != nil {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}

	if assignGatewayID {
		if owner, taken := s.gatewayIDs[change.GatewayOrderID]; taken && owner != id {
			return nil, ErrConflict
		}
		s.gatewayIDs[change.GatewayOrderID] = id
		e.order.GatewayOrderID = change.GatewayOrderID
	}

	now := s.now()
	e.order.Status = change.Next
	e.order.UpdatedAt = now
	if change.Next == StatusCompleted {
		e.order.CompletedAt = &now
	}

	if t := change.Settlement; t != nil {
		s.addSettlement(e.order, *t, now)
	}

	o := e.order
	return &o, nil
}

func (s *MemoryStore) addSettlement(o Order, t Transaction, now time.Time) {
	if t.GatewayTransactionID != "" {
		if _, dup := s.gatewayTxIDs[t.GatewayTransactionID]; dup {
			return
		}
		s.gatewayTxIDs[t.GatewayTransactionID] = struct{}{}
	}
	t = t.normalize(&o, now)
	s.transactions[o.ID] = append(s.transactions[o.ID], t)
}
