package order

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound indicates an unknown order ID.
	ErrNotFound = errors.New("order not found")
	// ErrExists indicates an insert for an ID already persisted.
	ErrExists = errors.New("order already exists")
	// ErrVersionConflict indicates the expected version no longer matches;
	// the caller raced another transition or applied a stale event.
	ErrVersionConflict = errors.New("order version conflict")
)

// Store persists the order aggregate. Update succeeds only when the persisted
// version equals expectedVersion, making every transition an atomic
// compare-and-swap.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order, expectedVersion int64) error
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (s *MemoryStore) Insert(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrExists
	}
	s.orders[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, o *Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.orders[o.ID] = o.clone()
	return nil
}
