// Package persistence specifies the trade/analytics database boundary
// consumed by the engine: save/get orders and positions by
// (source, bartime). It ships the interface plus an InMemoryStore test
// double and a pgx/v5-backed PostgresStore.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/position"
)

// Store is the persistence boundary: order and position snapshots keyed
// by a source name and a bartime.
type Store interface {
	SaveOrders(ctx context.Context, source string, ts time.Time, orders []*order.Order) error
	GetOrders(ctx context.Context, source string, ts time.Time) ([]map[string]any, error)
	SavePositions(ctx context.Context, source string, ts time.Time, positions []position.Position) error
	GetPositions(ctx context.Context, source string, ts time.Time) ([]position.Position, error)
}

type snapshotKey struct {
	source string
	ts     int64
}

// InMemoryStore is a Store test double: an in-memory fallback behind the
// same interface as the Postgres-backed store.
type InMemoryStore struct {
	mu        sync.RWMutex
	orders    map[snapshotKey][]map[string]any
	positions map[snapshotKey][]position.Position
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:    make(map[snapshotKey][]map[string]any),
		positions: make(map[snapshotKey][]position.Position),
	}
}

func key(source string, ts time.Time) snapshotKey {
	return snapshotKey{source: source, ts: ts.UTC().UnixNano()}
}

func (s *InMemoryStore) SaveOrders(_ context.Context, source string, ts time.Time, orders []*order.Order) error {
	dicts := make([]map[string]any, len(orders))
	for i, o := range orders {
		dicts[i] = o.ToDict()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[key(source, ts)] = dicts
	return nil
}

func (s *InMemoryStore) GetOrders(_ context.Context, source string, ts time.Time) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[key(source, ts)], nil
}

func (s *InMemoryStore) SavePositions(_ context.Context, source string, ts time.Time, positions []position.Position) error {
	cp := make([]position.Position, len(positions))
	copy(cp, positions)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[key(source, ts)] = cp
	return nil
}

func (s *InMemoryStore) GetPositions(_ context.Context, source string, ts time.Time) ([]position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[key(source, ts)], nil
}
