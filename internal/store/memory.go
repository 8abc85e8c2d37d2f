package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/settlement-engine/internal/keylock"
	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*model.Order
	trades    []model.Trade
	tradeIDs  map[string]bool
	positions map[string]*model.Position

	locks *keylock.Map
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*model.Order),
		tradeIDs:  make(map[string]bool),
		positions: make(map[string]*model.Position),
		locks:     keylock.New(),
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
	}
	o.Version = 1
	// Store a copy to avoid external mutation.
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("%w: order %s at version %d, have %d", ErrConflict, o.ID, cur.Version, o.Version)
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if f.match(o) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LockOrder(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "order:"+id)
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tradeIDs[t.ID] {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	if _, ok := s.orders[t.OrderID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, t.OrderID)
	}
	s.tradeIDs[t.ID] = true
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if f.UserID != "" && t.UserID != f.UserID ||
			f.OrderID != "" && t.OrderID != f.OrderID ||
			!f.Since.IsZero() && t.ExecutedAt.Before(f.Since) {
			continue
		}
		if f.Source != "" || f.SourceID != "" {
			o := s.orders[t.OrderID]
			if f.Source != "" && o.Source != f.Source || f.SourceID != "" && o.SourceID != f.SourceID {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func positionKey(userID, pair string, side model.PositionSide) string {
	return fmt.Sprintf("position:%s:%s:%s", userID, pair, side)
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, pair string, side model.PositionSide) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, pair, side)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s %s %s", ErrNotFound, userID, pair, side)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(p.UserID, p.Pair, p.Side)
	if p.Quantity.IsZero() {
		delete(s.positions, key)
		return nil
	}
	copy := *p
	s.positions[key] = &copy
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out, nil
}
