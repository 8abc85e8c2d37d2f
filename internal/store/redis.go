package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache of
// each user's position list. Position writes go to the primary store and
// invalidate the cached list. Orders, trades and single-position reads
// used by settlement always hit the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.Store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// Uncached returns the store behind a CachedStore, or s itself. Reads that
// gate money movement go here; the cache only serves the API.
func Uncached(s Store) Store {
	if c, ok := s.(*CachedStore); ok {
		return c.Store
	}
	return s
}
