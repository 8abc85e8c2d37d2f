package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestCachedStore_PositionsInvalidatedOnSave(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)

	p := &model.Position{UserID: "u1", Pair: "BTC/USD", Side: model.PositionLong, Quantity: d("0.5"), EntryPrice: d("20000")}
	require.NoError(t, s.SavePosition(ctx, p))

	list, err := s.ListPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, mr.Exists(positionsKey("u1")))

	// A write behind the cache's back is not seen until the key expires.
	other := &model.Position{UserID: "u1", Pair: "ETH/USD", Side: model.PositionLong, Quantity: d("2"), EntryPrice: d("1500")}
	require.NoError(t, primary.SavePosition(ctx, other))
	list, _ = s.ListPositions(ctx, "u1")
	assert.Len(t, list, 1)

	// Writes through the cache invalidate it.
	p.Quantity = d("0.7")
	require.NoError(t, s.SavePosition(ctx, p))
	assert.False(t, mr.Exists(positionsKey("u1")))
	list, err = s.ListPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCachedStore_PassesThroughOrders(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	seedOrder(t, s, "o1", "u1", model.OrderStatusOpen, time.Now())

	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "u1", o.UserID)
	assert.Empty(t, mr.Keys())
}
