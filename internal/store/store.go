// Package store defines the persistence interface for orders, trades and
// positions. Implementations include PostgreSQL (source of truth) and
// in-memory (for testing). Wallet balances live in the ledger package.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: already exists")

	// ErrConflict is returned by UpdateOrder when the stored version no
	// longer matches: someone else changed the order first.
	ErrConflict = errors.New("store: version conflict")
)

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	UserID       string
	Statuses     []model.OrderStatus
	Types        []model.OrderType
	Sources      []model.OrderSource
	SourceID     string
	UpdatedSince time.Time
	Limit        int
}

// TradeFilter narrows ListTrades. Source and SourceID match the order that
// produced the trade.
type TradeFilter struct {
	UserID   string
	OrderID  string
	Source   model.OrderSource
	SourceID string
	Since    time.Time
}

// Store is the persistence interface for the settlement engine.
type Store interface {
	// --- Orders ---

	// CreateOrder persists a new order with Version 1.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrder writes o if the stored version equals o.Version, then
	// increments o.Version. Returns ErrConflict otherwise.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// ListOrders returns matching orders, oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// LockOrder serializes check-then-act sequences on one order across
	// goroutines (and processes, for shared backends).
	LockOrder(ctx context.Context, id string) (unlock func(), err error)

	// --- Immutable trades ---

	// InsertTrade appends a fill. Returns ErrDuplicate if the ID exists.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns matching trades, oldest first.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// --- Derived positions ---

	// GetPosition returns ErrNotFound when the user holds nothing.
	GetPosition(ctx context.Context, userID, pair string, side model.PositionSide) (*model.Position, error)

	// SavePosition upserts p, or deletes it when its quantity is zero.
	SavePosition(ctx context.Context, p *model.Position) error

	// ListPositions returns all open positions of a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)
}

func containsStatus(list []model.OrderStatus, s model.OrderStatus) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []model.OrderType, t model.OrderType) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSource(list []model.OrderSource, s model.OrderSource) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f OrderFilter) match(o *model.Order) bool {
	return (f.UserID == "" || o.UserID == f.UserID) &&
		containsStatus(f.Statuses, o.Status) &&
		containsType(f.Types, o.Type) &&
		containsSource(f.Sources, o.Source) &&
		(f.SourceID == "" || o.SourceID == f.SourceID) &&
		(f.UpdatedSince.IsZero() || !o.UpdatedAt.Before(f.UpdatedSince))
}
