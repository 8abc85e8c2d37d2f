// Package trade provides the HTTP handlers for placing and cancelling
// orders and for querying wallets, orders and portfolios. Every mutation
// goes through the settlement engine.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/marketdata"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// Engine is the settlement surface the handlers use.
type Engine interface {
	CreateOrder(ctx context.Context, userID string, req settlement.OrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	ListTrades(ctx context.Context, f store.TradeFilter) ([]model.Trade, error)
	Positions(ctx context.Context, userID string) ([]model.Position, error)
	Wallets(ctx context.Context, userID string) ([]model.Wallet, error)
	Quote(ctx context.Context, symbol string) (model.Quote, error)
	Pairs() *pairs.Catalog
}

// Service handles order and portfolio requests.
type Service struct {
	engine Engine
	logger *slog.Logger
}

// NewService creates a new trade service.
func NewService(engine Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, logger: logger}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/pairs", s.ListPairs)
	r.Get("/quotes/{base}/{quote}", s.GetQuote)
	r.Post("/orders", s.CreateOrder)
	r.Get("/users/{userID}/orders", s.ListOrders)
	r.Get("/users/{userID}/orders/{orderID}", s.GetOrder)
	r.Post("/users/{userID}/orders/{orderID}/cancel", s.CancelOrder)
	r.Get("/users/{userID}/trades", s.ListTrades)
	r.Get("/users/{userID}/wallets", s.ListWallets)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	ID        string           `json:"id,omitempty"` // optional client order id
	UserID    string           `json:"user_id"`
	Pair      string           `json:"pair"`
	Type      model.OrderType  `json:"type"`
	Side      model.Side       `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StopPrice *decimal.Decimal `json:"stop_price,omitempty"`
}

// OrderResponse carries the order, and the reason when it was rejected.
type OrderResponse struct {
	Order *model.Order `json:"order"`
	Error string       `json:"error,omitempty"`
}

// Portfolio is a user's balances and marked positions.
type Portfolio struct {
	UserID        string           `json:"user_id"`
	Wallets       []model.Wallet   `json:"wallets"`
	Positions     []model.Position `json:"positions"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`

	// ExposureByPair is the signed net quantity per pair, as seen by the
	// position limiter.
	ExposureByPair map[string]decimal.Decimal `json:"exposure_by_pair"`
}

// --- HTTP Handlers ---

// ListPairs handles GET /api/v1/pairs
func (s *Service) ListPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pairs().List())
}

// GetQuote handles GET /api/v1/quotes/{base}/{quote}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	if _, err := s.engine.Pairs().Get(symbol); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	q, err := s.engine.Quote(r.Context(), symbol)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// CreateOrder handles POST /api/v1/orders
// A rejected order is returned with its reason alongside the error status.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if model.ReservedOrderID(req.ID) {
		writeError(w, "order id prefix is reserved", http.StatusBadRequest)
		return
	}

	order, err := s.engine.CreateOrder(r.Context(), req.UserID, settlement.OrderRequest{
		ID:        req.ID,
		Pair:      req.Pair,
		Type:      req.Type,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Source:    model.SourceManual,
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("order creation failed", "user_id", req.UserID, "pair", req.Pair, "err", err)
		}
		if order == nil {
			writeError(w, err.Error(), status)
			return
		}
		writeJSON(w, status, OrderResponse{Order: order, Error: err.Error()})
		return
	}

	s.logger.Info("order accepted",
		"order_id", order.ID,
		"user", order.UserID,
		"pair", order.Pair,
		"type", order.Type,
		"side", order.Side,
		"qty", order.Quantity.String(),
		"status", order.Status,
	)
	writeJSON(w, http.StatusCreated, OrderResponse{Order: order})
}

// GetOrder handles GET /api/v1/users/{userID}/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles POST /api/v1/users/{userID}/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/v1/users/{userID}/orders
// Optional ?status= (repeatable) and ?limit= narrow the result.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	f := store.OrderFilter{UserID: chi.URLParam(r, "userID")}
	for _, st := range r.URL.Query()["status"] {
		f.Statuses = append(f.Statuses, model.OrderStatus(st))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	orders, err := s.engine.ListOrders(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.ListTrades(r.Context(), store.TradeFilter{
		UserID:  chi.URLParam(r, "userID"),
		OrderID: r.URL.Query().Get("order_id"),
	})
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListWallets handles GET /api/v1/users/{userID}/wallets
func (s *Service) ListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.engine.Wallets(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load wallets", http.StatusInternalServerError)
		return
	}
	if wallets == nil {
		wallets = []model.Wallet{}
	}
	writeJSON(w, http.StatusOK, wallets)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Positions are marked at the current quote; a position whose quote is
// unavailable keeps its last fill mark.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	wallets, err := s.engine.Wallets(ctx, userID)
	if err != nil {
		writeError(w, "failed to load wallets", http.StatusInternalServerError)
		return
	}
	positions, err := s.engine.Positions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	p := Portfolio{
		UserID:         userID,
		Wallets:        wallets,
		Positions:      positions,
		UnrealizedPnL:  decimal.Zero,
		RealizedPnL:    decimal.Zero,
		ExposureByPair: risk.Exposures(positions),
	}
	if p.Wallets == nil {
		p.Wallets = []model.Wallet{}
	}
	if p.Positions == nil {
		p.Positions = []model.Position{}
	}
	for i := range p.Positions {
		pos := &p.Positions[i]
		if q, err := s.engine.Quote(ctx, pos.Pair); err == nil {
			markPosition(pos, q)
		}
		p.UnrealizedPnL = p.UnrealizedPnL.Add(pos.UnrealizedPnL)
		p.RealizedPnL = p.RealizedPnL.Add(pos.RealizedPnL)
	}
	writeJSON(w, http.StatusOK, p)
}

// markPosition values a long at the bid and a short at the ask, the
// prices it could be closed at.
func markPosition(pos *model.Position, q model.Quote) {
	if pos.Side == model.PositionShort {
		pos.CurrentPrice = q.Ask
		pos.UnrealizedPnL = pos.EntryPrice.Sub(q.Ask).Mul(pos.Quantity)
		return
	}
	pos.CurrentPrice = q.Bid
	pos.UnrealizedPnL = q.Bid.Sub(pos.EntryPrice).Mul(pos.Quantity)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	// Limit breaches are wrapped in validation errors, so test them first.
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, risk.ErrPositionLimitExceeded),
		errors.Is(err, risk.ErrCorrelatedLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrOrderNotFound), errors.Is(err, pairs.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrDuplicateOrder),
		errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, marketdata.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
