// Package settlement turns order requests into reservations, fills and
// ledger movements. It is the only component that writes orders and the
// only caller of the ledger on their behalf.
//
// Every ledger reference written here is derived from the order ID and fill
// sequence, so retrying any step after a crash or a lost race either applies
// nothing new or completes exactly the missing part.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/keylock"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/marketdata"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrValidation marks a malformed order request. Nothing is persisted.
	ErrValidation = errors.New("settlement: invalid order")

	ErrOrderNotFound  = errors.New("settlement: order not found")
	ErrDuplicateOrder = errors.New("settlement: order already exists")

	// errOverReservation means a fill would cost more than the share of the
	// reservation it may consume. The order stays open.
	errOverReservation = errors.New("settlement: fill exceeds reservation")
)

var hundred = decimal.NewFromInt(100)

// ValidationError describes the first problem found in an order request.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // underlying cause, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settlement: invalid order: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config holds the platform accounts and tunables of an Engine.
type Config struct {
	// FeeAccount is the user whose wallets receive trading fees.
	FeeAccount string

	// LiquidityAccount, when set, takes the other side of every fill so
	// per-currency totals are conserved inside the ledger.
	LiquidityAccount string

	// StopSlippagePercent pads the reservation of stop and take-profit buys
	// above their trigger price.
	StopSlippagePercent decimal.Decimal

	// PositionLimiter is optional.
	PositionLimiter *risk.PositionLimiter
}

// OrderRequest is the input of CreateOrder.
type OrderRequest struct {
	// ID is optional. Derived orders pass a deterministic ID so a retried
	// submission fails with ErrDuplicateOrder instead of trading twice.
	ID        string
	Pair      string
	Type      model.OrderType
	Side      model.Side
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
	StopPrice *decimal.Decimal
	Source    model.OrderSource
	SourceID  string
}

// Engine settles orders against the ledger.
type Engine struct {
	cfg    Config
	ledger ledger.Store
	orders store.Store
	// primary is orders without the read cache; exposure checks and
	// position updates read it.
	primary store.Store
	quotes  marketdata.Provider
	pairs  *pairs.Catalog
	sink   notify.Sink
	logger *slog.Logger

	users     *keylock.Map
	positions *keylock.Map
	now       func() time.Time
	newID     func() string
}

// New creates an Engine. sink and logger may be nil.
func New(cfg Config, lg ledger.Store, orders store.Store, quotes marketdata.Provider, catalog *pairs.Catalog, sink notify.Sink, logger *slog.Logger) (*Engine, error) {
	if cfg.FeeAccount == "" {
		return nil, errors.New("settlement: fee account is required")
	}
	if cfg.StopSlippagePercent.IsNegative() {
		return nil, errors.New("settlement: stop slippage must not be negative")
	}
	if lg == nil || orders == nil || quotes == nil || catalog == nil {
		return nil, errors.New("settlement: ledger, order store, quote provider and pair catalog are required")
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		ledger:    lg,
		orders:    orders,
		primary:   store.Uncached(orders),
		quotes:    quotes,
		pairs:     catalog,
		sink:      sink,
		logger:    logger.With("component", "settlement"),
		users:     keylock.New(),
		positions: keylock.New(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

// Pairs exposes the catalog the engine validates against.
func (e *Engine) Pairs() *pairs.Catalog { return e.pairs }

// validate checks a request against its pair. It never touches storage.
func (e *Engine) validate(userID string, req *OrderRequest) (model.Pair, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Pair{}, invalid("user_id", "required")
	}
	pair, err := e.pairs.Get(req.Pair)
	if err != nil {
		return model.Pair{}, &ValidationError{Field: "pair", Reason: err.Error(), Err: err}
	}
	req.Pair = pair.Symbol
	if !pair.Active {
		return pair, invalid("pair", "%s is not active", pair.Symbol)
	}
	if !req.Type.Valid() {
		return pair, invalid("type", "unknown order type %q", req.Type)
	}
	if !req.Side.Valid() {
		return pair, invalid("side", "unknown side %q", req.Side)
	}
	if req.Source == "" {
		req.Source = model.SourceManual
	}

	q := req.Quantity
	switch {
	case !q.IsPositive():
		return pair, invalid("quantity", "must be positive")
	case q.LessThan(pair.MinOrderSize):
		return pair, invalid("quantity", "%s below minimum %s", q, pair.MinOrderSize)
	case pair.MaxOrderSize.IsPositive() && q.GreaterThan(pair.MaxOrderSize):
		return pair, invalid("quantity", "%s above maximum %s", q, pair.MaxOrderSize)
	case !q.Equal(pairs.TruncateQuantity(pair, q)):
		return pair, invalid("quantity", "%s has more than %d decimals", q, pair.QuantityPrecision)
	}

	checkPrice := func(field string, p *decimal.Decimal) error {
		if p == nil {
			return nil
		}
		if !p.IsPositive() {
			return invalid(field, "must be positive")
		}
		if !p.Equal(p.Truncate(pair.PricePrecision)) {
			return invalid(field, "%s has more than %d decimals", p, pair.PricePrecision)
		}
		return nil
	}
	if err := checkPrice("price", req.Price); err != nil {
		return pair, err
	}
	if err := checkPrice("stop_price", req.StopPrice); err != nil {
		return pair, err
	}

	switch req.Type {
	case model.OrderTypeLimit:
		if req.Price == nil {
			return pair, invalid("price", "required for limit orders")
		}
	case model.OrderTypeStopLoss, model.OrderTypeTakeProfit:
		if req.StopPrice == nil {
			return pair, invalid("stop_price", "required for %s orders", req.Type)
		}
	}
	return pair, nil
}

// referencePrice is the per-unit price a reservation is sized on.
func (e *Engine) referencePrice(req OrderRequest, quote *model.Quote) decimal.Decimal {
	switch req.Type {
	case model.OrderTypeMarket:
		return quote.PriceFor(req.Side)
	case model.OrderTypeLimit:
		return *req.Price
	default:
		ref := *req.StopPrice
		if req.Side == model.SideBuy && e.cfg.StopSlippagePercent.IsPositive() {
			ref = ref.Mul(hundred.Add(e.cfg.StopSlippagePercent)).Div(hundred)
		}
		return ref
	}
}

// reservation returns the currency and amount an order must lock: quantity
// in base for sells, notional plus fee in quote for buys.
func reservation(pair model.Pair, side model.Side, qty, ref decimal.Decimal) (string, decimal.Decimal) {
	if side == model.SideSell {
		return pair.Base, qty
	}
	notional := qty.Mul(ref)
	return pair.Quote, notional.Add(pairs.Fee(pair, notional))
}

// CreateOrder validates, reserves and, for market orders, fills an order.
//
// Market orders fetch their quote before anything is reserved; if it is
// unavailable nothing is persisted and the error wraps
// marketdata.ErrQuoteUnavailable. When the reservation fails the rejected
// order is returned together with an error wrapping
// ledger.ErrInsufficientFunds.
func (e *Engine) CreateOrder(ctx context.Context, userID string, req OrderRequest) (*model.Order, error) {
	pair, err := e.validate(userID, &req)
	if err != nil {
		return nil, err
	}

	var quote *model.Quote
	if req.Type == model.OrderTypeMarket {
		q, err := e.quotes.GetQuote(ctx, pair.Symbol)
		if err != nil {
			metrics.QuoteFetchErrors.WithLabelValues("settlement").Inc()
			return nil, fmt.Errorf("market order on %s: %w", pair.Symbol, asQuoteUnavailable(err))
		}
		quote = &q
	}
	ref := e.referencePrice(req, quote)
	currency, amount := reservation(pair, req.Side, req.Quantity, ref)

	order, err := e.open(ctx, userID, req, pair, ref, currency, amount)
	if err != nil || order.Type != model.OrderTypeMarket {
		return order, err
	}
	return e.fillMarket(ctx, order.ID, pair)
}

// open persists the order and reserves its funds under the user's lock.
func (e *Engine) open(ctx context.Context, userID string, req OrderRequest, pair model.Pair, ref decimal.Decimal, currency string, amount decimal.Decimal) (*model.Order, error) {
	unlock, err := e.users.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if e.cfg.PositionLimiter != nil {
		if err := e.checkExposure(ctx, userID, req); err != nil {
			return nil, err
		}
	}

	now := e.now()
	id := req.ID
	if id == "" {
		id = e.newID()
	}
	o := &model.Order{
		ID:               id,
		UserID:           userID,
		Pair:             pair.Symbol,
		Type:             req.Type,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Price:            req.Price,
		StopPrice:        req.StopPrice,
		Status:           model.OrderStatusPending,
		Source:           req.Source,
		SourceID:         req.SourceID,
		ReservedCurrency: currency,
		ReservedAmount:   amount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Type == model.OrderTypeMarket {
		o.QuotedPrice = ref
	}
	if err := e.orders.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}

	_, err = e.ledger.Reserve(ctx, ledger.Posting{
		UserID:    userID,
		Currency:  currency,
		Amount:    amount,
		Reference: reserveRef(id),
		Notes:     fmt.Sprintf("%s %s %s %s", o.Type, o.Side, o.Quantity, o.Pair),
	})
	metrics.LedgerPostings.WithLabelValues(string(ledger.OpReserve)).Inc()
	if err != nil {
		return e.reject(ctx, o, err)
	}

	if err := o.Open(e.now()); err != nil {
		return nil, err
	}
	if err := e.orders.UpdateOrder(ctx, o); err != nil {
		// The reservation exists; Resume opens the order.
		return nil, fmt.Errorf("open order %s: %w", id, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Type), string(o.Side), string(o.Status)).Inc()
	e.logger.Info("order opened",
		"order_id", o.ID,
		"user_id", userID,
		"pair", o.Pair,
		"type", o.Type,
		"side", o.Side,
		"qty", o.Quantity.String(),
		"reserved", amount.String(),
		"currency", currency,
	)
	return o, nil
}

func (e *Engine) reject(ctx context.Context, o *model.Order, cause error) (*model.Order, error) {
	if err := o.Reject(cause.Error(), e.now()); err != nil {
		return nil, err
	}
	if err := e.orders.UpdateOrder(ctx, o); err != nil {
		e.logger.Error("failed to persist rejected order", "order_id", o.ID, "err", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Type), string(o.Side), string(o.Status)).Inc()
	if errors.Is(cause, ledger.ErrInsufficientFunds) {
		metrics.ReservationFailures.WithLabelValues(o.ReservedCurrency).Inc()
	}
	e.logger.Warn("order rejected", "order_id", o.ID, "user_id", o.UserID, "reason", cause)
	e.sink.Notify(notify.New(notify.KindOrderRejected, o.UserID, "Order rejected",
		fmt.Sprintf("%s %s %s: %s", strings.ToUpper(string(o.Side)), o.Quantity, o.Pair, cause),
		map[string]string{"order_id": o.ID}))
	return o, fmt.Errorf("order %s rejected: %w", o.ID, cause)
}

// checkExposure applies the position limiter to the order's base quantity.
func (e *Engine) checkExposure(ctx context.Context, userID string, req OrderRequest) error {
	positions, err := e.primary.ListPositions(ctx, userID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	delta := req.Quantity
	if req.Side == model.SideSell {
		delta = delta.Neg()
	}
	if err := e.cfg.PositionLimiter.CheckLimit(req.Pair, delta, risk.Exposures(positions)); err != nil {
		return &ValidationError{Field: "quantity", Reason: err.Error(), Err: err}
	}
	return nil
}

// fillMarket settles a freshly opened market order at its quoted price.
func (e *Engine) fillMarket(ctx context.Context, orderID string, pair model.Pair) (*model.Order, error) {
	unlock, err := e.orders.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, nil // cancelled between open and fill
	}
	if _, err := e.execute(ctx, o, pair, o.Remaining(), o.QuotedPrice); err != nil {
		return o, fmt.Errorf("settle market order %s: %w", o.ID, err)
	}
	return o, nil
}

// CancelOrder cancels an open or partially filled order and releases the
// unused part of its reservation. Orders of other users are reported as
// not found.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	unlock, err := e.orders.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || err == nil && o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if err := o.Cancel(e.now()); err != nil {
		return nil, err
	}
	if err := e.orders.UpdateOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.OrderConflicts.Inc()
		}
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if err := e.releaseRemainder(ctx, o); err != nil {
		// The order is cancelled; Resume retries the release.
		return o, err
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Type), string(o.Side), string(o.Status)).Inc()
	e.logger.Info("order cancelled",
		"order_id", o.ID,
		"user_id", userID,
		"filled", o.FilledQuantity.String(),
		"released", o.ReservationRemaining().String(),
	)
	e.sink.Notify(notify.New(notify.KindOrderCancelled, userID, "Order cancelled",
		fmt.Sprintf("%s %s %s cancelled, %s filled", strings.ToUpper(string(o.Side)), o.Quantity, o.Pair, o.FilledQuantity),
		map[string]string{"order_id": o.ID, "released": o.ReservationRemaining().String()}))
	return o, nil
}

// releaseRemainder returns the unused reservation of a cancelled order.
// A release already in the ledger counts as done.
func (e *Engine) releaseRemainder(ctx context.Context, o *model.Order) error {
	amount := o.ReservationRemaining()
	if !amount.IsPositive() {
		return nil
	}
	_, err := e.ledger.Release(ctx, ledger.Posting{
		UserID:    o.UserID,
		Currency:  o.ReservedCurrency,
		Amount:    amount,
		Reference: releaseRef(o.ID),
		Notes:     "cancel " + o.ID,
	})
	metrics.LedgerPostings.WithLabelValues(string(ledger.OpRelease)).Inc()
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		return fmt.Errorf("release reservation of %s: %w", o.ID, err)
	}
	return nil
}

// Deposit credits external funds. externalID identifies the payment and
// makes the deposit idempotent.
func (e *Engine) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, externalID string) (*model.Transaction, error) {
	if externalID == "" {
		externalID = e.newID()
	}
	tx, err := e.ledger.Credit(ctx, ledger.Posting{
		UserID:     userID,
		Currency:   currency,
		Amount:     amount,
		Type:       model.TxDeposit,
		Reference:  "deposit:" + externalID,
		ExternalID: externalID,
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerPostings.WithLabelValues(string(ledger.OpCredit)).Inc()
	e.logger.Info("deposit credited", "user_id", userID, "currency", tx.Currency, "amount", amount.String(), "external_id", externalID)
	e.sink.Notify(notify.New(notify.KindBalanceCredited, userID, "Deposit received",
		fmt.Sprintf("%s %s credited", amount, tx.Currency),
		map[string]string{"currency": tx.Currency, "amount": amount.String()}))
	return tx, nil
}

// Withdraw debits available funds. externalID makes it idempotent.
func (e *Engine) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, externalID string) (*model.Transaction, error) {
	if externalID == "" {
		externalID = e.newID()
	}
	tx, err := e.ledger.Debit(ctx, ledger.Posting{
		UserID:     userID,
		Currency:   currency,
		Amount:     amount,
		Type:       model.TxWithdrawal,
		Reference:  "withdrawal:" + externalID,
		ExternalID: externalID,
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerPostings.WithLabelValues(string(ledger.OpDebit)).Inc()
	e.logger.Info("withdrawal debited", "user_id", userID, "currency", tx.Currency, "amount", amount.String(), "external_id", externalID)
	return tx, nil
}

// --- Queries ---

// GetOrder returns an order owned by userID.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || err == nil && o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

// Order returns an order regardless of owner, for internal callers such
// as replication.
func (e *Engine) Order(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

func (e *Engine) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	return e.orders.ListOrders(ctx, f)
}

func (e *Engine) ListTrades(ctx context.Context, f store.TradeFilter) ([]model.Trade, error) {
	return e.orders.ListTrades(ctx, f)
}

func (e *Engine) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	return e.orders.ListPositions(ctx, userID)
}

// Wallet returns a user's balance in one currency.
func (e *Engine) Wallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return e.ledger.GetWallet(ctx, userID, currency)
}

func (e *Engine) Wallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	return e.ledger.ListWallets(ctx, userID)
}

// Quote returns the current quote for a pair.
func (e *Engine) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	q, err := e.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return model.Quote{}, asQuoteUnavailable(err)
	}
	return q, nil
}

func asQuoteUnavailable(err error) error {
	if errors.Is(err, marketdata.ErrQuoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", marketdata.ErrQuoteUnavailable, err)
}

// --- Ledger references ---

func reserveRef(orderID string) string { return "order:" + orderID + ":reserve" }

func releaseRef(orderID string) string { return "order:" + orderID + ":release" }

func fillRef(orderID string, seq int, leg string) string {
	return fmt.Sprintf("order:%s:fill:%d:%s", orderID, seq, leg)
}

func tradeID(orderID string, seq int) string { return fmt.Sprintf("%s-%d", orderID, seq) }
