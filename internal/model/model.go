// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType selects how an order is priced and when it executes.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
		return true
	}
	return false
}

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderStatus is a state of the order lifecycle. See order.go for the
// permitted transitions.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OrderSource records who submitted an order.
type OrderSource string

const (
	SourceManual    OrderSource = "manual"
	SourceBot       OrderSource = "bot"
	SourceCopyTrade OrderSource = "copy_trade"
	SourceSignal    OrderSource = "signal"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxDeposit        TransactionType = "deposit"
	TxWithdrawal     TransactionType = "withdrawal"
	TxTrade          TransactionType = "trade"
	TxTransfer       TransactionType = "transfer"
	TxLoan           TransactionType = "loan"
	TxLoanRepayment  TransactionType = "loan_repayment"
	TxReferralBonus  TransactionType = "referral_bonus"
	TxSignalPurchase TransactionType = "signal_purchase"
	TxReserve        TransactionType = "reserve"
	TxRelease        TransactionType = "release"
)

// TransactionStatus is the processing state of a transaction.
type TransactionStatus string

const (
	TxStatusPending    TransactionStatus = "pending"
	TxStatusProcessing TransactionStatus = "processing"
	TxStatusCompleted  TransactionStatus = "completed"
	TxStatusFailed     TransactionStatus = "failed"
	TxStatusCancelled  TransactionStatus = "cancelled"
)

// Wallet holds one user's balance in one currency. Funds reserved by open
// orders sit in Locked until they are settled or released.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is available plus locked.
func (w Wallet) Total() decimal.Decimal { return w.Available.Add(w.Locked) }

// Transaction is an immutable ledger record. AvailableDelta and LockedDelta
// are the exact effect on the wallet; summing them over a wallet's history
// reproduces its balances.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Currency       string            `json:"currency" db:"currency"`
	Type           TransactionType   `json:"type" db:"type"`
	Status         TransactionStatus `json:"status" db:"status"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"` // signed: +inflow, -outflow
	Fee            decimal.Decimal   `json:"fee" db:"fee"`
	AvailableDelta decimal.Decimal   `json:"available_delta" db:"available_delta"`
	LockedDelta    decimal.Decimal   `json:"locked_delta" db:"locked_delta"`
	Reference      string            `json:"reference" db:"reference"`
	ExternalID     string            `json:"external_id,omitempty" db:"external_id"`
	Notes          string            `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// Pair is the metadata of a tradable BASE/QUOTE market.
type Pair struct {
	Symbol            string          `json:"symbol" mapstructure:"symbol"`
	Base              string          `json:"base" mapstructure:"base"`
	Quote             string          `json:"quote" mapstructure:"quote"`
	Active            bool            `json:"active" mapstructure:"active"`
	MinOrderSize      decimal.Decimal `json:"min_order_size" mapstructure:"min_order_size"`
	MaxOrderSize      decimal.Decimal `json:"max_order_size" mapstructure:"max_order_size"`
	PricePrecision    int32           `json:"price_precision" mapstructure:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision" mapstructure:"quantity_precision"`
	FeePercentage     decimal.Decimal `json:"fee_percentage" mapstructure:"fee_percentage"`
	AllowShortSelling bool            `json:"allow_short_selling" mapstructure:"allow_short_selling"`
}

// Trade is one immutable fill of an order.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Pair        string          `json:"pair" db:"pair"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is derived bookkeeping of a user's exposure in one pair. It is
// updated on each fill and is never used to authorize anything.
type Position struct {
	UserID        string           `json:"user_id" db:"user_id"`
	Pair          string           `json:"pair" db:"pair"`
	Side          PositionSide     `json:"side" db:"side"`
	Quantity      decimal.Decimal  `json:"quantity" db:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price" db:"entry_price"`
	CurrentPrice  decimal.Decimal  `json:"current_price" db:"current_price"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"`
	Leverage      decimal.Decimal  `json:"leverage" db:"leverage"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	OpenedAt      time.Time        `json:"opened_at" db:"opened_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Quote is the best bid/ask snapshot for a pair. Sizes are zero when the
// provider does not report depth.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceFor returns the side of the book an order of the given side trades
// against: the ask for buys and the bid for sells.
func (q Quote) PriceFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.Ask
	}
	return q.Bid
}

// SizeFor returns the quoted depth on the side an order trades against.
func (q Quote) SizeFor(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.AskSize
	}
	return q.BidSize
}

// Bar is one OHLCV candle.
type Bar struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}
