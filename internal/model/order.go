package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidStateTransition is returned when an operation is not allowed
	// from the order's current status.
	ErrInvalidStateTransition = errors.New("order: invalid state transition")

	// ErrInvalidFill is returned for fills that are non-positive or would
	// exceed the order quantity.
	ErrInvalidFill = errors.New("order: invalid fill")
)

// ID prefixes of orders the engine derives itself. Client-chosen IDs must
// not use them.
const (
	CopyOrderIDPrefix = "copy-"
	BotOrderIDPrefix  = "bot-"
)

// ReservedOrderID reports whether id carries a derived-order prefix.
func ReservedOrderID(id string) bool {
	return strings.HasPrefix(id, CopyOrderIDPrefix) || strings.HasPrefix(id, BotOrderIDPrefix)
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// transitions lists every legal edge. Terminal statuses have none.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusOpen, OrderStatusRejected},
	OrderStatusOpen:            {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusOpen, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is a request to buy or sell Quantity of Pair. Status and
// FilledQuantity only change through the methods below.
type Order struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	Pair           string           `json:"pair" db:"pair"`
	Type           OrderType        `json:"type" db:"type"`
	Side           Side             `json:"side" db:"side"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty" db:"price"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty" db:"stop_price"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	AveragePrice   decimal.Decimal  `json:"average_price" db:"average_price"`
	Fee            decimal.Decimal  `json:"fee" db:"fee"`
	Status         OrderStatus      `json:"status" db:"status"`
	Source         OrderSource      `json:"source" db:"source"`
	SourceID       string           `json:"source_id,omitempty" db:"source_id"`

	// Reservation bookkeeping. ReservationUsed is the part of ReservedAmount
	// already consumed by fills (including refunded price improvement).
	ReservedCurrency string          `json:"reserved_currency" db:"reserved_currency"`
	ReservedAmount   decimal.Decimal `json:"reserved_amount" db:"reserved_amount"`
	ReservationUsed  decimal.Decimal `json:"reservation_used" db:"reservation_used"`
	QuotedPrice      decimal.Decimal `json:"quoted_price" db:"quoted_price"`
	Fills            int             `json:"fills" db:"fills"`

	RejectReason string     `json:"reject_reason,omitempty" db:"reject_reason"`
	Version      int64      `json:"version" db:"version"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ReservationRemaining is the part of the reservation still locked for this order.
func (o *Order) ReservationRemaining() decimal.Decimal {
	return o.ReservedAmount.Sub(o.ReservationUsed)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		c.StopPrice = &p
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

func (o *Order) transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Open marks a pending order as accepted once its funds are reserved.
func (o *Order) Open(now time.Time) error {
	return o.transition(OrderStatusOpen, now)
}

// Reject marks a pending order as rejected.
func (o *Order) Reject(reason string, now time.Time) error {
	if err := o.transition(OrderStatusRejected, now); err != nil {
		return err
	}
	o.RejectReason = reason
	return nil
}

// Cancel moves an open or partially filled order to cancelled.
func (o *Order) Cancel(now time.Time) error {
	return o.transition(OrderStatusCancelled, now)
}

// ApplyFill records an execution of qty at price. AveragePrice stays the
// quantity-weighted mean of all fills. The order is left untouched on error.
func (o *Order) ApplyFill(qty, price, fee decimal.Decimal, now time.Time) error {
	if !qty.IsPositive() || !price.IsPositive() || fee.IsNegative() {
		return fmt.Errorf("%w: qty=%s price=%s fee=%s", ErrInvalidFill, qty, price, fee)
	}
	filled := o.FilledQuantity.Add(qty)
	if filled.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: fill %s exceeds remaining %s", ErrInvalidFill, qty, o.Remaining())
	}

	next := OrderStatusPartiallyFilled
	if filled.Equal(o.Quantity) {
		next = OrderStatusFilled
	}
	if err := o.transition(next, now); err != nil {
		return err
	}

	notional := o.AveragePrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.AveragePrice = notional.Div(filled)
	o.FilledQuantity = filled
	o.Fee = o.Fee.Add(fee)
	o.Fills++
	if next == OrderStatusFilled {
		t := now
		o.ExecutedAt = &t
	}
	return nil
}
