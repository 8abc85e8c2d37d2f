package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOpenOrder(qty string) *Order {
	return &Order{
		ID:       "o-1",
		Quantity: d(qty),
		Status:   OrderStatusOpen,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusOpen, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusFilled, false},
		{OrderStatusOpen, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusPartiallyFilled, true},
		{OrderStatusOpen, OrderStatusCancelled, true},
		{OrderStatusOpen, OrderStatusRejected, false},
		{OrderStatusPartiallyFilled, OrderStatusOpen, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusOpen, false},
		{OrderStatusRejected, OrderStatusOpen, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	all := []OrderStatus{
		OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestApplyFill_PartialThenFull(t *testing.T) {
	now := time.Now()
	o := newOpenOrder("10")

	if err := o.ApplyFill(d("3"), d("100"), d("0.3"), now); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != OrderStatusPartiallyFilled {
		t.Errorf("status = %s, want partially_filled", o.Status)
	}
	if !o.Remaining().Equal(d("7")) {
		t.Errorf("remaining = %s, want 7", o.Remaining())
	}

	if err := o.ApplyFill(d("7"), d("110"), d("0.77"), now); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
	// (3*100 + 7*110) / 10 = 107
	if !o.AveragePrice.Equal(d("107")) {
		t.Errorf("average price = %s, want 107", o.AveragePrice)
	}
	if !o.Fee.Equal(d("1.07")) {
		t.Errorf("fee = %s, want 1.07", o.Fee)
	}
	if o.Fills != 2 {
		t.Errorf("fills = %d, want 2", o.Fills)
	}
	if o.ExecutedAt == nil {
		t.Error("executed_at not set on final fill")
	}
}

func TestApplyFill_Overfill(t *testing.T) {
	o := newOpenOrder("1")
	err := o.ApplyFill(d("1.5"), d("10"), decimal.Zero, time.Now())
	if !errors.Is(err, ErrInvalidFill) {
		t.Fatalf("expected ErrInvalidFill, got %v", err)
	}
	if !o.FilledQuantity.IsZero() || o.Status != OrderStatusOpen {
		t.Error("order mutated on rejected fill")
	}
}

func TestApplyFill_NonPositive(t *testing.T) {
	o := newOpenOrder("1")
	for _, q := range []string{"0", "-1"} {
		if err := o.ApplyFill(d(q), d("10"), decimal.Zero, time.Now()); !errors.Is(err, ErrInvalidFill) {
			t.Errorf("qty %s: expected ErrInvalidFill, got %v", q, err)
		}
	}
}

func TestApplyFill_TerminalOrder(t *testing.T) {
	o := newOpenOrder("1")
	o.Status = OrderStatusCancelled

	err := o.ApplyFill(d("1"), d("10"), decimal.Zero, time.Now())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != OrderStatusCancelled || te.To != OrderStatusFilled {
		t.Errorf("transition = %s->%s", te.From, te.To)
	}
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Error("TransitionError must unwrap to ErrInvalidStateTransition")
	}
	if !o.FilledQuantity.IsZero() {
		t.Error("filled quantity changed on a cancelled order")
	}
}

func TestFilledQuantityNeverDecreases(t *testing.T) {
	o := newOpenOrder("5")
	prev := o.FilledQuantity
	for _, q := range []string{"1", "0.5", "2", "1.5"} {
		if err := o.ApplyFill(d(q), d("20"), decimal.Zero, time.Now()); err != nil {
			t.Fatalf("fill %s: %v", q, err)
		}
		if o.FilledQuantity.LessThan(prev) {
			t.Fatalf("filled quantity decreased: %s -> %s", prev, o.FilledQuantity)
		}
		prev = o.FilledQuantity
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("status = %s, want filled", o.Status)
	}
}

func TestRejectAndCancel(t *testing.T) {
	now := time.Now()

	p := &Order{ID: "p", Status: OrderStatusPending}
	if err := p.Reject("insufficient funds", now); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != OrderStatusRejected || p.RejectReason == "" {
		t.Errorf("got status=%s reason=%q", p.Status, p.RejectReason)
	}
	if err := p.Open(now); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("open after reject: expected ErrInvalidStateTransition, got %v", err)
	}

	o := newOpenOrder("1")
	if err := o.Cancel(now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := o.Cancel(now); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double cancel: expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestClone_Independent(t *testing.T) {
	price := d("10")
	o := newOpenOrder("1")
	o.Price = &price

	c := o.Clone()
	*c.Price = d("99")
	if !o.Price.Equal(d("10")) {
		t.Error("clone shares price pointer with original")
	}
}
