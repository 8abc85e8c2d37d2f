package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/store"
)

// Fill legs. Each becomes one transaction with reference
// order:<id>:fill:<seq>:<leg>.
const (
	legDebit    = "debit"
	legCredit   = "credit"
	legFee      = "fee"
	legRefund   = "refund"
	legLPDebit  = "lp_debit"
	legLPCredit = "lp_credit"
)

// CheckAndExecute fills an open order whose trigger condition holds at the
// current quote. It returns the new trade, or nil when nothing executed.
// Calling it on a terminal order is a no-op, so schedulers may call it as
// often as they like.
func (e *Engine) CheckAndExecute(ctx context.Context, orderID string) (*model.Trade, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if !executable(o) {
		return nil, nil
	}
	pair, err := e.pairs.Get(o.Pair)
	if err != nil {
		return nil, err
	}

	// Resolve the quote before taking the order lock.
	var quote model.Quote
	if o.Type != model.OrderTypeMarket {
		if quote, err = e.quotes.GetQuote(ctx, o.Pair); err != nil {
			metrics.QuoteFetchErrors.WithLabelValues("settlement").Inc()
			return nil, fmt.Errorf("check order %s: %w", orderID, asQuoteUnavailable(err))
		}
	}

	unlock, err := e.orders.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if o, err = e.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if !executable(o) {
		return nil, nil
	}

	var price, qty decimal.Decimal
	if o.Type == model.OrderTypeMarket {
		price, qty = o.QuotedPrice, o.Remaining()
	} else {
		var ok bool
		if price, ok = triggered(o, quote); !ok {
			return nil, nil
		}
		qty = o.Remaining()
		if depth := quote.SizeFor(o.Side); depth.IsPositive() && depth.LessThan(qty) {
			qty = pairs.TruncateQuantity(pair, depth)
		}
	}
	if !qty.IsPositive() {
		return nil, nil
	}

	trade, err := e.execute(ctx, o, pair, qty, price)
	if errors.Is(err, errOverReservation) {
		e.logger.Warn("fill skipped", "order_id", o.ID, "price", price.String(), "qty", qty.String(), "err", err)
		return nil, nil
	}
	return trade, err
}

func executable(o *model.Order) bool {
	return o.Status == model.OrderStatusOpen || o.Status == model.OrderStatusPartiallyFilled
}

// triggered reports whether o may fill at q, and at which price. Buys
// trade at the ask, sells at the bid.
func triggered(o *model.Order, q model.Quote) (decimal.Decimal, bool) {
	price := q.PriceFor(o.Side)
	if !price.IsPositive() {
		return price, false
	}
	buy := o.Side == model.SideBuy
	switch o.Type {
	case model.OrderTypeLimit:
		if buy {
			return price, price.LessThanOrEqual(*o.Price)
		}
		return price, price.GreaterThanOrEqual(*o.Price)
	case model.OrderTypeStopLoss:
		if buy {
			return price, price.GreaterThanOrEqual(*o.StopPrice)
		}
		return price, price.LessThanOrEqual(*o.StopPrice)
	case model.OrderTypeTakeProfit:
		if buy {
			return price, price.LessThanOrEqual(*o.StopPrice)
		}
		return price, price.GreaterThanOrEqual(*o.StopPrice)
	}
	return price, false
}

// fill is the ledger side of one execution.
type fill struct {
	seq      int
	qty      decimal.Decimal
	price    decimal.Decimal
	notional decimal.Decimal
	fee      decimal.Decimal
	share    decimal.Decimal // reservation consumed, refund included
	refund   decimal.Decimal
}

// planFill sizes a fill of qty at price against o's reservation.
func planFill(o *model.Order, pair model.Pair, qty, price decimal.Decimal) (fill, error) {
	f := fill{seq: o.Fills + 1, qty: qty, price: price}
	f.notional = qty.Mul(price)
	f.fee = pairs.Fee(pair, f.notional)

	if qty.Equal(o.Remaining()) {
		f.share = o.ReservationRemaining()
	} else {
		f.share = o.ReservedAmount.Mul(qty).Div(o.Quantity)
	}

	cost := qty // sells lock base
	if o.Side == model.SideBuy {
		cost = f.notional.Add(f.fee)
		// The reservation rounds one fee on the whole order; a partial fill
		// rounds its own. An excess within one rounding unit is waived from
		// the fee so an at-limit fill still fits its share.
		if excess := cost.Sub(f.share); excess.IsPositive() && excess.LessThanOrEqual(feeUnit(pair)) && !f.notional.GreaterThan(f.share) {
			f.fee = f.share.Sub(f.notional).Truncate(pair.QuantityPrecision)
			cost = f.notional.Add(f.fee)
		}
	}
	if cost.GreaterThan(f.share) {
		return f, fmt.Errorf("%w: cost %s, share %s", errOverReservation, cost, f.share)
	}
	if o.Side == model.SideBuy {
		f.refund = f.share.Sub(cost)
	}
	if o.Side == model.SideSell && !f.notional.GreaterThan(f.fee) {
		return f, fmt.Errorf("%w: fee %s consumes proceeds %s", errOverReservation, f.fee, f.notional)
	}
	return f, nil
}

// feeUnit is the smallest fee step of the pair.
func feeUnit(pair model.Pair) decimal.Decimal {
	return decimal.New(1, -pair.QuantityPrecision)
}

// postings builds the all-or-nothing ledger batch of a fill.
func (e *Engine) postings(o *model.Order, pair model.Pair, f fill) []ledger.Posting {
	ref := func(leg string) string { return fillRef(o.ID, f.seq, leg) }
	note := fmt.Sprintf("%s %s %s @ %s", o.Side, f.qty, pair.Symbol, f.price)
	p := func(op ledger.Op, user, currency string, amount decimal.Decimal, leg string) ledger.Posting {
		return ledger.Posting{
			Op: op, UserID: user, Currency: currency, Amount: amount,
			Type: model.TxTrade, Reference: ref(leg), ExternalID: tradeID(o.ID, f.seq), Notes: note,
		}
	}

	var out []ledger.Posting
	lp := e.cfg.LiquidityAccount
	if o.Side == model.SideBuy {
		debit := p(ledger.OpSettle, o.UserID, pair.Quote, f.notional, legDebit)
		debit.Fee = f.fee
		out = append(out, debit, p(ledger.OpCredit, o.UserID, pair.Base, f.qty, legCredit))
		if f.refund.IsPositive() {
			refund := p(ledger.OpRelease, o.UserID, pair.Quote, f.refund, legRefund)
			refund.Type = model.TxRelease
			out = append(out, refund)
		}
		if lp != "" {
			out = append(out,
				p(ledger.OpDebit, lp, pair.Base, f.qty, legLPDebit),
				p(ledger.OpCredit, lp, pair.Quote, f.notional, legLPCredit))
		}
	} else {
		out = append(out,
			p(ledger.OpSettle, o.UserID, pair.Base, f.qty, legDebit),
			p(ledger.OpCredit, o.UserID, pair.Quote, f.notional.Sub(f.fee), legCredit))
		if lp != "" {
			out = append(out,
				p(ledger.OpDebit, lp, pair.Quote, f.notional, legLPDebit),
				p(ledger.OpCredit, lp, pair.Base, f.qty, legLPCredit))
		}
	}
	if f.fee.IsPositive() {
		out = append(out, p(ledger.OpCredit, e.cfg.FeeAccount, pair.Quote, f.fee, legFee))
	}
	return out
}

// appliedFill reconstructs a fill whose ledger batch already exists,
// typically written before a crash or by a caller that lost its order
// update.
func (e *Engine) appliedFill(ctx context.Context, o *model.Order, pair model.Pair, seq int) (fill, error) {
	get := func(leg string) (*model.Transaction, error) {
		return e.ledger.GetTransaction(ctx, fillRef(o.ID, seq, leg))
	}
	debit, err := get(legDebit)
	if err != nil {
		return fill{}, fmt.Errorf("recover fill %d of %s: %w", seq, o.ID, err)
	}
	credit, err := get(legCredit)
	if err != nil {
		return fill{}, fmt.Errorf("recover fill %d of %s: %w", seq, o.ID, err)
	}

	var qty, notional, fee decimal.Decimal
	if o.Side == model.SideBuy {
		qty = credit.Amount
		fee = debit.Fee
		notional = debit.Amount.Neg().Sub(fee)
	} else {
		qty = debit.Amount.Neg()
		feeTx, err := get(legFee)
		switch {
		case err == nil:
			fee = feeTx.Amount
		case !errors.Is(err, ledger.ErrNotFound):
			return fill{}, fmt.Errorf("recover fill %d of %s: %w", seq, o.ID, err)
		}
		notional = credit.Amount.Add(fee)
	}
	if !qty.IsPositive() {
		return fill{}, fmt.Errorf("recover fill %d of %s: non-positive quantity %s", seq, o.ID, qty)
	}
	f, err := planFill(o, pair, qty, notional.Div(qty))
	if err != nil && !errors.Is(err, errOverReservation) {
		return fill{}, err
	}
	// The ledger is authoritative for what was moved.
	f.notional, f.fee = notional, fee
	if o.Side == model.SideBuy {
		f.refund = decimal.Max(decimal.Zero, f.share.Sub(notional).Sub(fee))
	}
	return f, nil
}

// execute fills qty of o at price. The caller holds the order lock and o is
// fresh from the store; o is updated in place.
func (e *Engine) execute(ctx context.Context, o *model.Order, pair model.Pair, qty, price decimal.Decimal) (*model.Trade, error) {
	start := time.Now()

	f, err := planFill(o, pair, qty, price)
	if err != nil {
		return nil, err
	}
	batch := e.postings(o, pair, f)
	if _, err := e.ledger.Apply(ctx, batch); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateReference) {
			return nil, fmt.Errorf("apply fill %d of %s: %w", f.seq, o.ID, err)
		}
		if f, err = e.appliedFill(ctx, o, pair, f.seq); err != nil {
			return nil, err
		}
		e.logger.Warn("fill already in ledger, completing", "order_id", o.ID, "seq", f.seq)
	} else {
		for _, p := range batch {
			metrics.LedgerPostings.WithLabelValues(string(p.Op)).Inc()
		}
	}

	now := e.now()
	trade := &model.Trade{
		ID:         tradeID(o.ID, f.seq),
		OrderID:    o.ID,
		UserID:     o.UserID,
		Pair:       o.Pair,
		Side:       o.Side,
		Quantity:   f.qty,
		Price:      f.price,
		Fee:        f.fee,
		ExecutedAt: now,
	}
	// The user's position in this pair is read, changed and saved under one
	// lock; fills of other orders for the same user run concurrently.
	unlockPos, err := e.positions.Lock(ctx, o.UserID+"|"+o.Pair)
	if err != nil {
		return nil, err
	}
	defer unlockPos()
	positions, pnl := e.nextPositions(ctx, pair, trade)
	trade.RealizedPnL = pnl

	if err := e.orders.InsertTrade(ctx, trade); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("record trade %s: %w", trade.ID, err)
	}
	if err := o.ApplyFill(f.qty, trade.Price, f.fee, now); err != nil {
		return nil, err
	}
	o.ReservationUsed = o.ReservationUsed.Add(f.share)
	if err := e.orders.UpdateOrder(ctx, o); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.OrderConflicts.Inc()
		}
		return nil, fmt.Errorf("advance order %s: %w", o.ID, err)
	}
	for _, pos := range positions {
		if err := e.orders.SavePosition(ctx, pos); err != nil {
			e.logger.Warn("position update failed", "order_id", o.ID, "user_id", o.UserID, "err", err)
		}
	}

	side := string(o.Side)
	metrics.FillsTotal.WithLabelValues(side).Inc()
	metrics.FillLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.PairVolume.WithLabelValues(o.Pair, side).Add(f.qty.InexactFloat64())
	if o.Status == model.OrderStatusFilled {
		metrics.OrdersTotal.WithLabelValues(string(o.Type), side, string(o.Status)).Inc()
	}

	e.logger.Info("order filled",
		"order_id", o.ID,
		"trade_id", trade.ID,
		"user_id", o.UserID,
		"pair", o.Pair,
		"side", o.Side,
		"qty", f.qty.String(),
		"price", trade.Price.String(),
		"fee", f.fee.String(),
		"refund", f.refund.String(),
		"status", o.Status,
	)

	kind, title := notify.KindOrderPartialFill, "Order partially filled"
	if o.Status == model.OrderStatusFilled {
		kind, title = notify.KindOrderFilled, "Order filled"
	}
	e.sink.Notify(notify.New(kind, o.UserID, title,
		fmt.Sprintf("%s %s %s @ %s", strings.ToUpper(side), f.qty, o.Pair, trade.Price),
		map[string]string{
			"order_id": o.ID,
			"trade_id": trade.ID,
			"filled":   o.FilledQuantity.String(),
			"status":   string(o.Status),
		}))
	return trade, nil
}
