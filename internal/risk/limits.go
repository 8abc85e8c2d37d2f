// Package risk sizes derived orders and enforces the guards that stop bots
// and copy-trading from over-committing a wallet.
//
// Exposure checks treat pairs sharing a base asset as correlated: a user
// long BTC/USD and BTC/USDT holds one BTC exposure, not two.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrDailyLossExceeded is returned when today's realized P&L is below
	// the negative of the allowed daily loss.
	ErrDailyLossExceeded = errors.New("risk: daily loss limit exceeded")

	// ErrPositionLimitExceeded is returned when an order would push the net
	// position in one pair beyond the per-pair maximum.
	ErrPositionLimitExceeded = errors.New("risk: position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an order would push the
	// aggregate exposure across pairs sharing a base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")

	ErrInvalidLimits = errors.New("risk: invalid limits")
)

var hundred = decimal.NewFromInt(100)

// Limits caps the size of a derived order.
type Limits struct {
	// PerTradeCap is the fraction of the available balance one order may
	// commit, in (0, 1].
	PerTradeCap decimal.Decimal

	// MaxPositionSize caps the order notional in quote currency. Zero means
	// no cap.
	MaxPositionSize decimal.Decimal
}

// CopyLimits converts a subscription's copy percentage into Limits.
func CopyLimits(copyPercentage decimal.Decimal, maxPositionSize *decimal.Decimal) Limits {
	l := Limits{PerTradeCap: copyPercentage.Div(hundred)}
	if maxPositionSize != nil {
		l.MaxPositionSize = *maxPositionSize
	}
	return l
}

// Validate checks that the cap is a fraction and the maximum is not negative.
func (l Limits) Validate() error {
	if !l.PerTradeCap.IsPositive() || l.PerTradeCap.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: per-trade cap %s not in (0, 1]", ErrInvalidLimits, l.PerTradeCap)
	}
	if l.MaxPositionSize.IsNegative() {
		return fmt.Errorf("%w: negative max position size", ErrInvalidLimits)
	}
	return nil
}

// BuyQuantity returns min(quoteAvailable × cap, max) / price. A
// non-positive price yields zero.
func (l Limits) BuyQuantity(quoteAvailable, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !quoteAvailable.IsPositive() {
		return decimal.Zero
	}
	notional := quoteAvailable.Mul(l.PerTradeCap)
	if l.MaxPositionSize.IsPositive() && notional.GreaterThan(l.MaxPositionSize) {
		notional = l.MaxPositionSize
	}
	return notional.Div(price)
}

// SellQuantity returns min(baseAvailable × cap, max / price).
func (l Limits) SellQuantity(baseAvailable, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !baseAvailable.IsPositive() {
		return decimal.Zero
	}
	qty := baseAvailable.Mul(l.PerTradeCap)
	if l.MaxPositionSize.IsPositive() {
		if ceiling := l.MaxPositionSize.Div(price); qty.GreaterThan(ceiling) {
			qty = ceiling
		}
	}
	return qty
}

// DailyPnL sums the realized P&L of trades executed on the same UTC day as now.
func DailyPnL(trades []model.Trade, now time.Time) decimal.Decimal {
	y, m, d := now.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	total := decimal.Zero
	for _, t := range trades {
		at := t.ExecutedAt.UTC()
		if at.Before(start) || !at.Before(end) {
			continue
		}
		total = total.Add(t.RealizedPnL)
	}
	return total
}

// CheckDailyLoss returns ErrDailyLossExceeded when realized is more negative
// than -maxLoss. A non-positive maxLoss disables the guard.
func CheckDailyLoss(realized, maxLoss decimal.Decimal) error {
	if !maxLoss.IsPositive() {
		return nil
	}
	if realized.LessThan(maxLoss.Neg()) {
		return ErrDailyLossExceeded
	}
	return nil
}

// PositionLimiter enforces per-pair and correlated exposure caps. Exposure
// is signed base quantity: long positive, short negative.
type PositionLimiter struct {
	// MaxPerPair is the maximum absolute net position in any single pair.
	MaxPerPair decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// pairs sharing the target's base asset.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter. Zero values disable a check.
func NewPositionLimiter(maxPerPair, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxPerPair: maxPerPair, MaxCorrelated: maxCorrelated}
}

// CheckLimit validates an exposure change against existing exposures keyed
// by pair symbol.
func (l *PositionLimiter) CheckLimit(pair string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	next := existing[pair].Add(delta)
	if l.MaxPerPair.IsPositive() && next.Abs().GreaterThan(l.MaxPerPair) {
		return ErrPositionLimitExceeded
	}
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	base := baseAsset(pair)
	total := next.Abs()
	for other, exposure := range existing {
		if other == pair {
			continue // counted via next
		}
		if baseAsset(other) == base {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// Exposures converts positions to signed exposures keyed by pair.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		q := p.Quantity
		if p.Side == model.PositionShort {
			q = q.Neg()
		}
		out[p.Pair] = out[p.Pair].Add(q)
	}
	return out
}

func baseAsset(symbol string) string {
	base, _, _ := strings.Cut(strings.ToUpper(symbol), "/")
	return base
}
