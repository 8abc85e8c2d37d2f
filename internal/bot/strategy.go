package bot

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// ErrNotEnoughHistory is returned when there are too few bars to evaluate
// a strategy.
var ErrNotEnoughHistory = errors.New("bot: not enough history")

var hundred = decimal.NewFromInt(100)

// Signal is a strategy's decision on the latest bar.
type Signal struct {
	Side   model.Side
	Price  decimal.Decimal // close of the latest bar
	At     model.Bar
	Reason string
	Data   map[string]string
}

// BarsNeeded is how much history to request for spec.
func BarsNeeded(spec model.StrategySpec) int {
	switch spec.Kind {
	case model.StrategyMovingAverage:
		return spec.MovingAverage.Long + 10
	case model.StrategyRSI:
		return spec.RSI.Period + 10
	case model.StrategyMACD:
		return spec.MACD.Slow + spec.MACD.Signal + 10
	}
	return 0
}

// Evaluate runs spec over bars (oldest first). It returns nil when the
// strategy does not signal on the latest bar.
func Evaluate(spec model.StrategySpec, bars []model.Bar) (*Signal, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	var sig *Signal
	var err error
	switch spec.Kind {
	case model.StrategyMovingAverage:
		sig, err = movingAverageCross(*spec.MovingAverage, closes)
	case model.StrategyRSI:
		sig, err = rsiThreshold(*spec.RSI, closes)
	case model.StrategyMACD:
		sig, err = macdCross(*spec.MACD, closes)
	}
	if sig != nil {
		last := bars[len(bars)-1]
		sig.Price = last.Close
		sig.At = last
		sig.Data["strategy"] = string(spec.Kind)
		sig.Data["close"] = last.Close.String()
	}
	return sig, err
}

// crossing compares two series on the previous and latest values.
func crossing(fastPrev, slowPrev, fast, slow decimal.Decimal) (model.Side, bool) {
	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fast.GreaterThan(slow):
		return model.SideBuy, true
	case fastPrev.GreaterThanOrEqual(slowPrev) && fast.LessThan(slow):
		return model.SideSell, true
	}
	return "", false
}

func movingAverageCross(p model.MovingAverageParams, closes []decimal.Decimal) (*Signal, error) {
	n := len(closes)
	if n < p.Long+1 {
		return nil, fmt.Errorf("%w: moving average %d/%d needs %d bars, have %d", ErrNotEnoughHistory, p.Short, p.Long, p.Long+1, n)
	}
	shortPrev, shortCur := sma(closes[:n-1], p.Short), sma(closes, p.Short)
	longPrev, longCur := sma(closes[:n-1], p.Long), sma(closes, p.Long)

	side, ok := crossing(shortPrev, longPrev, shortCur, longCur)
	if !ok {
		return nil, nil
	}
	reason := "MA bullish crossover"
	if side == model.SideSell {
		reason = "MA bearish crossover"
	}
	return &Signal{Side: side, Reason: reason, Data: map[string]string{
		"sma_short": shortCur.StringFixed(8),
		"sma_long":  longCur.StringFixed(8),
	}}, nil
}

func rsiThreshold(p model.RSIParams, closes []decimal.Decimal) (*Signal, error) {
	if len(closes) < p.Period+1 {
		return nil, fmt.Errorf("%w: rsi %d needs %d bars, have %d", ErrNotEnoughHistory, p.Period, p.Period+1, len(closes))
	}
	value := rsi(closes, p.Period)
	data := map[string]string{"rsi": value.StringFixed(2)}
	switch {
	case value.LessThan(p.Oversold):
		return &Signal{Side: model.SideBuy, Reason: "RSI oversold: " + value.StringFixed(2), Data: data}, nil
	case value.GreaterThan(p.Overbought):
		return &Signal{Side: model.SideSell, Reason: "RSI overbought: " + value.StringFixed(2), Data: data}, nil
	}
	return nil, nil
}

func macdCross(p model.MACDParams, closes []decimal.Decimal) (*Signal, error) {
	need := p.Slow + p.Signal
	if len(closes) < need {
		return nil, fmt.Errorf("%w: macd %d/%d/%d needs %d bars, have %d", ErrNotEnoughHistory, p.Fast, p.Slow, p.Signal, need, len(closes))
	}
	fast := ema(closes, p.Fast)
	slow := ema(closes, p.Slow)

	// The MACD line exists from the first slow EMA value on.
	line := make([]decimal.Decimal, 0, len(closes)-p.Slow+1)
	for i := p.Slow - 1; i < len(closes); i++ {
		line = append(line, fast[i].Sub(slow[i]))
	}
	signal := ema(line, p.Signal)

	n := len(line)
	side, ok := crossing(line[n-2], signal[n-2], line[n-1], signal[n-1])
	if !ok {
		return nil, nil
	}
	reason := "MACD bullish crossover"
	if side == model.SideSell {
		reason = "MACD bearish crossover"
	}
	return &Signal{Side: side, Reason: reason, Data: map[string]string{
		"macd":   line[n-1].StringFixed(8),
		"signal": signal[n-1].StringFixed(8),
	}}, nil
}

// sma is the mean of the last period values.
func sma(values []decimal.Decimal, period int) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// ema returns the exponential moving average series, seeded with the simple
// average of the first period values. Entries before period-1 are zero.
func ema(values []decimal.Decimal, period int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	if len(values) < period {
		return out
	}
	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	out[period-1] = sma(values[:period], period)
	for i := period; i < len(values); i++ {
		out[i] = values[i].Sub(out[i-1]).Mul(k).Add(out[i-1])
	}
	return out
}

// rsi uses simple averages of gains and losses over the last period changes.
func rsi(closes []decimal.Decimal, period int) decimal.Decimal {
	gain, loss := decimal.Zero, decimal.Zero
	n := len(closes)
	for i := n - period; i < n; i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.IsPositive() {
			gain = gain.Add(delta)
		} else {
			loss = loss.Sub(delta)
		}
	}
	if loss.IsZero() {
		if gain.IsZero() {
			return decimal.NewFromInt(50)
		}
		return hundred
	}
	rs := gain.Div(loss)
	return hundred.Sub(hundred.Div(rs.Add(decimal.NewFromInt(1))))
}
