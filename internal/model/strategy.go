package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidStrategy is returned for unknown strategy kinds or bad params.
var ErrInvalidStrategy = errors.New("strategy: invalid configuration")

// StrategyKind selects which params of a StrategySpec apply.
type StrategyKind string

const (
	StrategyMovingAverage StrategyKind = "moving_average"
	StrategyRSI           StrategyKind = "rsi"
	StrategyMACD          StrategyKind = "macd"
)

// MovingAverageParams configures a simple moving average crossover.
type MovingAverageParams struct {
	Short int `json:"short"`
	Long  int `json:"long"`
}

// RSIParams configures a relative strength index strategy.
type RSIParams struct {
	Period     int             `json:"period"`
	Oversold   decimal.Decimal `json:"oversold"`
	Overbought decimal.Decimal `json:"overbought"`
}

// MACDParams configures a MACD signal-line crossover.
type MACDParams struct {
	Fast   int `json:"fast"`
	Slow   int `json:"slow"`
	Signal int `json:"signal"`
}

// StrategySpec is a tagged union: exactly the params matching Kind are set.
type StrategySpec struct {
	Kind          StrategyKind         `json:"kind"`
	MovingAverage *MovingAverageParams `json:"moving_average,omitempty"`
	RSI           *RSIParams           `json:"rsi,omitempty"`
	MACD          *MACDParams          `json:"macd,omitempty"`
}

// Validate checks that the params for Kind are present and consistent.
func (s StrategySpec) Validate() error {
	switch s.Kind {
	case StrategyMovingAverage:
		p := s.MovingAverage
		if p == nil {
			return fmt.Errorf("%w: moving_average params missing", ErrInvalidStrategy)
		}
		if p.Short < 1 || p.Long <= p.Short {
			return fmt.Errorf("%w: need 1 <= short < long, got %d/%d", ErrInvalidStrategy, p.Short, p.Long)
		}
	case StrategyRSI:
		p := s.RSI
		if p == nil {
			return fmt.Errorf("%w: rsi params missing", ErrInvalidStrategy)
		}
		if p.Period < 2 {
			return fmt.Errorf("%w: rsi period %d", ErrInvalidStrategy, p.Period)
		}
		if p.Oversold.IsNegative() || !p.Oversold.LessThan(p.Overbought) || p.Overbought.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: rsi thresholds %s/%s", ErrInvalidStrategy, p.Oversold, p.Overbought)
		}
	case StrategyMACD:
		p := s.MACD
		if p == nil {
			return fmt.Errorf("%w: macd params missing", ErrInvalidStrategy)
		}
		if p.Fast < 1 || p.Slow <= p.Fast || p.Signal < 1 {
			return fmt.Errorf("%w: macd %d/%d/%d", ErrInvalidStrategy, p.Fast, p.Slow, p.Signal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStrategy, s.Kind)
	}
	return nil
}

// MovingAverage returns a spec for a moving average crossover.
func MovingAverage(short, long int) StrategySpec {
	return StrategySpec{Kind: StrategyMovingAverage, MovingAverage: &MovingAverageParams{Short: short, Long: long}}
}

// RSI returns a spec for an RSI strategy.
func RSI(period int, oversold, overbought decimal.Decimal) StrategySpec {
	return StrategySpec{Kind: StrategyRSI, RSI: &RSIParams{Period: period, Oversold: oversold, Overbought: overbought}}
}

// MACD returns a spec for a MACD crossover.
func MACD(fast, slow, signal int) StrategySpec {
	return StrategySpec{Kind: StrategyMACD, MACD: &MACDParams{Fast: fast, Slow: slow, Signal: signal}}
}
