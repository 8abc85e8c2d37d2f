// Package marketdata supplies best bid/ask quotes and OHLCV history. The
// settlement core trusts whatever a Provider returns; it never discovers
// prices itself.
package marketdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrQuoteUnavailable is returned when no usable quote can be produced.
	// Callers retry later; open orders keep their reservation meanwhile.
	ErrQuoteUnavailable = errors.New("marketdata: quote unavailable")

	ErrInvalidTimeframe = errors.New("marketdata: invalid timeframe")
)

// Provider is the market quote boundary.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
	GetHistory(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error)
}

var timeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true, "1w": true,
}

// ValidTimeframe reports whether tf is a supported candle interval.
func ValidTimeframe(tf string) bool { return timeframes[tf] }

func checkQuote(q model.Quote) error {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("%w: %s has non-positive bid/ask %s/%s", ErrQuoteUnavailable, q.Symbol, q.Bid, q.Ask)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("%w: %s crossed book %s/%s", ErrQuoteUnavailable, q.Symbol, q.Bid, q.Ask)
	}
	return nil
}
