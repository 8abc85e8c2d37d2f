package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// StaticProvider serves quotes and history set by the caller. Used in tests
// and for running the engine without a market data feed.
type StaticProvider struct {
	mu      sync.RWMutex
	quotes  map[string]model.Quote
	history map[string][]model.Bar
	errs    map[string]error
	calls   int
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		quotes:  make(map[string]model.Quote),
		history: make(map[string][]model.Bar),
		errs:    make(map[string]error),
	}
}

// SetQuote sets the book for symbol and clears any injected error.
func (p *StaticProvider) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.SetQuoteWithSize(symbol, bid, ask, decimal.Zero, decimal.Zero)
}

// SetQuoteWithSize also sets top-of-book depth.
func (p *StaticProvider) SetQuoteWithSize(symbol string, bid, ask, bidSize, askSize decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	p.quotes[symbol] = model.Quote{
		Symbol: symbol, Bid: bid, Ask: ask,
		Last:    bid.Add(ask).Div(decimal.NewFromInt(2)),
		BidSize: bidSize, AskSize: askSize,
		Timestamp: time.Now().UTC(),
	}
	delete(p.errs, symbol)
}

// SetHistory sets the bars returned for symbol regardless of timeframe.
func (p *StaticProvider) SetHistory(symbol string, bars []model.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[strings.ToUpper(symbol)] = bars
}

// SetError makes every call for symbol fail with err.
func (p *StaticProvider) SetError(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[strings.ToUpper(symbol)] = err
}

// Calls reports how many GetQuote calls were served.
func (p *StaticProvider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

func (p *StaticProvider) GetQuote(_ context.Context, symbol string) (model.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	symbol = strings.ToUpper(symbol)
	if err := p.errs[symbol]; err != nil {
		return model.Quote{}, err
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no quote for %s", ErrQuoteUnavailable, symbol)
	}
	return q, checkQuote(q)
}

func (p *StaticProvider) GetHistory(_ context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeframe, timeframe)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	symbol = strings.ToUpper(symbol)
	if err := p.errs[symbol]; err != nil {
		return nil, err
	}
	bars := p.history[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]model.Bar, len(bars))
	copy(out, bars)
	return out, nil
}
