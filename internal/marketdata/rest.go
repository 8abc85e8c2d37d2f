package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// RESTOptions configures a RESTProvider.
type RESTOptions struct {
	BaseURL     string
	RateLimit   float64 // requests per second
	Burst       int
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration // first retry delay; doubles each attempt
}

// RESTProvider reads quotes from a Binance-compatible public REST API
// (/ticker/bookTicker and /klines).
type RESTProvider struct {
	client      *resty.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	maxRetries  int
	backoffBase time.Duration
}

var _ Provider = (*RESTProvider)(nil)

// NewRESTProvider creates a rate-limited REST quote provider.
func NewRESTProvider(opts RESTOptions, logger *slog.Logger) *RESTProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	client := resty.New().SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &RESTProvider{
		client:      client,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		logger:      logger,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
	}
}

// exchangeSymbol maps BTC/USDT to BTCUSDT.
func exchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

func (p *RESTProvider) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	var bt bookTicker
	req := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", exchangeSymbol(symbol)).
		SetResult(&bt)

	if _, err := p.doRequest(ctx, http.MethodGet, "/ticker/bookTicker", req); err != nil {
		metrics.QuoteFetchErrors.WithLabelValues("rest").Inc()
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}

	q := model.Quote{Symbol: strings.ToUpper(symbol), Timestamp: time.Now().UTC()}
	var err error
	if q.Bid, err = decimal.NewFromString(bt.BidPrice); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s bid %q", ErrQuoteUnavailable, symbol, bt.BidPrice)
	}
	if q.Ask, err = decimal.NewFromString(bt.AskPrice); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s ask %q", ErrQuoteUnavailable, symbol, bt.AskPrice)
	}
	q.BidSize, _ = decimal.NewFromString(bt.BidQty)
	q.AskSize, _ = decimal.NewFromString(bt.AskQty)
	q.Last = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	if err := checkQuote(q); err != nil {
		return model.Quote{}, err
	}
	return q, nil
}

// GetHistory returns up to limit candles, oldest first.
func (p *RESTProvider) GetHistory(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	if !ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeframe, timeframe)
	}
	if limit <= 0 {
		limit = 100
	}

	var raw [][]json.RawMessage
	req := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   exchangeSymbol(symbol),
			"interval": timeframe,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw)

	if _, err := p.doRequest(ctx, http.MethodGet, "/klines", req); err != nil {
		metrics.QuoteFetchErrors.WithLabelValues("rest_history").Inc()
		return nil, fmt.Errorf("failed to get history for %s: %w", symbol, err)
	}

	bars := make([]model.Bar, 0, len(raw))
	for i, k := range raw {
		bar, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("kline %d for %s: %w", i, symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, ...].
func parseKline(k []json.RawMessage) (model.Bar, error) {
	if len(k) < 6 {
		return model.Bar{}, fmt.Errorf("expected at least 6 fields, got %d", len(k))
	}
	var openMs int64
	if err := json.Unmarshal(k[0], &openMs); err != nil {
		return model.Bar{}, fmt.Errorf("open time: %w", err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		var s string
		if err := json.Unmarshal(k[i+1], &s); err != nil {
			return model.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return model.Bar{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (p *RESTProvider) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < p.maxRetries; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err = req.Execute(method, url)
		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			status := resp.StatusCode()
			if status == http.StatusTooManyRequests || status == 418 {
				shouldRetry = true
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if status >= 500 {
				shouldRetry = true
			}
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}
		if err == nil {
			err = fmt.Errorf("status %s", resp.Status())
		}
		if i == p.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * p.backoffBase
		}
		p.logger.Warn("market data request failed, retrying",
			"url", url, "attempt", i+1, "retry_after", retryAfter, "err", err)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", p.maxRetries, err)
}
