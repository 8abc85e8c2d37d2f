package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// CacheOptions configures a CachedProvider.
type CacheOptions struct {
	QuoteTTL   time.Duration // fresh quote lifetime
	HistoryTTL time.Duration
	// MaxStale bounds how old a quote may be when served after the primary
	// provider fails. Zero disables the stale fallback.
	MaxStale time.Duration
}

// CachedProvider wraps a primary Provider with a Redis read-through cache.
// Quotes are cached briefly; when the primary fails, the last quote seen is
// served if it is younger than MaxStale.
type CachedProvider struct {
	primary Provider
	rdb     *redis.Client
	opts    CacheOptions
	logger  *slog.Logger
	now     func() time.Time
}

var _ Provider = (*CachedProvider)(nil)

// NewCachedProvider creates a cached wrapper around a primary provider.
func NewCachedProvider(primary Provider, rdb *redis.Client, opts CacheOptions, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = 5 * time.Second
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 60 * time.Second
	}
	return &CachedProvider{
		primary: primary,
		rdb:     rdb,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *CachedProvider) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = strings.ToUpper(symbol)

	// Try cache.
	if q, ok := c.getQuote(ctx, quoteKey(symbol)); ok {
		metrics.QuoteCacheHits.WithLabelValues("fresh").Inc()
		return q, nil
	}

	// Cache miss: read from primary.
	q, err := c.primary.GetQuote(ctx, symbol)
	if err == nil {
		c.cacheQuote(ctx, symbol, q)
		return q, nil
	}

	if c.opts.MaxStale > 0 {
		if stale, ok := c.getQuote(ctx, staleQuoteKey(symbol)); ok && c.now().Sub(stale.Timestamp) <= c.opts.MaxStale {
			metrics.QuoteCacheHits.WithLabelValues("stale").Inc()
			c.logger.Warn("serving stale quote", "symbol", symbol, "age", c.now().Sub(stale.Timestamp), "err", err)
			return stale, nil
		}
	}
	if errors.Is(err, ErrQuoteUnavailable) {
		return model.Quote{}, err
	}
	return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
}

func (c *CachedProvider) GetHistory(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	symbol = strings.ToUpper(symbol)
	key := historyKey(symbol, timeframe, limit)

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var bars []model.Bar
		if json.Unmarshal(data, &bars) == nil {
			return bars, nil
		}
	}

	bars, err := c.primary.GetHistory(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bars); err == nil {
		c.rdb.Set(ctx, key, data, c.opts.HistoryTTL)
	}
	return bars, nil
}

// Invalidate drops the fresh quote for symbol; the stale copy is kept.
func (c *CachedProvider) Invalidate(ctx context.Context, symbol string) {
	c.rdb.Del(ctx, quoteKey(strings.ToUpper(symbol)))
}

func (c *CachedProvider) getQuote(ctx context.Context, key string) (model.Quote, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("quote cache read failed", "key", key, "err", err)
		}
		return model.Quote{}, false
	}
	var q model.Quote
	if json.Unmarshal(data, &q) != nil {
		return model.Quote{}, false
	}
	return q, true
}

func (c *CachedProvider) cacheQuote(ctx context.Context, symbol string, q model.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, quoteKey(symbol), data, c.opts.QuoteTTL)
	if c.opts.MaxStale > 0 {
		pipe.Set(ctx, staleQuoteKey(symbol), data, c.opts.MaxStale)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("quote cache write failed", "symbol", symbol, "err", err)
	}
}

// --- Key helpers ---

func quoteKey(symbol string) string {
	return fmt.Sprintf("quote:%s", symbol)
}

func staleQuoteKey(symbol string) string {
	return fmt.Sprintf("quote:stale:%s", symbol)
}

func historyKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("history:%s:%s:%d", symbol, timeframe, limit)
}
