// Package bot runs automated trading bots. A cycle evaluates the bot's
// strategy on each of its pairs and submits market orders through the
// settlement engine. A bot whose realized loss for the day exceeds its
// limit is switched off; when the loss cannot be computed the cycle is
// skipped rather than trading blind.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/registry"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// Settler is the part of the settlement engine bots drive.
type Settler interface {
	CreateOrder(ctx context.Context, userID string, req settlement.OrderRequest) (*model.Order, error)
	Wallet(ctx context.Context, userID, currency string) (*model.Wallet, error)
	ListTrades(ctx context.Context, f store.TradeFilter) ([]model.Trade, error)
	Pairs() *pairs.Catalog
}

// Registry stores bots and their records.
type Registry interface {
	GetBot(ctx context.Context, id string) (*registry.Bot, error)
	ActiveBots(ctx context.Context, liveOnly bool) ([]registry.Bot, error)
	Deactivate(ctx context.Context, id string) error
	RecordRun(ctx context.Context, id string, at time.Time, trades int) error
	RecordBotTrade(ctx context.Context, t *registry.BotTrade) error
}

// HistoryProvider supplies candles for strategy evaluation.
type HistoryProvider interface {
	GetHistory(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error)
}

// Config tunes the runner.
type Config struct {
	// PerTradeCap is the fraction of the available balance one bot order
	// may use. Defaults to 0.1.
	PerTradeCap decimal.Decimal
	// Parallelism bounds how many bots RunAll cycles at once.
	Parallelism int
}

// PairResult is the outcome of one pair in a cycle.
type PairResult struct {
	Pair    string
	Signal  model.Side // empty when the strategy did not signal
	Reason  string
	OrderID string
	Err     error
}

// CycleResult is the outcome of one bot cycle.
type CycleResult struct {
	BotID       string
	Skipped     bool // inactive bot
	Deactivated bool // daily loss guard tripped
	Executed    int
	Pairs       []PairResult
}

// Runner executes bot cycles.
type Runner struct {
	engine   Settler
	registry Registry
	history  HistoryProvider
	sink     notify.Sink
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, engine Settler, reg Registry, history HistoryProvider, sink notify.Sink, logger *slog.Logger) *Runner {
	if !cfg.PerTradeCap.IsPositive() {
		cfg.PerTradeCap = decimal.RequireFromString("0.1")
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:   engine,
		registry: reg,
		history:  history,
		sink:     sink,
		logger:   logger.With("component", "bot"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunAll runs one cycle of every active bot. Errors of individual bots are
// logged and joined; they never stop the other bots.
func (r *Runner) RunAll(ctx context.Context) error {
	bots, err := r.registry.ActiveBots(ctx, false)
	if err != nil {
		return fmt.Errorf("load active bots: %w", err)
	}
	errs := make([]error, len(bots))
	var g errgroup.Group
	g.SetLimit(r.cfg.Parallelism)
	for i, b := range bots {
		g.Go(func() error {
			if _, err := r.RunCycle(ctx, b.ID); err != nil {
				r.logger.Error("bot cycle failed", "bot_id", b.ID, "err", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RunCycle runs one cycle of a bot.
func (r *Runner) RunCycle(ctx context.Context, botID string) (*CycleResult, error) {
	b, err := r.registry.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	res := &CycleResult{BotID: b.ID}
	if !b.Active {
		res.Skipped = true
		return res, nil
	}
	now := r.now()

	tripped, err := r.dailyLossExceeded(ctx, b, now)
	if err != nil {
		metrics.BotCycles.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("bot %s daily loss check: %w", b.ID, err)
	}
	if tripped {
		if err := r.registry.Deactivate(ctx, b.ID); err != nil {
			return nil, fmt.Errorf("deactivate bot %s: %w", b.ID, err)
		}
		metrics.BotDeactivations.Inc()
		metrics.BotCycles.WithLabelValues("deactivated").Inc()
		r.logger.Warn("bot deactivated by daily loss limit", "bot_id", b.ID, "user_id", b.UserID, "max_daily_loss", b.MaxDailyLoss)
		r.sink.Notify(notify.New(notify.KindBotDeactivated, b.UserID, "Bot stopped",
			fmt.Sprintf("%s hit its daily loss limit of %s", b.Name, b.MaxDailyLoss),
			map[string]string{"bot_id": b.ID}))
		res.Deactivated = true
		return res, nil
	}

	for _, symbol := range b.Pairs {
		pr := r.runPair(ctx, b, symbol)
		if pr.Err != nil {
			r.logger.Warn("bot pair failed", "bot_id", b.ID, "pair", symbol, "err", pr.Err)
		}
		if pr.OrderID != "" {
			res.Executed++
		}
		res.Pairs = append(res.Pairs, pr)
	}

	if err := r.registry.RecordRun(ctx, b.ID, now, res.Executed); err != nil {
		r.logger.Error("failed to record bot run", "bot_id", b.ID, "err", err)
	}
	metrics.BotCycles.WithLabelValues("completed").Inc()
	return res, nil
}

// dailyLossExceeded fails closed: an error means the caller must not trade.
func (r *Runner) dailyLossExceeded(ctx context.Context, b *registry.Bot, now time.Time) (bool, error) {
	if !b.MaxDailyLoss.IsPositive() {
		return false, nil
	}
	y, m, d := now.Date()
	trades, err := r.engine.ListTrades(ctx, store.TradeFilter{
		UserID:   b.UserID,
		Source:   model.SourceBot,
		SourceID: b.ID,
		Since:    time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return false, err
	}
	err = risk.CheckDailyLoss(risk.DailyPnL(trades, now), b.MaxDailyLoss)
	return errors.Is(err, risk.ErrDailyLossExceeded), nil
}

func (r *Runner) runPair(ctx context.Context, b *registry.Bot, symbol string) PairResult {
	pr := PairResult{Pair: symbol}
	pair, err := r.engine.Pairs().Get(symbol)
	if err != nil {
		pr.Err = err
		return pr
	}
	bars, err := r.history.GetHistory(ctx, pair.Symbol, b.Timeframe, BarsNeeded(b.Strategy))
	if err != nil {
		pr.Err = fmt.Errorf("history: %w", err)
		return pr
	}
	sig, err := Evaluate(b.Strategy, bars)
	if err != nil || sig == nil {
		pr.Err = err
		return pr
	}
	pr.Signal = sig.Side
	pr.Reason = sig.Reason

	if b.PaperTrading {
		r.sink.Notify(notify.New(notify.KindBotSignal, b.UserID, "Bot signal",
			fmt.Sprintf("%s: %s %s at %s (%s)", b.Name, strings.ToUpper(string(sig.Side)), pair.Symbol, sig.Price, sig.Reason),
			map[string]string{"bot_id": b.ID, "pair": pair.Symbol, "paper": "true"}))
		r.recordTrade(ctx, b, pair.Symbol, sig, "")
		return pr
	}

	qty, err := r.quantity(ctx, b, pair, sig)
	if err != nil {
		pr.Err = err
		return pr
	}
	if !qty.IsPositive() || qty.LessThan(pair.MinOrderSize) {
		pr.Reason = fmt.Sprintf("quantity %s below minimum %s", qty, pair.MinOrderSize)
		return pr
	}

	id := signalOrderID(b.ID, pair.Symbol, sig)
	order, err := r.engine.CreateOrder(ctx, b.UserID, settlement.OrderRequest{
		ID:       id,
		Pair:     pair.Symbol,
		Type:     model.OrderTypeMarket,
		Side:     sig.Side,
		Quantity: qty,
		Source:   model.SourceBot,
		SourceID: b.ID,
	})
	if errors.Is(err, settlement.ErrDuplicateOrder) {
		pr.Reason = "signal already executed"
		return pr
	}
	if err != nil {
		pr.Err = err
		return pr
	}
	pr.OrderID = order.ID
	r.recordTrade(ctx, b, pair.Symbol, sig, order.ID)

	if sig.Side == model.SideBuy && order.Status == model.OrderStatusFilled {
		r.protect(ctx, b, pair, order)
	}
	r.sink.Notify(notify.New(notify.KindBotSignal, b.UserID, "Bot trade",
		fmt.Sprintf("%s: %s %s %s (%s)", b.Name, strings.ToUpper(string(sig.Side)), order.Quantity, pair.Symbol, sig.Reason),
		map[string]string{"bot_id": b.ID, "order_id": order.ID}))
	return pr
}

// quantity sizes an order as min(balance × cap, MaxPositionSize) in quote
// terms; sells are also capped by the base balance.
func (r *Runner) quantity(ctx context.Context, b *registry.Bot, pair model.Pair, sig *Signal) (decimal.Decimal, error) {
	limits := risk.Limits{PerTradeCap: r.cfg.PerTradeCap, MaxPositionSize: b.MaxPositionSize}
	var qty decimal.Decimal
	if sig.Side == model.SideBuy {
		w, err := r.engine.Wallet(ctx, b.UserID, pair.Quote)
		if err != nil {
			return decimal.Zero, err
		}
		qty = limits.BuyQuantity(w.Available, sig.Price)
	} else {
		w, err := r.engine.Wallet(ctx, b.UserID, pair.Base)
		if err != nil {
			return decimal.Zero, err
		}
		qty = limits.SellQuantity(w.Available, sig.Price)
	}
	qty = pairs.TruncateQuantity(pair, qty)
	if pair.MaxOrderSize.IsPositive() && qty.GreaterThan(pair.MaxOrderSize) {
		qty = pair.MaxOrderSize
	}
	return qty, nil
}

// protect places a stop-loss sell under a filled buy, or a take-profit
// when only that is configured. Both would lock the same base funds.
func (r *Runner) protect(ctx context.Context, b *registry.Bot, pair model.Pair, order *model.Order) {
	var typ model.OrderType
	var factor decimal.Decimal
	switch {
	case b.StopLossPercentage != nil && b.StopLossPercentage.IsPositive():
		typ, factor = model.OrderTypeStopLoss, hundred.Sub(*b.StopLossPercentage)
	case b.TakeProfitPercentage != nil && b.TakeProfitPercentage.IsPositive():
		typ, factor = model.OrderTypeTakeProfit, hundred.Add(*b.TakeProfitPercentage)
	default:
		return
	}
	trigger := order.AveragePrice.Mul(factor).Div(hundred).Truncate(pair.PricePrecision)
	if !trigger.IsPositive() {
		return
	}
	_, err := r.engine.CreateOrder(ctx, b.UserID, settlement.OrderRequest{
		ID:        order.ID + "-" + string(typ),
		Pair:      pair.Symbol,
		Type:      typ,
		Side:      model.SideSell,
		Quantity:  order.FilledQuantity,
		StopPrice: &trigger,
		Source:    model.SourceBot,
		SourceID:  b.ID,
	})
	if err != nil && !errors.Is(err, settlement.ErrDuplicateOrder) {
		r.logger.Warn("protective order not placed", "bot_id", b.ID, "order_id", order.ID, "type", typ, "err", err)
	}
}

func (r *Runner) recordTrade(ctx context.Context, b *registry.Bot, symbol string, sig *Signal, orderID string) {
	err := r.registry.RecordBotTrade(ctx, &registry.BotTrade{
		BotID:      b.ID,
		OrderID:    orderID,
		Pair:       symbol,
		Signal:     string(sig.Side),
		Price:      sig.Price,
		SignalData: sig.Data,
		Paper:      b.PaperTrading,
	})
	if err != nil {
		r.logger.Error("failed to record bot trade", "bot_id", b.ID, "pair", symbol, "err", err)
	}
}

// signalOrderID is stable per bot, pair and bar, so a cycle repeated on
// the same candle cannot trade twice.
func signalOrderID(botID, symbol string, sig *Signal) string {
	return model.BotOrderIDPrefix + botID + "-" + strings.ReplaceAll(symbol, "/", "") + "-" +
		string(sig.Side) + "-" + strconv.FormatInt(sig.At.OpenTime.Unix(), 10)
}
