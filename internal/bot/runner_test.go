package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/marketdata"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/registry"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testCatalog(t *testing.T) *pairs.Catalog {
	t.Helper()
	c, err := pairs.NewCatalog([]model.Pair{
		{Symbol: "BTC/USD", Active: true, MinOrderSize: d("0.0001"), MaxOrderSize: d("100"),
			PricePrecision: 2, QuantityPrecision: 8, FeePercentage: d("0.1")},
		{Symbol: "ETH/USD", Active: true, MinOrderSize: d("0.01"), MaxOrderSize: d("1000"),
			PricePrecision: 2, QuantityPrecision: 8, FeePercentage: d("0.1")},
	})
	require.NoError(t, err)
	return c
}

func openRegistry(t *testing.T) *registry.Repository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	repo, err := registry.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type fixture struct {
	engine *settlement.Engine
	quotes *marketdata.StaticProvider
	repo   *registry.Repository
	sink   *recordingSink
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{quotes: marketdata.NewStaticProvider(), repo: openRegistry(t), sink: &recordingSink{}}
	var err error
	f.engine, err = settlement.New(settlement.Config{FeeAccount: "fees"},
		ledger.NewMemoryStore(), store.NewMemoryStore(), f.quotes, testCatalog(t), nil, nil)
	require.NoError(t, err)
	f.runner = NewRunner(Config{}, f.engine, f.repo, f.quotes, f.sink, nil)

	// Short SMA crosses above the long one on the last bar.
	f.quotes.SetHistory("BTC/USD", bars("100", "100", "100", "100", "100", "125"))
	f.quotes.SetQuote("BTC/USD", d("124"), d("125"))
	_, err = f.engine.Deposit(context.Background(), "alice", "USD", d("10000"), "")
	require.NoError(t, err)
	return f
}

func (f *fixture) createBot(t *testing.T, b *registry.Bot) *registry.Bot {
	t.Helper()
	if b.UserID == "" {
		b.UserID = "alice"
	}
	if b.Strategy.Kind == "" {
		b.Strategy = model.MovingAverage(2, 4)
	}
	if b.Pairs == nil {
		b.Pairs = []string{"BTC/USD"}
	}
	if b.Timeframe == "" {
		b.Timeframe = "1h"
	}
	b.Active = true
	require.NoError(t, f.repo.CreateBot(context.Background(), b))
	return b
}

func (f *fixture) usd(t *testing.T) model.Wallet {
	t.Helper()
	w, err := f.engine.Wallet(context.Background(), "alice", "USD")
	require.NoError(t, err)
	return *w
}

func TestRunCycle_LiveBuyWithStopLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sl := d("10")
	b := f.createBot(t, &registry.Bot{Name: "ma", MaxPositionSize: d("500"), StopLossPercentage: &sl})

	res, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	require.Len(t, res.Pairs, 1)
	pr := res.Pairs[0]
	require.NoError(t, pr.Err)
	assert.Equal(t, model.SideBuy, pr.Signal)

	// min(10000 × 0.1, 500) / 125 = 4 BTC, 500 USD plus 0.5 fee.
	order, err := f.engine.Order(ctx, pr.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.Equal(t, model.SourceBot, order.Source)
	assert.Equal(t, b.ID, order.SourceID)
	assert.True(t, order.FilledQuantity.Equal(d("4")), "filled = %s", order.FilledQuantity)
	assert.True(t, f.usd(t).Available.Equal(d("9499.5")), "usd = %s", f.usd(t).Available)

	stop, err := f.engine.Order(ctx, order.ID+"-stop_loss")
	require.NoError(t, err)
	assert.Equal(t, model.OrderTypeStopLoss, stop.Type)
	require.NotNil(t, stop.StopPrice)
	assert.True(t, stop.StopPrice.Equal(d("112.5")), "stop = %s", stop.StopPrice)

	trades, err := f.repo.BotTrades(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, order.ID, trades[0].OrderID)
	assert.Equal(t, "buy", trades[0].Signal)
	assert.Equal(t, "moving_average", trades[0].SignalData["strategy"])
	assert.False(t, trades[0].Paper)

	got, err := f.repo.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalTrades)
	assert.NotNil(t, got.LastRunAt)
	assert.Contains(t, f.sink.kinds(), notify.KindBotSignal)
}

func TestRunCycle_SameBarDoesNotTradeTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.createBot(t, &registry.Bot{Name: "ma", MaxPositionSize: d("500")})

	_, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	before := f.usd(t)

	res, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, "signal already executed", res.Pairs[0].Reason)
	assert.True(t, f.usd(t).Available.Equal(before.Available))
}

func TestRunCycle_PaperBotOnlyNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.createBot(t, &registry.Bot{Name: "paper", PaperTrading: true, MaxPositionSize: d("500")})

	res, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, model.SideBuy, res.Pairs[0].Signal)
	assert.True(t, f.usd(t).Available.Equal(d("10000")))
	assert.Equal(t, []notify.Kind{notify.KindBotSignal}, f.sink.kinds())

	trades, err := f.repo.BotTrades(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Paper)
	assert.Empty(t, trades[0].OrderID)
}

func TestRunCycle_PairErrorsAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.quotes.SetError("ETH/USD", errors.New("exchange down"))
	b := f.createBot(t, &registry.Bot{Name: "ma", Pairs: []string{"ETH/USD", "BTC/USD"}, MaxPositionSize: d("500")})

	res, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 2)
	assert.Error(t, res.Pairs[0].Err)
	assert.NoError(t, res.Pairs[1].Err)
	assert.Equal(t, 1, res.Executed)
}

func TestRunCycle_InactiveBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.createBot(t, &registry.Bot{Name: "idle", MaxPositionSize: d("500")})
	require.NoError(t, f.repo.Deactivate(ctx, b.ID))

	res, err := f.runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, f.usd(t).Available.Equal(d("10000")))
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createBot(t, &registry.Bot{Name: "one", MaxPositionSize: d("100")})
	f.createBot(t, &registry.Bot{Name: "two", MaxPositionSize: d("100")})

	require.NoError(t, f.runner.RunAll(ctx))
	// Each bot commits 100 USD plus 0.1 fee.
	assert.True(t, f.usd(t).Available.Equal(d("9799.8")), "usd = %s", f.usd(t).Available)
}

// guardSettler serves canned trades so the daily loss guard can be tested
// without settling losing trades first.
type guardSettler struct {
	*settlement.Engine
	trades  []model.Trade
	err     error
	mu      sync.Mutex
	creates int
}

func (g *guardSettler) ListTrades(context.Context, store.TradeFilter) ([]model.Trade, error) {
	return g.trades, g.err
}

func (g *guardSettler) CreateOrder(ctx context.Context, userID string, req settlement.OrderRequest) (*model.Order, error) {
	g.mu.Lock()
	g.creates++
	g.mu.Unlock()
	return g.Engine.CreateOrder(ctx, userID, req)
}

func TestRunCycle_DailyLossGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	g := &guardSettler{Engine: f.engine, trades: []model.Trade{
		{ID: "t1", RealizedPnL: d("-40"), ExecutedAt: now},
		{ID: "t2", RealizedPnL: d("-20"), ExecutedAt: now},
		{ID: "yesterday", RealizedPnL: d("-1000"), ExecutedAt: now.AddDate(0, 0, -1)},
	}}
	runner := NewRunner(Config{}, g, f.repo, f.quotes, f.sink, nil)
	b := f.createBot(t, &registry.Bot{Name: "loser", MaxPositionSize: d("500"), MaxDailyLoss: d("50")})

	res, err := runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Deactivated)
	assert.Zero(t, g.creates)
	assert.Equal(t, []notify.Kind{notify.KindBotDeactivated}, f.sink.kinds())

	got, err := f.repo.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestRunCycle_DailyLossUnderLimitTrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := &guardSettler{Engine: f.engine, trades: []model.Trade{
		{ID: "t1", RealizedPnL: d("-49"), ExecutedAt: time.Now().UTC()},
	}}
	runner := NewRunner(Config{}, g, f.repo, f.quotes, f.sink, nil)
	b := f.createBot(t, &registry.Bot{Name: "ok", MaxPositionSize: d("500"), MaxDailyLoss: d("50")})

	res, err := runner.RunCycle(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Deactivated)
	assert.Equal(t, 1, g.creates)
}

func TestRunCycle_FailsClosedWhenPnLUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := &guardSettler{Engine: f.engine, err: errors.New("trade store unavailable")}
	runner := NewRunner(Config{}, g, f.repo, f.quotes, f.sink, nil)
	b := f.createBot(t, &registry.Bot{Name: "blind", MaxPositionSize: d("500"), MaxDailyLoss: d("50")})

	_, err := runner.RunCycle(ctx, b.ID)
	require.Error(t, err)
	assert.Zero(t, g.creates)
	assert.Empty(t, f.sink.kinds())

	got, err := f.repo.GetBot(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Active, "a failed check must not deactivate the bot")
	assert.Nil(t, got.LastRunAt)
}

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(Config{}, nil, nil, nil, nil, nil)
	assert.True(t, r.cfg.PerTradeCap.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 1, r.cfg.Parallelism)
}
