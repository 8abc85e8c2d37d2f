package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/marketdata"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	engine *settlement.Engine
	quotes *marketdata.StaticProvider
	router chi.Router
}

// newTestEnv wires the service to a real engine over in-memory stores.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := pairs.NewCatalog([]model.Pair{
		{Symbol: "BTC/USD", Active: true, MinOrderSize: d("0.0001"), MaxOrderSize: d("100"),
			PricePrecision: 2, QuantityPrecision: 8, FeePercentage: d("0.1")},
	})
	require.NoError(t, err)

	env := &testEnv{quotes: marketdata.NewStaticProvider()}
	env.engine, err = settlement.New(settlement.Config{FeeAccount: "fees"},
		ledger.NewMemoryStore(), store.NewMemoryStore(), env.quotes, catalog, nil, nil)
	require.NoError(t, err)
	env.quotes.SetQuote("BTC/USD", d("19990"), d("20000"))

	env.router = chi.NewRouter()
	env.router.Route("/api/v1", trade.NewService(env.engine, nil).Routes)
	return env
}

func (env *testEnv) fund(t *testing.T, user, currency, amount string) {
	t.Helper()
	_, err := env.engine.Deposit(context.Background(), user, currency, d(amount), "")
	require.NoError(t, err)
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestCreateOrder_MarketBuyFills(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USD", "10000")

	w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"user_id": "alice", "pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "0.1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[trade.OrderResponse](t, w)
	require.NotNil(t, resp.Order)
	assert.Equal(t, model.OrderStatusFilled, resp.Order.Status)
	assert.Equal(t, model.SourceManual, resp.Order.Source)
	assert.True(t, resp.Order.AveragePrice.Equal(d("20000")))

	w = env.do(t, http.MethodGet, "/api/v1/users/alice/wallets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	balances := map[string]model.Wallet{}
	for _, wl := range decode[[]model.Wallet](t, w) {
		balances[wl.Currency] = wl
	}
	// 2000 notional plus a 2 USD fee.
	assert.True(t, balances["USD"].Available.Equal(d("7998")), balances["USD"].Available.String())
	assert.True(t, balances["BTC"].Available.Equal(d("0.1")))
}

func TestCreateOrder_InsufficientFundsReturnsRejectedOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "bob", "USD", "100")

	w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"user_id": "bob", "pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "1", "price": "19000",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	resp := decode[trade.OrderResponse](t, w)
	require.NotNil(t, resp.Order)
	assert.Equal(t, model.OrderStatusRejected, resp.Order.Status)
	assert.Contains(t, resp.Error, "insufficient funds")
}

func TestCreateOrder_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad body", "not an object", http.StatusBadRequest},
		{"missing price", map[string]any{"user_id": "carol", "pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "1"}, http.StatusBadRequest},
		{"unknown pair", map[string]any{"user_id": "carol", "pair": "DOGE/USD", "type": "market", "side": "buy", "quantity": "1"}, http.StatusBadRequest},
		{"zero quantity", map[string]any{"user_id": "carol", "pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "0"}, http.StatusBadRequest},
		{"copy id prefix", map[string]any{"id": "copy-sub-m1", "user_id": "carol", "pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "0.01", "price": "19000"}, http.StatusBadRequest},
		{"bot id prefix", map[string]any{"id": "bot-b1-BTCUSD-buy-1", "user_id": "carol", "pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "0.01", "price": "19000"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/api/v1/orders", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCreateOrder_QuoteOutage(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "dave", "USD", "10000")
	env.quotes.SetError("BTC/USD", marketdata.ErrQuoteUnavailable)

	w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"user_id": "dave", "pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "0.1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateOrder_DuplicateClientID(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "erin", "USD", "100000")
	body := map[string]any{
		"id": "client-1", "user_id": "erin", "pair": "BTC/USD", "type": "limit", "side": "buy",
		"quantity": "0.5", "price": "19000",
	}
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/orders", body).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/orders", body).Code)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "frank", "USD", "10000")

	w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"id": "lim-1", "user_id": "frank", "pair": "BTC/USD", "type": "limit", "side": "buy",
		"quantity": "0.1", "price": "19000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Another user's order is not visible.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/users/mallory/orders/lim-1/cancel", nil).Code)

	w = env.do(t, http.MethodPost, "/api/v1/users/frank/orders/lim-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.OrderStatusCancelled, decode[model.Order](t, w).Status)

	// A cancelled order cannot be cancelled again.
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/users/frank/orders/lim-1/cancel", nil).Code)

	usd, err := env.engine.Wallet(context.Background(), "frank", "USD")
	require.NoError(t, err)
	assert.True(t, usd.Available.Equal(d("10000")))
	assert.True(t, usd.Locked.IsZero())
}

func TestGetAndListOrders(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "gina", "USD", "100000")
	for _, id := range []string{"a", "b"} {
		w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
			"id": id, "user_id": "gina", "pair": "BTC/USD", "type": "limit", "side": "buy",
			"quantity": "0.1", "price": "19000",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	env.do(t, http.MethodPost, "/api/v1/users/gina/orders/b/cancel", nil)

	w := env.do(t, http.MethodGet, "/api/v1/users/gina/orders/a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", decode[model.Order](t, w).ID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/users/gina/orders/missing", nil).Code)

	w = env.do(t, http.MethodGet, "/api/v1/users/gina/orders?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	open := decode[[]model.Order](t, w)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/users/gina/orders?limit=x", nil).Code)
}

func TestGetPortfolio_MarksAtBid(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "hank", "USD", "10000")
	w := env.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"user_id": "hank", "pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "0.1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	env.quotes.SetQuote("BTC/USD", d("21000"), d("21010"))
	w = env.do(t, http.MethodGet, "/api/v1/portfolio/hank", nil)
	require.Equal(t, http.StatusOK, w.Code)

	p := decode[trade.Portfolio](t, w)
	require.Len(t, p.Positions, 1)
	assert.True(t, p.Positions[0].CurrentPrice.Equal(d("21000")))
	assert.True(t, p.UnrealizedPnL.Equal(d("100")), p.UnrealizedPnL.String())
	assert.True(t, p.ExposureByPair["BTC/USD"].Equal(d("0.1")))

	w = env.do(t, http.MethodGet, "/api/v1/portfolio/nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[trade.Portfolio](t, w).Positions)
}

func TestGetQuoteAndPairs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/quotes/BTC/USD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.Quote](t, w).Ask.Equal(d("20000")))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/quotes/ETH/USD", nil).Code)

	w = env.do(t, http.MethodGet, "/api/v1/pairs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Pair](t, w), 1)
}
