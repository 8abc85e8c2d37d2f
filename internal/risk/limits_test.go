package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func TestBuyQuantity(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		available string
		price     string
		want      string
	}{
		{"uncapped", Limits{PerTradeCap: d("0.5")}, "1000", "2000", "0.25"},
		{"capped by max position", Limits{PerTradeCap: d("1"), MaxPositionSize: d("500")}, "1000", "2000", "0.25"},
		{"cap below max", Limits{PerTradeCap: d("0.1"), MaxPositionSize: d("500")}, "1000", "2000", "0.05"},
		{"zero price", Limits{PerTradeCap: d("1")}, "1000", "0", "0"},
		{"empty wallet", Limits{PerTradeCap: d("1")}, "0", "2000", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.limits.BuyQuantity(d(tt.available), d(tt.price))
			if !got.Equal(d(tt.want)) {
				t.Errorf("BuyQuantity = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSellQuantity(t *testing.T) {
	l := Limits{PerTradeCap: d("0.5"), MaxPositionSize: d("1000")}

	// 50% of 4 ETH = 2, but 1000 / 2000 = 0.5 caps it.
	if got := l.SellQuantity(d("4"), d("2000")); !got.Equal(d("0.5")) {
		t.Errorf("SellQuantity = %s, want 0.5", got)
	}
	l.MaxPositionSize = decimal.Zero
	if got := l.SellQuantity(d("4"), d("2000")); !got.Equal(d("2")) {
		t.Errorf("SellQuantity uncapped = %s, want 2", got)
	}
}

func TestCopyLimits(t *testing.T) {
	l := CopyLimits(d("50"), ptr(d("300")))
	if !l.PerTradeCap.Equal(d("0.5")) || !l.MaxPositionSize.Equal(d("300")) {
		t.Errorf("CopyLimits = %+v", l)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := CopyLimits(d("150"), nil).Validate(); !errors.Is(err, ErrInvalidLimits) {
		t.Errorf("150%%: expected ErrInvalidLimits, got %v", err)
	}
}

func TestCheckDailyLoss(t *testing.T) {
	tests := []struct {
		realized, max string
		wantErr       bool
	}{
		{"-50", "100", false},
		{"-100", "100", false}, // equal is still allowed
		{"-100.01", "100", true},
		{"-5000", "0", false}, // guard disabled
		{"250", "100", false},
	}
	for _, tt := range tests {
		err := CheckDailyLoss(d(tt.realized), d(tt.max))
		if tt.wantErr != errors.Is(err, ErrDailyLossExceeded) {
			t.Errorf("CheckDailyLoss(%s, %s) = %v, wantErr %v", tt.realized, tt.max, err, tt.wantErr)
		}
	}
}

func TestDailyPnL_OnlyToday(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	trades := []model.Trade{
		{RealizedPnL: d("-40"), ExecutedAt: now.Add(-time.Hour)},
		{RealizedPnL: d("15"), ExecutedAt: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{RealizedPnL: d("-999"), ExecutedAt: now.AddDate(0, 0, -1)},
		{RealizedPnL: d("-1"), ExecutedAt: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	if got := DailyPnL(trades, now); !got.Equal(d("-25")) {
		t.Errorf("DailyPnL = %s, want -25", got)
	}
}

func TestCheckLimit_PerPair(t *testing.T) {
	l := NewPositionLimiter(d("10"), d("100"))
	existing := map[string]decimal.Decimal{"BTC/USD": d("9.5")}

	if err := l.CheckLimit("BTC/USD", d("1"), existing); err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
	// Selling reduces the position.
	if err := l.CheckLimit("BTC/USD", d("-5"), existing); err != nil {
		t.Errorf("reducing trade rejected: %v", err)
	}
}

func TestCheckLimit_CorrelatedByBase(t *testing.T) {
	l := NewPositionLimiter(d("10"), d("12"))
	existing := map[string]decimal.Decimal{
		"BTC/USD":  d("8"),
		"ETH/USD":  d("9"), // different base, not counted
		"BTC/USDT": d("-3"),
	}

	// |2| + |8| + |-3| = 13 > 12.
	if err := l.CheckLimit("BTC/EUR", d("2"), existing); err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
	if err := l.CheckLimit("BTC/EUR", d("1"), existing); err != nil {
		t.Errorf("exactly at limit should pass, got %v", err)
	}
	if err := l.CheckLimit("ETH/USD", d("1"), existing); err != nil {
		t.Errorf("ETH unaffected by BTC exposure, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckLimit("BTC/USD", d("1000000"), nil); err != nil {
		t.Errorf("disabled limiter returned %v", err)
	}
}

func TestExposures(t *testing.T) {
	got := Exposures([]model.Position{
		{Pair: "BTC/USD", Side: model.PositionLong, Quantity: d("2")},
		{Pair: "BTC/USD", Side: model.PositionShort, Quantity: d("0.5")},
		{Pair: "ETH/USD", Side: model.PositionLong, Quantity: d("3")},
	})
	if !got["BTC/USD"].Equal(d("1.5")) || !got["ETH/USD"].Equal(d("3")) {
		t.Errorf("Exposures = %v", got)
	}
}
