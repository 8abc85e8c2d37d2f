package bot

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bars(closes ...string) []model.Bar {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		v := d(c)
		out[i] = model.Bar{OpenTime: start.Add(time.Duration(i) * time.Hour), Open: v, High: v, Low: v, Close: v, Volume: d("1")}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	ma := model.MovingAverage(2, 4)
	rsi := model.RSI(3, d("30"), d("70"))
	macd := model.MACD(2, 3, 2)

	tests := []struct {
		name   string
		spec   model.StrategySpec
		closes []string
		want   model.Side // empty: no signal
	}{
		{"ma bullish cross", ma, []string{"100", "100", "100", "100", "100", "120"}, model.SideBuy},
		{"ma bearish cross", ma, []string{"100", "100", "100", "100", "100", "80"}, model.SideSell},
		{"ma flat", ma, []string{"100", "100", "100", "100", "100", "100"}, ""},
		{"ma already above", ma, []string{"100", "100", "100", "110", "120", "130"}, ""},
		{"rsi overbought", rsi, []string{"1", "2", "3", "4"}, model.SideSell},
		{"rsi oversold", rsi, []string{"4", "3", "2", "1"}, model.SideBuy},
		{"rsi neutral", rsi, []string{"10", "11", "10", "11"}, ""},
		{"macd bullish cross", macd, []string{"10", "10", "10", "10", "8", "20"}, model.SideBuy},
		{"macd bearish cross", macd, []string{"10", "10", "10", "10", "12", "0"}, model.SideSell},
		{"macd flat", macd, []string{"10", "10", "10", "10", "10", "10"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := Evaluate(tt.spec, bars(tt.closes...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == "" {
				if sig != nil {
					t.Fatalf("expected no signal, got %s (%s)", sig.Side, sig.Reason)
				}
				return
			}
			if sig == nil {
				t.Fatalf("expected %s signal, got none", tt.want)
			}
			if sig.Side != tt.want {
				t.Errorf("side = %s, want %s", sig.Side, tt.want)
			}
			last := d(tt.closes[len(tt.closes)-1])
			if !sig.Price.Equal(last) {
				t.Errorf("price = %s, want last close %s", sig.Price, last)
			}
			if sig.Data["strategy"] != string(tt.spec.Kind) {
				t.Errorf("signal data = %v", sig.Data)
			}
		})
	}
}

func TestEvaluate_NotEnoughHistory(t *testing.T) {
	specs := []model.StrategySpec{
		model.MovingAverage(2, 4),
		model.RSI(14, d("30"), d("70")),
		model.MACD(12, 26, 9),
	}
	for _, spec := range specs {
		_, err := Evaluate(spec, bars("1", "2", "3"))
		if !errors.Is(err, ErrNotEnoughHistory) {
			t.Errorf("%s: expected ErrNotEnoughHistory, got %v", spec.Kind, err)
		}
	}
}

func TestEvaluate_InvalidSpec(t *testing.T) {
	_, err := Evaluate(model.MovingAverage(5, 3), bars("1", "2", "3", "4", "5", "6"))
	if !errors.Is(err, model.ErrInvalidStrategy) {
		t.Errorf("expected ErrInvalidStrategy, got %v", err)
	}
}

func TestRSI_Value(t *testing.T) {
	closes := []decimal.Decimal{d("10"), d("11"), d("10"), d("11")}
	got := rsi(closes, 3).StringFixed(2)
	if got != "66.67" {
		t.Errorf("rsi = %s, want 66.67", got)
	}
}

func TestBarsNeeded(t *testing.T) {
	if n := BarsNeeded(model.MACD(12, 26, 9)); n != 45 {
		t.Errorf("macd bars = %d, want 45", n)
	}
	if n := BarsNeeded(model.MovingAverage(20, 50)); n != 60 {
		t.Errorf("ma bars = %d, want 60", n)
	}
}
