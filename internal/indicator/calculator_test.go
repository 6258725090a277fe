package indicator

import (
	"math"
	"testing"
	"time"

	"consensus-trader/internal/exchange"
)

func syntheticCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		price += 0.5
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price - 0.3,
			High:      price + 0.6,
			Low:       price - 0.7,
			Close:     price,
			Volume:    1000 + float64(i%7)*50,
		}
	}
	return candles
}

func TestCompute_BasicFields(t *testing.T) {
	calc := NewCalculator()
	candles := syntheticCandles(120)

	result, err := calc.Compute("BTC/USDT:USDT", "3m", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if result.Close != candles[len(candles)-1].Close {
		t.Errorf("Close must equal last candle close: got %f", result.Close)
	}
	for name, v := range map[string]float64{
		"EMA20": result.EMA20,
		"EMA50": result.EMA50,
		"RSI7":  result.RSI7,
		"RSI14": result.RSI14,
		"ATR3":  result.ATR3,
		"ATR14": result.ATR14,
	} {
		if math.IsNaN(v) || v == 0 {
			t.Errorf("%s must be computed for 120 candles, got %f", name, v)
		}
	}

	// 持续上涨的序列里短均线应高于长均线。
	if result.EMA20 <= result.EMA50 {
		t.Errorf("EMA20 (%f) should exceed EMA50 (%f) in a rising series", result.EMA20, result.EMA50)
	}
	if len(result.RecentCloses) != recentWindow {
		t.Errorf("expected %d recent closes, got %d", recentWindow, len(result.RecentCloses))
	}
}

func TestCompute_EmptyInputRejected(t *testing.T) {
	calc := NewCalculator()
	if _, err := calc.Compute("BTC/USDT:USDT", "3m", nil); err == nil {
		t.Fatalf("expected error for empty candles")
	}
}

func TestCompute_CacheHitReturnsSameResult(t *testing.T) {
	calc := NewCalculator()
	candles := syntheticCandles(120)

	first, err := calc.Compute("BTC/USDT:USDT", "3m", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, err := calc.Compute("BTC/USDT:USDT", "3m", candles)
	if err != nil {
		t.Fatalf("cached Compute returned error: %v", err)
	}
	if first.EMA20 != second.EMA20 || first.Close != second.Close {
		t.Errorf("cache hit must return identical results")
	}
}

func TestSliceTail(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	tail := SliceTail(values, 3)
	if len(tail) != 3 || tail[0] != 3 || tail[2] != 5 {
		t.Errorf("unexpected tail: %v", tail)
	}
	if got := SliceTail(values, 10); len(got) != 5 {
		t.Errorf("tail longer than input must return everything, got %v", got)
	}
	if got := SliceTail(nil, 3); got != nil {
		t.Errorf("empty input must return nil, got %v", got)
	}
}
