package indicator

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"

	"consensus-trader/internal/exchange"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总。
//
// 短周期关注 RSI7/ATR3 等快速指标，长周期关注 RSI14/ATR14，
// 两个周期共用同一结构，调用方按需取值。
type Result struct {
	Timeframe     string
	Series        Series
	EMA20         float64
	EMA50         float64
	MACD          MACDResult
	RSI7          float64
	RSI14         float64
	ATR3          float64
	ATR14         float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64

	// 末尾若干根K线的收盘价与MACD柱，供决策提示词展示走势。
	RecentCloses []float64
	RecentMACD   []float64
}

// recentWindow 控制提示词中展示的近期序列长度。
const recentWindow = 10

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}

	series := NewSeries(candles)
	cacheScope := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%s:%d:%d", cacheScope, series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[cacheScope]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(timeframe, series)

	c.mu.Lock()
	c.cache[cacheScope] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(timeframe string, series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low
	volumes := series.Volume

	ema20 := talib.Ema(closePrices, 20)
	ema50 := talib.Ema(closePrices, 50)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)

	rsi7 := talib.Rsi(closePrices, 7)
	rsi14 := talib.Rsi(closePrices, 14)

	atr3 := talib.Atr(highs, lows, closePrices, 3)
	atr14 := talib.Atr(highs, lows, closePrices, 14)

	volumeAvg20 := average(SliceTail(volumes, 20))
	volumeCurrent := Last(volumes)

	return Result{
		Timeframe: timeframe,
		Series:    series,
		EMA20:     Last(ema20),
		EMA50:     Last(ema50),
		MACD: MACDResult{
			Value:         Last(macd),
			Signal:        Last(macdSignal),
			Histogram:     Last(macdHist),
			PrevHistogram: Prev(macdHist),
		},
		RSI7:  Last(rsi7),
		RSI14: Last(rsi14),
		ATR3:  Last(atr3),
		ATR14: Last(atr14),
		Volume: VolumeResult{
			Current:   volumeCurrent,
			Average20: volumeAvg20,
			Ratio:     SafeDivide(volumeCurrent, volumeAvg20),
		},
		Close:         Last(closePrices),
		PreviousClose: Prev(closePrices),
		RecentCloses:  SliceTail(closePrices, recentWindow),
		RecentMACD:    SliceTail(macdHist, recentWindow),
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
