package market

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"consensus-trader/internal/exchange"
	"consensus-trader/internal/indicator"
)

// 指标计算对K线数量的最低要求，长周期EMA50需要足够样本。
const minCandles = 60

// PairReport 汇总单个交易对两个周期的行情与指标。
type PairReport struct {
	Symbol   string
	Snapshot exchange.MarketSnapshot
	Short    indicator.Result
	Long     indicator.Result
}

// LastPrice 返回报告中的最新价格。
func (r PairReport) LastPrice() float64 {
	return r.Snapshot.LastPrice()
}

// Builder 将行情快照加工成带指标的交易对报告。
type Builder struct {
	indicators *indicator.Calculator
	logger     *zap.Logger
}

// NewBuilder 创建报告构建器。
func NewBuilder(calc *indicator.Calculator, logger *zap.Logger) *Builder {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		indicators: calc,
		logger:     logger,
	}
}

// Build 计算快照对应的指标报告。
func (b *Builder) Build(ctx context.Context, snapshot exchange.MarketSnapshot) (PairReport, error) {
	if len(snapshot.ShortCandles) < minCandles {
		return PairReport{}, fmt.Errorf("%s 短周期K线数量不足，至少需要 %d 根，当前 %d",
			snapshot.Symbol, minCandles, len(snapshot.ShortCandles))
	}
	if len(snapshot.LongCandles) < minCandles {
		return PairReport{}, fmt.Errorf("%s 长周期K线数量不足，至少需要 %d 根，当前 %d",
			snapshot.Symbol, minCandles, len(snapshot.LongCandles))
	}

	select {
	case <-ctx.Done():
		return PairReport{}, ctx.Err()
	default:
	}

	short, err := b.indicators.Compute(snapshot.Symbol, snapshot.ShortInterval, snapshot.ShortCandles)
	if err != nil {
		return PairReport{}, fmt.Errorf("计算短周期指标失败 %s: %w", snapshot.Symbol, err)
	}

	long, err := b.indicators.Compute(snapshot.Symbol, snapshot.LongInterval, snapshot.LongCandles)
	if err != nil {
		return PairReport{}, fmt.Errorf("计算长周期指标失败 %s: %w", snapshot.Symbol, err)
	}

	return PairReport{
		Symbol:   snapshot.Symbol,
		Snapshot: snapshot,
		Short:    short,
		Long:     long,
	}, nil
}
