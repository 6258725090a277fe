package market

import (
	"fmt"
	"strings"

	"consensus-trader/internal/exchange"
	"consensus-trader/internal/ledger"
)

// RenderPair 将交易对报告渲染为提示词中的行情段落。
func RenderPair(report PairReport) string {
	var sb strings.Builder
	snapshot := report.Snapshot
	short := report.Short
	long := report.Long

	fmt.Fprintf(&sb, "### %s\n", report.Symbol)
	fmt.Fprintf(&sb, "当前价格: %.6g\n", report.LastPrice())
	fmt.Fprintf(&sb, "持仓量: %.4g | 资金费率: %.6f\n", snapshot.OpenInterest, snapshot.FundingRate)

	fmt.Fprintf(&sb, "\n%s 周期:\n", snapshot.ShortInterval)
	fmt.Fprintf(&sb, "  EMA20=%.6g EMA50=%.6g\n", short.EMA20, short.EMA50)
	fmt.Fprintf(&sb, "  MACD=%.6g Signal=%.6g Hist=%.6g (前值 %.6g)\n",
		short.MACD.Value, short.MACD.Signal, short.MACD.Histogram, short.MACD.PrevHistogram)
	fmt.Fprintf(&sb, "  RSI7=%.2f ATR3=%.6g\n", short.RSI7, short.ATR3)
	fmt.Fprintf(&sb, "  成交量=%.4g (20均值 %.4g, 比值 %.2f)\n",
		short.Volume.Current, short.Volume.Average20, short.Volume.Ratio)
	fmt.Fprintf(&sb, "  近期收盘: %s\n", renderFloats(short.RecentCloses))
	fmt.Fprintf(&sb, "  近期MACD柱: %s\n", renderFloats(short.RecentMACD))

	fmt.Fprintf(&sb, "\n%s 周期:\n", snapshot.LongInterval)
	fmt.Fprintf(&sb, "  EMA20=%.6g EMA50=%.6g\n", long.EMA20, long.EMA50)
	fmt.Fprintf(&sb, "  MACD=%.6g Signal=%.6g Hist=%.6g\n",
		long.MACD.Value, long.MACD.Signal, long.MACD.Histogram)
	fmt.Fprintf(&sb, "  RSI14=%.2f ATR14=%.6g\n", long.RSI14, long.ATR14)
	fmt.Fprintf(&sb, "  近期收盘: %s\n", renderFloats(long.RecentCloses))

	return sb.String()
}

// RenderAccount 渲染账户与持仓段落。
func RenderAccount(account exchange.AccountSnapshot, positions []ledger.Position) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "账户净值: %.2f USDT | 可用资金: %.2f USDT | 浮动盈亏: %.2f USDT\n",
		account.TotalEquity, account.AvailableCash, account.UnrealizedPnl)

	if len(positions) == 0 {
		sb.WriteString("当前无持仓。\n")
		return sb.String()
	}

	sb.WriteString("当前持仓:\n")
	for _, pos := range positions {
		if pos.WaitForFill {
			fmt.Fprintf(&sb, "- %s 突破挂单等待成交 (方向 %s, 入场单号 %s)\n",
				pos.Symbol, pos.Direction, pos.EntryOrderID)
			continue
		}
		fmt.Fprintf(&sb, "- %s %s 数量=%.6g 入场价=%.6g 杠杆=%dx 浮动盈亏=%.2f 止损单=%s\n",
			pos.Symbol, pos.Side(), pos.Quantity, pos.EntryPrice, pos.Leverage,
			pos.UnrealizedPnl, orNone(pos.StopOrderID))
	}

	return sb.String()
}

func renderFloats(values []float64) string {
	if len(values) == 0 {
		return "无"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return strings.Join(parts, ", ")
}

func orNone(orderID string) string {
	if orderID == "" {
		return "无"
	}
	return orderID
}
