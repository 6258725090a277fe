package exchange

import "time"

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketSnapshot 聚合单个交易对一个周期所需的全部行情数据。
type MarketSnapshot struct {
	Symbol        string
	ShortInterval string
	LongInterval  string
	ShortCandles  []Candle
	LongCandles   []Candle
	OpenInterest  float64
	FundingRate   float64
	RetrievedAt   time.Time
}

// LastPrice 返回快照中的最新收盘价。
func (s MarketSnapshot) LastPrice() float64 {
	if n := len(s.ShortCandles); n > 0 {
		return s.ShortCandles[n-1].Close
	}
	if n := len(s.LongCandles); n > 0 {
		return s.LongCandles[n-1].Close
	}
	return 0
}

// AccountSnapshot 描述账户资金状况。
type AccountSnapshot struct {
	TotalEquity   float64
	AvailableCash float64
	UnrealizedPnl float64
	Timestamp     time.Time
}

// PositionDetail 表示交易所侧的单个持仓，包含交易所侧已挂的保护单号。
type PositionDetail struct {
	Symbol        string
	Quantity      float64 // 带符号，多头为正
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      int
	StopOrderID   string
	TakeProfitID  string
	Timestamp     time.Time
}

// OrderAck 为下单回执。
type OrderAck struct {
	ID     string
	Status string
}
