package decision

import (
	"errors"
	"fmt"
	"strings"
)

// Action 表示顾问模型建议的交易动作。
type Action string

const (
	ActionOpen         Action = "OPEN"
	ActionClose        Action = "CLOSE"
	ActionHold         Action = "HOLD"
	ActionBreakoutBuy  Action = "BREAKOUT_BUY"
	ActionBreakoutSell Action = "BREAKOUT_SELL"
)

// Direction 表示持仓方向。仅对 OPEN / BREAKOUT_* 动作有意义。
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// IsEntry 判断动作是否会建立新仓位。
func (a Action) IsEntry() bool {
	return a == ActionOpen || a == ActionBreakoutBuy || a == ActionBreakoutSell
}

// IsBreakout 判断动作是否为突破挂单入场。
func (a Action) IsBreakout() bool {
	return a == ActionBreakoutBuy || a == ActionBreakoutSell
}

// Bounds 描述提案数值字段的合法区间，由配置提供。
type Bounds struct {
	MinLeverage     int
	MaxLeverage     int
	MinPositionSize float64
	MaxPositionSize float64
}

// TradeProposal 表示单个顾问模型对单个交易对的建议。
// 在一个周期内解析后不可变，周期结束即丢弃。
type TradeProposal struct {
	Symbol               string    `json:"symbol"`
	Action               Action    `json:"action"`
	Direction            Direction `json:"direction"`
	Leverage             int       `json:"leverage"`
	PositionSizeFraction float64   `json:"position_size_percent"`
	EntryPriceTarget     float64   `json:"entry_price_target"`
	StopLossPrice        float64   `json:"stop_loss"`
	Confidence           float64   `json:"confidence"`
	Reason               string    `json:"reason"`
}

// ProposalSet 为单个模型一次响应的完整解析结果。
type ProposalSet struct {
	Analysis string          `json:"analysis"`
	Trades   []TradeProposal `json:"trades"`
}

var actionAliases = map[string]Action{
	"OPEN":          ActionOpen,
	"CLOSE":         ActionClose,
	"HOLD":          ActionHold,
	"BREAKOUT_BUY":  ActionBreakoutBuy,
	"BREAKOUT_SELL": ActionBreakoutSell,
	// 旧版提示词使用的缩写
	"BP": ActionBreakoutBuy,
	"SP": ActionBreakoutSell,
}

// Normalize 将动作与方向统一为大写规范值。返回错误表示字段取值非法。
func (p *TradeProposal) Normalize() error {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))

	action, ok := actionAliases[strings.ToUpper(strings.TrimSpace(string(p.Action)))]
	if !ok {
		return fmt.Errorf("action 字段取值非法: %s", p.Action)
	}
	p.Action = action

	direction := Direction(strings.ToUpper(strings.TrimSpace(string(p.Direction))))
	if p.Action.IsEntry() {
		switch direction {
		case DirectionLong, DirectionShort:
			p.Direction = direction
		default:
			return fmt.Errorf("direction 字段取值非法: %s", p.Direction)
		}
	} else {
		// CLOSE / HOLD 不携带方向，统一清空以便比较。
		p.Direction = ""
	}

	return nil
}

// Validate 按照显式模式校验提案字段，任何偏差都整体拒绝。
func (p TradeProposal) Validate(bounds Bounds) error {
	if p.Symbol == "" {
		return errors.New("symbol 不能为空")
	}
	if p.Confidence < 0.1 || p.Confidence > 1.0 {
		return fmt.Errorf("confidence 必须位于[0.1,1.0]，当前为 %f", p.Confidence)
	}

	if p.Action.IsEntry() {
		if p.Leverage < bounds.MinLeverage || p.Leverage > bounds.MaxLeverage {
			return fmt.Errorf("leverage 必须位于[%d,%d]，当前为 %d", bounds.MinLeverage, bounds.MaxLeverage, p.Leverage)
		}
		if p.PositionSizeFraction < bounds.MinPositionSize || p.PositionSizeFraction > bounds.MaxPositionSize {
			return fmt.Errorf("position_size_percent 必须位于[%.2f,%.2f]，当前为 %f",
				bounds.MinPositionSize, bounds.MaxPositionSize, p.PositionSizeFraction)
		}
		if p.EntryPriceTarget <= 0 {
			return fmt.Errorf("entry_price_target 必须为正，当前为 %f", p.EntryPriceTarget)
		}
		if p.StopLossPrice <= 0 {
			return fmt.Errorf("stop_loss 必须为正，当前为 %f", p.StopLossPrice)
		}
		switch p.Direction {
		case DirectionLong:
			if p.StopLossPrice >= p.EntryPriceTarget {
				return fmt.Errorf("多头止损 %f 必须低于入场价 %f", p.StopLossPrice, p.EntryPriceTarget)
			}
		case DirectionShort:
			if p.StopLossPrice <= p.EntryPriceTarget {
				return fmt.Errorf("空头止损 %f 必须高于入场价 %f", p.StopLossPrice, p.EntryPriceTarget)
			}
		}
	}

	return nil
}

// GroupKey 返回用于一致性比较的 (symbol, action, direction) 元组。
func (p TradeProposal) GroupKey() string {
	return p.Symbol + "|" + string(p.Action) + "|" + string(p.Direction)
}

// OracleReport 为单个模型在一个周期内的投票结果。
// Failure 非空表示该模型本周期弃权（超时、网络或解析失败）。
// 切片的顺序即配置中的模型优先级顺序。
type OracleReport struct {
	Oracle  string
	Set     ProposalSet
	Failure error
}

// AggregatedDecision 为共识裁决后每个交易对至多一条的最终决策。
type AggregatedDecision struct {
	TradeProposal
	// AgreedOracles 为参与该一致建议的模型名称，按配置顺序排列。
	AgreedOracles []string
	// Unanimous 表示所有已配置模型（而不仅是本周期应答的模型）均参与了该建议。
	Unanimous bool
}
