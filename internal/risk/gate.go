package risk

import (
	"fmt"

	"go.uber.org/zap"

	"consensus-trader/internal/decision"
	"consensus-trader/internal/ledger"
)

// Reason 标识拒绝执行的原因分类。
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonBelowConfidence     Reason = "below_confidence"
	ReasonLossProtection      Reason = "loss_protection"
	ReasonDuplicatePosition   Reason = "duplicate_position"
	ReasonUnprotectedPosition Reason = "unprotected_position"
)

// Verdict 为风控闸门对单条决策的裁定结果。
type Verdict struct {
	Symbol  string `json:"symbol"`
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Gate 按固定顺序应用风控规则，决定一条共识决策能否进入执行。
type Gate struct {
	confidenceThreshold float64
	logger              *zap.Logger
}

// NewGate 创建风控闸门。
func NewGate(confidenceThreshold float64, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		confidenceThreshold: confidenceThreshold,
		logger:              logger,
	}
}

// Check 裁定单条决策。pos 为 nil 表示该交易对当前无持仓。
//
// HOLD 永远放行，先于其余规则判定：显式不操作不应被记成拒绝。
// 其余规则按序应用：冻结检查 → 信心度阈值 → 亏损保护 → 单仓位限制。
func (g *Gate) Check(d decision.AggregatedDecision, pos *ledger.Position) Verdict {
	verdict := Verdict{Symbol: d.Symbol}

	if d.Action == decision.ActionHold {
		verdict.Allowed = true
		verdict.Note = "保持现状，无需交易"
		return verdict
	}

	if pos != nil && pos.Unprotected {
		verdict.Reason = ReasonUnprotectedPosition
		verdict.Note = fmt.Sprintf("持仓失去止损保护（%s），该交易对已冻结自动操作", pos.HaltReason)
		g.logger.Warn("交易对处于冻结状态，拒绝执行",
			zap.String("symbol", d.Symbol),
			zap.String("halt_reason", pos.HaltReason),
		)
		return verdict
	}

	if d.Confidence < g.confidenceThreshold {
		verdict.Reason = ReasonBelowConfidence
		verdict.Note = fmt.Sprintf("信心度 %.2f 低于阈值 %.2f", d.Confidence, g.confidenceThreshold)
		g.logger.Info("信心度不足，跳过执行",
			zap.String("symbol", d.Symbol),
			zap.Float64("confidence", d.Confidence),
			zap.Float64("threshold", g.confidenceThreshold),
		)
		return verdict
	}

	if d.Action == decision.ActionClose && pos != nil && pos.UnrealizedPnl < 0 {
		// 亏损仓位唯一允许的退出方式是交易所侧止损单异步触发，
		// 模型建议的平仓一律拒绝。
		verdict.Reason = ReasonLossProtection
		verdict.Note = fmt.Sprintf("当前浮亏 %.2f，禁止主动平仓", pos.UnrealizedPnl)
		g.logger.Info("亏损保护生效，拒绝平仓",
			zap.String("symbol", d.Symbol),
			zap.Float64("unrealized_pnl", pos.UnrealizedPnl),
		)
		return verdict
	}

	if d.Action.IsEntry() && pos != nil {
		verdict.Reason = ReasonDuplicatePosition
		verdict.Note = fmt.Sprintf("已存在 %s 持仓，单交易对只允许一个受管仓位", pos.Side())
		g.logger.Info("仓位已存在，拒绝重复开仓",
			zap.String("symbol", d.Symbol),
			zap.String("action", string(d.Action)),
		)
		return verdict
	}

	verdict.Allowed = true
	return verdict
}
