package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
)

// ErrNoOracleResponded 表示本周期没有任何模型成功应答，周期级失败。
var ErrNoOracleResponded = errors.New("decision: 本周期没有任何顾问模型成功应答")

// Audit 记录一次共识裁决的过程，供周期报告使用。
type Audit struct {
	Responders []string `json:"responders"`
	NonVoting  []string `json:"non_voting"`
	Notes      []string `json:"notes"`
}

// Aggregator 将多个模型的提案合并为每个交易对至多一条决策。
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator 创建共识裁决器。
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger}
}

// Aggregate 按 (symbol, action, direction) 分组做一致性裁决。
//
// 一致性只要求覆盖本周期成功应答的模型：弃权模型被记入审计但不参与投票。
// 决策的数值字段原样取自配置顺序中最靠前的参与模型，信心度取各参与
// 提案的最小值。存在分歧的交易对不产生任何决策，等价于隐式 HOLD。
func (a *Aggregator) Aggregate(reports []OracleReport) (map[string]AggregatedDecision, Audit, error) {
	audit := Audit{
		Responders: make([]string, 0, len(reports)),
		NonVoting:  make([]string, 0),
		Notes:      make([]string, 0),
	}

	responders := make([]OracleReport, 0, len(reports))
	for _, report := range reports {
		if report.Failure != nil {
			audit.NonVoting = append(audit.NonVoting, report.Oracle)
			audit.Notes = append(audit.Notes, fmt.Sprintf("%s 本周期弃权: %v", report.Oracle, report.Failure))
			continue
		}
		responders = append(responders, report)
		audit.Responders = append(audit.Responders, report.Oracle)
	}

	if len(responders) == 0 {
		return nil, audit, ErrNoOracleResponded
	}

	// 每个模型对同一交易对只保留首个提案，后续重复提案忽略。
	bySymbol := make(map[string][]TradeProposal)
	for _, report := range responders {
		seen := make(map[string]struct{}, len(report.Set.Trades))
		for _, proposal := range report.Set.Trades {
			if _, dup := seen[proposal.Symbol]; dup {
				audit.Notes = append(audit.Notes,
					fmt.Sprintf("%s 对 %s 给出了多条建议，仅保留第一条", report.Oracle, proposal.Symbol))
				continue
			}
			seen[proposal.Symbol] = struct{}{}
			bySymbol[proposal.Symbol] = append(bySymbol[proposal.Symbol], proposal)
		}
	}

	decisions := make(map[string]AggregatedDecision)

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		group := bySymbol[symbol]

		if len(group) < len(responders) {
			audit.Notes = append(audit.Notes,
				fmt.Sprintf("%s 仅有 %d/%d 个模型给出建议，跳过", symbol, len(group), len(responders)))
			continue
		}

		key := group[0].GroupKey()
		consistent := true
		for _, proposal := range group[1:] {
			if proposal.GroupKey() != key {
				consistent = false
				break
			}
		}
		if !consistent {
			detail := fmt.Sprintf("%s 的建议存在分歧:", symbol)
			for i, proposal := range group {
				detail += fmt.Sprintf(" %s=%s %s", responders[i].Oracle, proposal.Action, proposal.Direction)
			}
			audit.Notes = append(audit.Notes, detail)
			a.logger.Info("模型建议不一致，放弃该交易对", zap.String("symbol", symbol))
			continue
		}

		// 数值参数取首位模型，信心度取最弱一票。
		final := group[0]
		minConfidence := math.Inf(1)
		agreed := make([]string, 0, len(group))
		for i, proposal := range group {
			if proposal.Confidence < minConfidence {
				minConfidence = proposal.Confidence
			}
			agreed = append(agreed, responders[i].Oracle)
		}
		final.Confidence = minConfidence

		decisions[symbol] = AggregatedDecision{
			TradeProposal: final,
			AgreedOracles: agreed,
			Unanimous:     len(responders) == len(reports),
		}

		a.logger.Info("达成一致决策",
			zap.String("symbol", symbol),
			zap.String("action", string(final.Action)),
			zap.String("direction", string(final.Direction)),
			zap.Float64("confidence", final.Confidence),
			zap.Strings("agreed", agreed),
		)
	}

	return decisions, audit, nil
}
