package monitor

import (
	"time"

	"consensus-trader/internal/decision"
	"consensus-trader/internal/exchange"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/ledger"
	"consensus-trader/internal/oracle"
	"consensus-trader/internal/risk"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOracleAttempt EventType = "oracle_attempt"
	EventAggregation   EventType = "aggregation"
	EventRiskVerdict   EventType = "risk_verdict"
	EventExecution     EventType = "execution"
	EventPosition      EventType = "position"
	EventCycleReport   EventType = "cycle_report"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OracleAttemptPayload 记录单次顾问模型调用的完整审计信息。
type OracleAttemptPayload struct {
	Attempt oracle.Attempt `json:"attempt"`
}

// AggregationPayload 记录共识裁决结果与投票审计。
type AggregationPayload struct {
	Decisions  []decision.AggregatedDecision `json:"decisions"`
	Responders []string                      `json:"responders"`
	NonVoting  []string                      `json:"non_voting"`
	Notes      []string                      `json:"notes,omitempty"`
}

// RiskVerdictPayload 记录风控裁定。
type RiskVerdictPayload struct {
	Decision decision.AggregatedDecision `json:"decision"`
	Verdict  risk.Verdict                `json:"verdict"`
}

// ExecutionPayload 记录订单执行结果。
type ExecutionPayload struct {
	Decision decision.AggregatedDecision `json:"decision"`
	Result   execution.Result            `json:"result"`
}

// PositionPayload 追踪账户与持仓。
type PositionPayload struct {
	Account   exchange.AccountSnapshot `json:"account"`
	Positions []ledger.Position        `json:"positions"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
