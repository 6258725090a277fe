package execution

import "consensus-trader/internal/decision"

// FailureKind 对执行失败进行分类。
type FailureKind string

const (
	FailureNone FailureKind = ""

	// FailureExchangeCall 表示某个交易所调用失败，动作在安全点中止。
	FailureExchangeCall FailureKind = "exchange_call_failed"

	// FailureUnprotectedAfterOpen 表示入场成交后止损单挂设失败。
	// 仓位真实存在但没有保护，该交易对会被冻结，需要人工介入。
	FailureUnprotectedAfterOpen FailureKind = "unprotected_position_after_open"

	// FailureStaleStopCancel 表示平仓前撤销旧止损单失败（且并非订单已不存在）。
	// 为避免止损单与平仓单双重成交，平仓被放弃。
	FailureStaleStopCancel FailureKind = "stale_protective_order_cancel_failed"
)

// Result 为一次执行动作的结果记录。
type Result struct {
	Symbol       string          `json:"symbol"`
	Action       decision.Action `json:"action"`
	Applied      bool            `json:"applied"`
	EntryOrderID string          `json:"entry_order_id,omitempty"`
	StopOrderID  string          `json:"stop_order_id,omitempty"`
	Failure      FailureKind     `json:"failure,omitempty"`
	Error        string          `json:"error,omitempty"`
	Note         string          `json:"note,omitempty"`
}
