package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"consensus-trader/internal/decision"
)

// ErrConcurrentAction 表示该交易对已有动作在执行中。
var ErrConcurrentAction = errors.New("ledger: 该交易对已有动作在执行中")

// NoOrder 为订单号字段的哨兵值，表示不存在对应订单。
const NoOrder = ""

// Position 为单个交易对的权威持仓记录。
// 只能由 OrderExecutor 通过 Guard 在 Begin/Release 区间内修改。
type Position struct {
	Symbol        string             `json:"symbol"`
	Quantity      float64            `json:"quantity"` // 带符号，多头为正
	EntryPrice    float64            `json:"entry_price"`
	Leverage      int                `json:"leverage"`
	UnrealizedPnl float64            `json:"unrealized_pnl"`
	EntryOrderID  string             `json:"entry_order_id"`
	StopOrderID   string             `json:"stop_order_id"`
	TakeProfitID  string             `json:"take_profit_order_id"`
	Direction     decision.Direction `json:"direction"`

	// WaitForFill 表示突破挂单尚未成交，止损单待成交后补挂。
	WaitForFill      bool    `json:"wait_for_fill"`
	PendingStopPrice float64 `json:"pending_stop_price,omitempty"`

	// Unprotected 表示入场成功但止损单挂设失败。
	// 置位后该交易对停止一切自动操作，直到人工清除。
	Unprotected bool   `json:"unprotected"`
	HaltReason  string `json:"halt_reason,omitempty"`
}

// Side 返回持仓方向，空仓返回空串。
func (p Position) Side() decision.Direction {
	switch {
	case p.Quantity > 0:
		return decision.DirectionLong
	case p.Quantity < 0:
		return decision.DirectionShort
	default:
		return p.Direction
	}
}

// HasStop 判断是否存在有效止损单。
func (p Position) HasStop() bool {
	return p.StopOrderID != NoOrder
}

// Ledger 维护当前运行周期内所有持仓及其保护单状态。
// 每个交易对同一时刻至多允许一个执行动作，由 Begin/Release 保证。
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*Position
	pending   map[string]struct{}
	logger    *zap.Logger
}

// New 创建空账本。
func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[string]*Position),
		pending:   make(map[string]struct{}),
		logger:    logger,
	}
}

// Get 查询持仓，返回副本。
func (l *Ledger) Get(symbol string) (Position, bool) {
	symbol = normalizeSymbol(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Snapshot 返回全部持仓的副本，按交易对无序。
func (l *Ledger) Snapshot() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// Sync 以交易所快照为准刷新账本。数量、均价、浮动盈亏以交易所为准；
// 本地跟踪的订单号、待成交标记与保护失效标记保留。交易所已不存在且
// 本地无挂单等待的持仓会被移除（通常意味着止损单已触发）。
// 有动作在执行中的交易对不做任何变更。
func (l *Ledger) Sync(live []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(live))
	for _, incoming := range live {
		symbol := normalizeSymbol(incoming.Symbol)
		seen[symbol] = struct{}{}

		if _, busy := l.pending[symbol]; busy {
			continue
		}

		if existing, ok := l.positions[symbol]; ok {
			existing.Quantity = incoming.Quantity
			existing.EntryPrice = incoming.EntryPrice
			existing.UnrealizedPnl = incoming.UnrealizedPnl
			if incoming.Leverage > 0 {
				existing.Leverage = incoming.Leverage
			}
			if incoming.Quantity != 0 {
				existing.WaitForFill = false
			}
			// 本地没有记录的保护单以交易所为准补齐，本地已有的记录
			// 是本进程挂的单，优先保留。
			if existing.StopOrderID == NoOrder && incoming.StopOrderID != NoOrder {
				existing.StopOrderID = incoming.StopOrderID
			}
			if existing.TakeProfitID == NoOrder && incoming.TakeProfitID != NoOrder {
				existing.TakeProfitID = incoming.TakeProfitID
			}
			continue
		}

		pos := incoming
		pos.Symbol = symbol
		l.positions[symbol] = &pos
		l.logger.Info("发现账本外持仓，纳入管理",
			zap.String("symbol", symbol),
			zap.Float64("quantity", pos.Quantity),
		)
	}

	for symbol, pos := range l.positions {
		if _, ok := seen[symbol]; ok {
			continue
		}
		if _, busy := l.pending[symbol]; busy {
			continue
		}
		if pos.WaitForFill {
			// 突破挂单还没成交，交易所自然没有持仓。
			continue
		}
		delete(l.positions, symbol)
		l.logger.Info("持仓已在交易所消失，从账本移除（止损可能已触发）",
			zap.String("symbol", symbol),
		)
	}
}

// Begin 为交易对获取独占执行权。第二个并发调用方会得到 ErrConcurrentAction，
// 直到首个 Guard 释放为止。
func (l *Ledger) Begin(symbol string) (*Guard, error) {
	symbol = normalizeSymbol(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.pending[symbol]; busy {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentAction, symbol)
	}
	l.pending[symbol] = struct{}{}

	return &Guard{ledger: l, symbol: symbol}, nil
}

// Guard 是交易对的独占修改凭证。所有账本写入都必须经由 Guard，
// 且 Release 在任何退出路径上都必须被调用（建议 defer）。
type Guard struct {
	ledger  *Ledger
	symbol  string
	release sync.Once
}

// Symbol 返回凭证对应的交易对。
func (g *Guard) Symbol() string {
	return g.symbol
}

// Release 归还执行权。可安全重复调用。
func (g *Guard) Release() {
	g.release.Do(func() {
		g.ledger.mu.Lock()
		delete(g.ledger.pending, g.symbol)
		g.ledger.mu.Unlock()
	})
}

// RecordOpen 写入新建仓位。
func (g *Guard) RecordOpen(pos Position) {
	pos.Symbol = g.symbol

	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	g.ledger.positions[g.symbol] = &pos
}

// RecordClose 移除持仓，平仓完成时调用。
func (g *Guard) RecordClose() {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	delete(g.ledger.positions, g.symbol)
}

// UpdateProtectiveOrder 更新止损单号，orderID 为 NoOrder 表示止损单已撤销。
func (g *Guard) UpdateProtectiveOrder(orderID string) {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()

	if pos, ok := g.ledger.positions[g.symbol]; ok {
		pos.StopOrderID = orderID
		if orderID != NoOrder {
			pos.PendingStopPrice = 0
			pos.Unprotected = false
			pos.HaltReason = ""
		}
	}
}

// MarkUnprotected 标记持仓失去保护并冻结该交易对的自动操作。
func (g *Guard) MarkUnprotected(reason string) {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()

	if pos, ok := g.ledger.positions[g.symbol]; ok {
		pos.StopOrderID = NoOrder
		pos.Unprotected = true
		pos.HaltReason = reason
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
