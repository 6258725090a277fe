package execution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"consensus-trader/internal/decision"
	"consensus-trader/internal/exchange"
	"consensus-trader/internal/ledger"
)

// exchangeClient 定义执行器依赖的交易所操作。
type exchangeClient interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity float64, reduceOnly bool) (exchange.OrderAck, error)
	PlaceProtectiveStop(ctx context.Context, symbol string, side exchange.Side, quantity, stopPrice float64) (exchange.OrderAck, error)
	PlaceStopEntry(ctx context.Context, symbol string, side exchange.Side, quantity, triggerPrice float64) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Executor 将放行后的共识决策落实到交易所并更新账本。
// 每次 Apply 调用都必须持有对应交易对的账本凭证。
type Executor struct {
	client exchangeClient
	book   *ledger.Ledger
	logger *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(client exchangeClient, book *ledger.Ledger, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client: client,
		book:   book,
		logger: logger,
	}
}

// Apply 执行单条决策。equity 为账户净值，lastPrice 为该交易对最新价格，
// 用于折算下单数量。调用方负责 guard 的 Release。
func (e *Executor) Apply(ctx context.Context, d decision.AggregatedDecision, guard *ledger.Guard, equity, lastPrice float64) Result {
	result := Result{Symbol: d.Symbol, Action: d.Action}

	switch d.Action {
	case decision.ActionOpen:
		return e.applyOpen(ctx, d, guard, equity, lastPrice)
	case decision.ActionBreakoutBuy, decision.ActionBreakoutSell:
		return e.applyBreakout(ctx, d, guard, equity)
	case decision.ActionClose:
		return e.applyClose(ctx, d, guard)
	case decision.ActionHold:
		result.Applied = true
		result.Note = "保持现状，无交易所交互"
		return result
	default:
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("未知动作: %s", d.Action)
		return result
	}
}

// applyOpen 按固定顺序建仓：设置杠杆 → 市价入场 → 挂止损 → 记账。
// 杠杆或入场失败时不留下任何状态；止损失败时仓位照实记账但标记失保。
func (e *Executor) applyOpen(ctx context.Context, d decision.AggregatedDecision, guard *ledger.Guard, equity, lastPrice float64) Result {
	result := Result{Symbol: d.Symbol, Action: d.Action}

	quantity := positionQuantity(equity, d.PositionSizeFraction, d.Leverage, referencePrice(lastPrice, d.EntryPriceTarget))
	if quantity <= 0 {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("无法折算下单数量: 净值=%.2f 价格=%.6g", equity, lastPrice)
		return result
	}

	if err := e.client.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("设置杠杆失败: %v", err)
		e.logger.Error("设置杠杆失败，放弃开仓",
			zap.String("symbol", d.Symbol),
			zap.Int("leverage", d.Leverage),
			zap.Error(err),
		)
		return result
	}

	entrySide := sideFor(d.Direction)
	entry, err := e.client.PlaceMarketOrder(ctx, d.Symbol, entrySide, quantity, false)
	if err != nil {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("入场单失败: %v", err)
		e.logger.Error("入场单失败，放弃开仓",
			zap.String("symbol", d.Symbol),
			zap.Error(err),
		)
		return result
	}
	result.EntryOrderID = entry.ID

	signedQty := quantity
	if d.Direction == decision.DirectionShort {
		signedQty = -quantity
	}

	stop, err := e.client.PlaceProtectiveStop(ctx, d.Symbol, entrySide.Opposite(), quantity, d.StopLossPrice)
	if err != nil {
		// 入场已经成交，仓位是真实的。记账并冻结该交易对，等待人工处理。
		reason := fmt.Sprintf("开仓后止损单挂设失败: %v", err)
		guard.RecordOpen(ledger.Position{
			Quantity:     signedQty,
			EntryPrice:   d.EntryPriceTarget,
			Leverage:     d.Leverage,
			EntryOrderID: entry.ID,
			Direction:    d.Direction,
			Unprotected:  true,
			HaltReason:   reason,
		})

		result.Applied = true
		result.Failure = FailureUnprotectedAfterOpen
		result.Error = reason
		e.logger.Error("仓位失去止损保护，交易对已冻结",
			zap.String("symbol", d.Symbol),
			zap.String("entry_order_id", entry.ID),
			zap.Error(err),
		)
		return result
	}
	result.StopOrderID = stop.ID

	guard.RecordOpen(ledger.Position{
		Quantity:     signedQty,
		EntryPrice:   d.EntryPriceTarget,
		Leverage:     d.Leverage,
		EntryOrderID: entry.ID,
		StopOrderID:  stop.ID,
		Direction:    d.Direction,
	})

	result.Applied = true
	e.logger.Info("开仓完成",
		zap.String("symbol", d.Symbol),
		zap.String("direction", string(d.Direction)),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", d.Leverage),
		zap.String("entry_order_id", entry.ID),
		zap.String("stop_order_id", stop.ID),
	)
	return result
}

// applyBreakout 挂设突破入场单。止损单在成交后由 AttachPendingStops 补挂。
func (e *Executor) applyBreakout(ctx context.Context, d decision.AggregatedDecision, guard *ledger.Guard, equity float64) Result {
	result := Result{Symbol: d.Symbol, Action: d.Action}

	quantity := positionQuantity(equity, d.PositionSizeFraction, d.Leverage, d.EntryPriceTarget)
	if quantity <= 0 {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("无法折算下单数量: 净值=%.2f 触发价=%.6g", equity, d.EntryPriceTarget)
		return result
	}

	if err := e.client.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("设置杠杆失败: %v", err)
		return result
	}

	side := exchange.SideBuy
	if d.Action == decision.ActionBreakoutSell {
		side = exchange.SideSell
	}

	entry, err := e.client.PlaceStopEntry(ctx, d.Symbol, side, quantity, d.EntryPriceTarget)
	if err != nil {
		result.Failure = FailureExchangeCall
		result.Error = fmt.Sprintf("突破挂单失败: %v", err)
		e.logger.Error("突破挂单失败",
			zap.String("symbol", d.Symbol),
			zap.Error(err),
		)
		return result
	}
	result.EntryOrderID = entry.ID

	guard.RecordOpen(ledger.Position{
		EntryPrice:       d.EntryPriceTarget,
		Leverage:         d.Leverage,
		EntryOrderID:     entry.ID,
		Direction:        d.Direction,
		WaitForFill:      true,
		PendingStopPrice: d.StopLossPrice,
	})

	result.Applied = true
	e.logger.Info("突破挂单已提交",
		zap.String("symbol", d.Symbol),
		zap.String("direction", string(d.Direction)),
		zap.Float64("trigger_price", d.EntryPriceTarget),
		zap.String("entry_order_id", entry.ID),
	)
	return result
}

// applyClose 先撤销旧止损单再平仓。止损单已不存在视为撤销成功；
// 其它撤销失败立即放弃平仓，避免止损单与平仓单双重成交。
func (e *Executor) applyClose(ctx context.Context, d decision.AggregatedDecision, guard *ledger.Guard) Result {
	result := Result{Symbol: d.Symbol, Action: d.Action}

	pos, ok := e.book.Get(d.Symbol)
	if !ok {
		result.Applied = true
		result.Note = "账本中无持仓，视为已平"
		return result
	}

	if pos.HasStop() {
		if err := e.client.CancelOrder(ctx, d.Symbol, pos.StopOrderID); err != nil {
			if !exchange.IsOrderGone(err) {
				result.Failure = FailureStaleStopCancel
				result.Error = fmt.Sprintf("撤销止损单失败: %v", err)
				e.logger.Error("撤销止损单失败，放弃平仓",
					zap.String("symbol", d.Symbol),
					zap.String("stop_order_id", pos.StopOrderID),
					zap.Error(err),
				)
				return result
			}
			e.logger.Info("止损单已不存在，按撤销成功处理",
				zap.String("symbol", d.Symbol),
				zap.String("stop_order_id", pos.StopOrderID),
			)
		}
		guard.UpdateProtectiveOrder(ledger.NoOrder)
	}

	// 接管的仓位可能还挂着止盈单。止盈单是 reduceOnly 单，撤销失败
	// 不会造成双重成交，记录后继续平仓，避免留下孤儿挂单。
	if pos.TakeProfitID != ledger.NoOrder {
		if err := e.client.CancelOrder(ctx, d.Symbol, pos.TakeProfitID); err != nil && !exchange.IsOrderGone(err) {
			e.logger.Warn("撤销止盈单失败，继续平仓",
				zap.String("symbol", d.Symbol),
				zap.String("take_profit_order_id", pos.TakeProfitID),
				zap.Error(err),
			)
		}
	}

	// 突破挂单尚未成交，交易所侧没有仓位，撤掉入场单即完成平仓。
	if pos.WaitForFill {
		if err := e.client.CancelOrder(ctx, d.Symbol, pos.EntryOrderID); err != nil && !exchange.IsOrderGone(err) {
			result.Failure = FailureExchangeCall
			result.Error = fmt.Sprintf("撤销突破挂单失败: %v", err)
			return result
		}
		guard.RecordClose()
		result.Applied = true
		result.Note = "突破挂单已撤销"
		return result
	}

	quantity := pos.Quantity
	if quantity < 0 {
		quantity = -quantity
	}
	closeSide := sideFor(pos.Side()).Opposite()

	closeOrder, err := e.client.PlaceMarketOrder(ctx, d.Symbol, closeSide, quantity, true)
	if err != nil {
		// 止损已撤但平仓失败，仓位此刻没有任何保护。
		reason := fmt.Sprintf("止损已撤销但平仓单失败: %v", err)
		guard.MarkUnprotected(reason)

		result.Failure = FailureExchangeCall
		result.Error = reason
		e.logger.Error("平仓失败且止损已撤销，交易对已冻结",
			zap.String("symbol", d.Symbol),
			zap.Error(err),
		)
		return result
	}

	guard.RecordClose()
	result.Applied = true
	result.EntryOrderID = closeOrder.ID
	e.logger.Info("平仓完成",
		zap.String("symbol", d.Symbol),
		zap.Float64("quantity", quantity),
		zap.String("close_order_id", closeOrder.ID),
	)
	return result
}

// AttachPendingStops 为已成交的突破仓位补挂止损单。
// 应在每次账本同步之后调用。补挂失败会冻结对应交易对。
func (e *Executor) AttachPendingStops(ctx context.Context) []Result {
	var results []Result

	for _, pos := range e.book.Snapshot() {
		if pos.WaitForFill || pos.Quantity == 0 || pos.PendingStopPrice <= 0 || pos.HasStop() || pos.Unprotected {
			continue
		}

		guard, err := e.book.Begin(pos.Symbol)
		if err != nil {
			continue
		}

		result := e.attachStop(ctx, pos, guard)
		guard.Release()
		results = append(results, result)
	}

	return results
}

func (e *Executor) attachStop(ctx context.Context, pos ledger.Position, guard *ledger.Guard) Result {
	result := Result{Symbol: pos.Symbol, Action: decision.ActionOpen}

	quantity := pos.Quantity
	if quantity < 0 {
		quantity = -quantity
	}
	stopSide := sideFor(pos.Side()).Opposite()

	stop, err := e.client.PlaceProtectiveStop(ctx, pos.Symbol, stopSide, quantity, pos.PendingStopPrice)
	if err != nil {
		reason := fmt.Sprintf("突破成交后止损单挂设失败: %v", err)
		guard.MarkUnprotected(reason)

		result.Failure = FailureUnprotectedAfterOpen
		result.Error = reason
		e.logger.Error("突破仓位失去止损保护，交易对已冻结",
			zap.String("symbol", pos.Symbol),
			zap.Error(err),
		)
		return result
	}

	guard.UpdateProtectiveOrder(stop.ID)
	result.Applied = true
	result.StopOrderID = stop.ID
	e.logger.Info("突破仓位止损单已补挂",
		zap.String("symbol", pos.Symbol),
		zap.Float64("stop_price", pos.PendingStopPrice),
		zap.String("stop_order_id", stop.ID),
	)
	return result
}

func sideFor(direction decision.Direction) exchange.Side {
	if direction == decision.DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func referencePrice(lastPrice, fallback float64) float64 {
	if lastPrice > 0 {
		return lastPrice
	}
	return fallback
}

// positionQuantity 将净值比例折算为合约数量。
func positionQuantity(equity, fraction float64, leverage int, price float64) float64 {
	if equity <= 0 || fraction <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	return equity * fraction * float64(leverage) / price
}
