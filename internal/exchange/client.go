package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"consensus-trader/internal/config"
)

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// FetchCandles 获取指定交易对与周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchOpenInterest 获取合约持仓量。
func (c *Client) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var value float64

	err := c.callWithRetry(ctx, "fetch_open_interest", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		oi, err := c.exchange.FetchOpenInterest(symbol)
		if err != nil {
			return err
		}
		value = derefFloat(oi.OpenInterestAmount)
		if value == 0 {
			value = derefFloat(oi.OpenInterestValue)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return value, nil
}

// FetchFundingRate 获取最新资金费率。
func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	var rate float64

	err := c.callWithRetry(ctx, "fetch_funding_rate", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		funding, err := c.exchange.FetchFundingRate(symbol)
		if err != nil {
			return err
		}
		rate = derefFloat(funding.FundingRate)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return rate, nil
}

// FetchAccountSnapshot 获取账户资金与全部持仓。
func (c *Client) FetchAccountSnapshot(ctx context.Context) (AccountSnapshot, []PositionDetail, error) {
	now := time.Now().UTC()
	snapshot := AccountSnapshot{Timestamp: now}
	var positions []PositionDetail

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}

		if balances.Total != nil {
			for _, code := range []string{"USDT", "USDC", "USD"} {
				if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
					snapshot.TotalEquity = *total
					break
				}
			}
		}
		if balances.Free != nil {
			for _, code := range []string{"USDT", "USDC", "USD"} {
				if free, ok := balances.Free[code]; ok && free != nil && *free > 0 {
					snapshot.AvailableCash = *free
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return snapshot, nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	err = c.callWithRetry(ctx, "fetch_positions", func() error {
		raw, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}

		positions = positions[:0]
		var totalUnrealized float64
		for _, rawPos := range raw {
			symbol := derefString(rawPos.Symbol)
			size := derefFloat(rawPos.Contracts)
			if symbol == "" || size == 0 {
				continue
			}

			quantity := size
			if strings.EqualFold(derefString(rawPos.Side), "short") {
				quantity = -size
			}

			unrealized := derefFloat(rawPos.UnrealizedPnl)
			totalUnrealized += unrealized

			positions = append(positions, PositionDetail{
				Symbol:        symbol,
				Quantity:      quantity,
				EntryPrice:    derefFloat(rawPos.EntryPrice),
				MarkPrice:     derefFloat(rawPos.MarkPrice),
				UnrealizedPnl: unrealized,
				Leverage:      int(derefFloat(rawPos.Leverage)),
				Timestamp:     now,
			})
		}
		snapshot.UnrealizedPnl = totalUnrealized
		return nil
	})
	if err != nil {
		return snapshot, nil, fmt.Errorf("获取持仓失败: %w", err)
	}

	// 持仓可能早于本进程存在（例如重启后接管），交易所侧的保护单号
	// 必须一并带回，否则平仓路径会漏撤仍在生效的止损单。
	if len(positions) > 0 {
		stops, takeProfits, err := c.fetchProtectiveOrders(ctx)
		if err != nil {
			return snapshot, nil, fmt.Errorf("获取挂单失败: %w", err)
		}
		for i := range positions {
			key := strings.ToUpper(positions[i].Symbol)
			positions[i].StopOrderID = stops[key]
			positions[i].TakeProfitID = takeProfits[key]
		}
	}

	return snapshot, positions, nil
}

// fetchProtectiveOrders 拉取全部未成交挂单，按交易对归集止损单与止盈单号。
func (c *Client) fetchProtectiveOrders(ctx context.Context) (map[string]string, map[string]string, error) {
	var (
		stops       map[string]string
		takeProfits map[string]string
	)

	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		orders, err := c.exchange.FetchOpenOrders()
		if err != nil {
			return err
		}

		stops = make(map[string]string)
		takeProfits = make(map[string]string)
		for _, order := range orders {
			symbol := strings.ToUpper(derefString(order.Symbol))
			id := derefString(order.Id)
			if symbol == "" || id == "" {
				continue
			}

			orderType := strings.ToLower(derefString(order.Type))
			switch {
			case strings.Contains(orderType, "take_profit"):
				takeProfits[symbol] = id
			case strings.Contains(orderType, "stop"):
				stops[symbol] = id
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return stops, takeProfits, nil
}

// SetLeverage 设置交易对杠杆倍数。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.callOnce(ctx, "set_leverage", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		_, err := c.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(symbol))
		return err
	})
}

// PlaceMarketOrder 提交市价单。reduceOnly 用于平仓单，避免意外反向开仓。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, reduceOnly bool) (OrderAck, error) {
	var ack OrderAck

	err := c.callOnce(ctx, "create_market_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		amount := c.normalizeQuantity(symbol, quantity)
		if amount <= 0 {
			return fmt.Errorf("数量规范化后无效: 原始=%f 规范化=%f", quantity, amount)
		}

		params := map[string]interface{}{}
		if reduceOnly {
			params["reduceOnly"] = true
		}

		order, err := c.exchange.CreateMarketOrder(
			symbol, string(side), amount,
			ccxt.WithCreateMarketOrderParams(params),
		)
		if err != nil {
			return err
		}

		ack = OrderAck{ID: derefString(order.Id), Status: derefString(order.Status)}
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return ack, nil
}

// PlaceProtectiveStop 挂设止损单。触发后直接平掉整个仓位。
func (c *Client) PlaceProtectiveStop(ctx context.Context, symbol string, side Side, quantity, stopPrice float64) (OrderAck, error) {
	var ack OrderAck

	err := c.callOnce(ctx, "create_stop_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		params := map[string]interface{}{
			"stopPrice":     c.normalizePrice(symbol, stopPrice),
			"closePosition": true,
			"reduceOnly":    true,
		}

		order, err := c.exchange.CreateOrder(
			symbol, "market", string(side), c.normalizeQuantity(symbol, quantity),
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}

		ack = OrderAck{ID: derefString(order.Id), Status: derefString(order.Status)}
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return ack, nil
}

// PlaceStopEntry 挂设突破入场单：价格触及 triggerPrice 后以市价成交。
func (c *Client) PlaceStopEntry(ctx context.Context, symbol string, side Side, quantity, triggerPrice float64) (OrderAck, error) {
	var ack OrderAck

	err := c.callOnce(ctx, "create_stop_entry_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		amount := c.normalizeQuantity(symbol, quantity)
		if amount <= 0 {
			return fmt.Errorf("数量规范化后无效: 原始=%f 规范化=%f", quantity, amount)
		}

		params := map[string]interface{}{
			"stopPrice": c.normalizePrice(symbol, triggerPrice),
		}

		order, err := c.exchange.CreateOrder(
			symbol, "market", string(side), amount,
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}

		ack = OrderAck{ID: derefString(order.Id), Status: derefString(order.Status)}
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return ack, nil
}

// CancelOrder 撤销订单。订单已成交或已不存在时返回 ErrOrderGone。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.callOnce(ctx, "cancel_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err != nil && IsOrderGone(err) {
		return fmt.Errorf("%w: %s", ErrOrderGone, orderID)
	}
	return err
}

// normalizeQuantity 按市场元数据规范化下单数量：对齐步长并满足最小数量。
func (c *Client) normalizeQuantity(symbol string, quantity float64) float64 {
	market, ok := c.exchange.Market(symbol).(map[string]interface{})
	if !ok {
		return quantity
	}

	normalized := quantity

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		if step := toFloat(precision["amount"]); step > 0 {
			normalized = floorToPrecision(normalized, step)
		}
	}

	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			if min := toFloat(amount["min"]); min > 0 && normalized < min {
				c.logger.Warn("下单数量低于最小限制，按最小数量执行",
					zap.String("symbol", symbol),
					zap.Float64("requested", quantity),
					zap.Float64("min", min),
				)
				normalized = min
			}
		}
	}

	return normalized
}

// normalizePrice 将触发价对齐到市场报价精度。偏离最小报价单位的
// 止损价会被交易所整单拒绝。
func (c *Client) normalizePrice(symbol string, price float64) float64 {
	market, ok := c.exchange.Market(symbol).(map[string]interface{})
	if !ok {
		return price
	}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		if step := toFloat(precision["price"]); step > 0 {
			return roundToPrecision(price, step)
		}
	}

	return price
}

// floorToPrecision 按精度向下对齐。precision 小于 1 时视为步长，
// 否则视为小数位数（部分交易所以小数位数表示精度）。
func floorToPrecision(value, precision float64) float64 {
	if precision <= 0 {
		return value
	}
	if precision < 1 {
		return math.Floor(value/precision) * precision
	}
	factor := math.Pow(10, precision)
	return math.Floor(value*factor) / factor
}

// roundToPrecision 按精度就近对齐，用于价格。数量仍应向下取整，
// 避免下出超过预算的单。
func roundToPrecision(value, precision float64) float64 {
	if precision <= 0 {
		return value
	}
	if precision < 1 {
		return math.Round(value/precision) * precision
	}
	factor := math.Pow(10, precision)
	return math.Round(value*factor) / factor
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// callOnce 执行一次写操作，失败直接返回。写操作不自动重试：
// 超时等模糊失败下重试可能造成重复下单。
func (c *Client) callOnce(ctx context.Context, operation string, fn func() error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	start := time.Now()
	err := fn()
	if err == nil {
		return nil
	}

	normalizedErr, _ := c.classifyError(err)
	c.logger.Error("交易所写操作失败",
		zap.String("operation", operation),
		zap.Duration("latency", time.Since(start)),
		zap.Error(normalizedErr),
	)
	return normalizedErr
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		// 订单已不存在等业务性错误不可重试，网络类错误可重试。
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case *float64:
		if v != nil {
			return *v
		}
	}
	return 0
}
