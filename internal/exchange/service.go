package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"consensus-trader/internal/config"
)

// marketClient 定义快照服务依赖的行情接口。
type marketClient interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
}

// Service 并发采集各交易对的完整行情快照。
type Service struct {
	client marketClient
	logger *zap.Logger
}

// NewService 创建行情快照服务。
func NewService(client marketClient, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{client: client, logger: logger}
}

// GetMarketSnapshot 采集单个交易对的短周期K线、长周期K线、持仓量与资金费率。
// 四路请求并发执行，任意一路失败则整个快照失败。
func (s *Service) GetMarketSnapshot(ctx context.Context, pair config.PairConfig) (MarketSnapshot, error) {
	snapshot := MarketSnapshot{
		Symbol:        pair.Symbol,
		ShortInterval: pair.ShortInterval,
		LongInterval:  pair.LongInterval,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		candles, err := s.client.FetchCandles(groupCtx, pair.Symbol, pair.ShortInterval, int64(pair.KlineLimit))
		if err != nil {
			return fmt.Errorf("获取短周期K线失败 %s/%s: %w", pair.Symbol, pair.ShortInterval, err)
		}
		snapshot.ShortCandles = candles
		return nil
	})

	group.Go(func() error {
		candles, err := s.client.FetchCandles(groupCtx, pair.Symbol, pair.LongInterval, int64(pair.KlineLimit))
		if err != nil {
			return fmt.Errorf("获取长周期K线失败 %s/%s: %w", pair.Symbol, pair.LongInterval, err)
		}
		snapshot.LongCandles = candles
		return nil
	})

	group.Go(func() error {
		oi, err := s.client.FetchOpenInterest(groupCtx, pair.Symbol)
		if err != nil {
			// 持仓量属于增强信息，获取失败只降级不中断。
			s.logger.Warn("获取持仓量失败",
				zap.String("symbol", pair.Symbol),
				zap.Error(err),
			)
			return nil
		}
		snapshot.OpenInterest = oi
		return nil
	})

	group.Go(func() error {
		rate, err := s.client.FetchFundingRate(groupCtx, pair.Symbol)
		if err != nil {
			s.logger.Warn("获取资金费率失败",
				zap.String("symbol", pair.Symbol),
				zap.Error(err),
			)
			return nil
		}
		snapshot.FundingRate = rate
		return nil
	})

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	if len(snapshot.ShortCandles) == 0 {
		return MarketSnapshot{}, fmt.Errorf("交易对 %s 短周期K线为空", pair.Symbol)
	}

	snapshot.RetrievedAt = time.Now().UTC()
	return snapshot, nil
}
