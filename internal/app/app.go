package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"consensus-trader/internal/config"
	"consensus-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 构建协调器并按配置的模式驱动决策周期。
// 周期串行执行，上一个周期未结束前不会启动下一个。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("共识交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Int("oracles", len(a.cfg.Oracles)),
		zap.Int("pairs", len(a.cfg.Trading.Pairs)),
		zap.String("mode", a.cfg.Scheduler.Mode),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled {
		startMonitorServer(ctx, orch.Monitor(), orch.book, a.cfg.Monitor.Port, a.logger)
	}

	if err = orch.runCycle(ctx); err != nil {
		a.logger.Error("决策周期失败", zap.Error(err))
		if a.cfg.Scheduler.Mode == config.ModeSingle {
			return err
		}
	}

	if a.cfg.Scheduler.Mode == config.ModeSingle {
		a.logger.Info("单次模式执行完毕")
		return nil
	}

	interval := a.cfg.Scheduler.Interval
	if interval <= 0 {
		interval = 3 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.runCycle(ctx); err != nil {
				a.logger.Error("决策周期失败", zap.Error(err))
			}
		}
	}
}
